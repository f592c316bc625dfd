package kv_test

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/kvdoc/kv"
	"github.com/andreyvit/kvdoc/kv/kvtest"
)

func TestMemory(t *testing.T) {
	kvtest.Run(t, func(t testing.TB, opts kv.Options) kv.Engine {
		opts.Logger = zaptest.NewLogger(t)
		return kv.NewMemory(opts)
	})
}

func TestBolt(t *testing.T) {
	kvtest.Run(t, func(t testing.TB, opts kv.Options) kv.Engine {
		opts.Logger = zaptest.NewLogger(t)
		opts.NoSync = true
		e, err := kv.OpenBolt(filepath.Join(t.TempDir(), "test.db"), opts)
		if err != nil {
			t.Fatal(err)
		}
		return e
	})
}

func TestPebble(t *testing.T) {
	kvtest.Run(t, func(t testing.TB, opts kv.Options) kv.Engine {
		opts.Logger = zaptest.NewLogger(t)
		opts.InMemory = true
		opts.NoSync = true
		e, err := kv.OpenPebble("test", opts)
		if err != nil {
			t.Fatal(err)
		}
		return e
	})
}

func TestBoltReopenKeepsVersionstamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	testReopen(t, func() kv.Engine {
		e, err := kv.OpenBolt(path, kv.Options{NoSync: true, Logger: zaptest.NewLogger(t)})
		if err != nil {
			t.Fatal(err)
		}
		return e
	})
}

func TestPebbleReopenKeepsVersionstamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pebble")
	testReopen(t, func() kv.Engine {
		e, err := kv.OpenPebble(path, kv.Options{Logger: zaptest.NewLogger(t)})
		if err != nil {
			t.Fatal(err)
		}
		return e
	})
}

func testReopen(t *testing.T, open func() kv.Engine) {
	ctx := context.Background()
	e := open()
	first, err := e.Commit(ctx, new(kv.Batch).Set([]byte("a"), []byte("1")))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = open()
	defer e.Close()
	var ent kv.Entry
	err = e.View(ctx, kv.Strong, func(r kv.Reader) error {
		ent, err = r.Get([]byte("a"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(ent.Value) != "1" || ent.Versionstamp != first.Versionstamp {
		t.Fatalf("** got %q @%v, wanted \"1\" @%v", ent.Value, ent.Versionstamp, first.Versionstamp)
	}

	second, err := e.Commit(ctx, new(kv.Batch).Set([]byte("b"), []byte("2")))
	if err != nil {
		t.Fatal(err)
	}
	if second.Versionstamp <= first.Versionstamp {
		t.Fatalf("** versionstamp went from %v to %v across reopen", first.Versionstamp, second.Versionstamp)
	}
}
