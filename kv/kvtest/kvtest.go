// Package kvtest is a conformance suite for kv.Engine implementations.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/andreyvit/kvdoc/kv"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t testing.TB, opts kv.Options) kv.Engine

// Run exercises open against the whole engine contract.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"GetAbsent", testGetAbsent},
		{"SetGetDelete", testSetGetDelete},
		{"VersionstampsIncrease", testVersionstampsIncrease},
		{"LastMutationWins", testLastMutationWins},
		{"CheckAbsent", testCheckAbsent},
		{"CheckVersionstamp", testCheckVersionstamp},
		{"ValueTooLarge", testValueTooLarge},
		{"InvalidKey", testInvalidKey},
		{"ScanPrefix", testScanPrefix},
		{"ScanBetween", testScanBetween},
		{"ScanReverse", testScanReverse},
		{"ScanLimit", testScanLimit},
		{"ViewSnapshot", testViewSnapshot},
		{"ReaderVersionstamp", testReaderVersionstamp},
		{"WatchInitial", testWatchInitial},
		{"WatchEvents", testWatchEvents},
		{"WatchCancel", testWatchCancel},
		{"WatchContext", testWatchContext},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open)
		})
	}
}

func setup(t testing.TB, open Opener, opts kv.Options) kv.Engine {
	e := open(t, opts)
	t.Cleanup(func() {
		e.Close()
	})
	return e
}

func commit(t testing.TB, e kv.Engine, b *kv.Batch) kv.CommitResult {
	t.Helper()
	res, err := e.Commit(context.Background(), b)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return res
}

func get(t testing.TB, e kv.Engine, key string) kv.Entry {
	t.Helper()
	var ent kv.Entry
	err := e.View(context.Background(), kv.Strong, func(r kv.Reader) error {
		var err error
		ent, err = r.Get([]byte(key))
		return err
	})
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return ent
}

func scanKeys(t testing.TB, e kv.Engine, rang kv.Range) []string {
	t.Helper()
	var keys []string
	err := e.View(context.Background(), kv.Strong, func(r kv.Reader) error {
		for ent, err := range r.Scan(rang) {
			if err != nil {
				return err
			}
			keys = append(keys, string(ent.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return keys
}

func fill(t testing.TB, e kv.Engine, keys ...string) {
	t.Helper()
	b := new(kv.Batch)
	for _, k := range keys {
		b.Set([]byte(k), []byte("v:"+k))
	}
	commit(t, e, b)
}

func eq[T any](t testing.TB, a, e T) {
	t.Helper()
	if diff := cmp.Diff(e, a); diff != "" {
		t.Errorf("** mismatch (-wanted +got):\n%s", diff)
	}
}

func testGetAbsent(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	ent := get(t, e, "nope")
	if ent.Exists() {
		t.Fatalf("** got %v, wanted absent", ent)
	}
	eq(t, string(ent.Key), "nope")
}

func testSetGetDelete(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	res := commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("hello")))

	ent := get(t, e, "a")
	eq(t, string(ent.Value), "hello")
	eq(t, ent.Versionstamp, res.Versionstamp)
	eq(t, len(ent.Versionstamp.String()), 20)

	commit(t, e, new(kv.Batch).Delete([]byte("a")))
	if ent := get(t, e, "a"); ent.Exists() {
		t.Fatalf("** got %v after delete, wanted absent", ent)
	}

	// deleting an absent key is not an error
	commit(t, e, new(kv.Batch).Delete([]byte("a")))
}

func testVersionstampsIncrease(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	var prev kv.Versionstamp
	for i := range 5 {
		res := commit(t, e, new(kv.Batch).Set([]byte("k"), fmt.Appendf(nil, "%d", i)))
		if res.Versionstamp <= prev {
			t.Fatalf("** commit %d got versionstamp %v, not after %v", i, res.Versionstamp, prev)
		}
		if res.Versionstamp.String() <= prev.String() {
			t.Fatalf("** commit %d: %q does not sort after %q", i, res.Versionstamp, prev)
		}
		prev = res.Versionstamp
	}

	res := commit(t, e, new(kv.Batch).Set([]byte("x"), nil).Set([]byte("y"), nil))
	eq(t, get(t, e, "x").Versionstamp, res.Versionstamp)
	eq(t, get(t, e, "y").Versionstamp, res.Versionstamp)
}

func testLastMutationWins(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("1")).Set([]byte("a"), []byte("2")))
	eq(t, string(get(t, e, "a").Value), "2")

	commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("3")).Delete([]byte("a")))
	if get(t, e, "a").Exists() {
		t.Fatal("** set then delete in one batch left the key present")
	}
}

func testCheckAbsent(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	commit(t, e, new(kv.Batch).Check([]byte("a"), 0).Set([]byte("a"), []byte("1")))

	_, err := e.Commit(context.Background(), new(kv.Batch).Check([]byte("a"), 0).Set([]byte("a"), []byte("2")).Set([]byte("b"), []byte("2")))
	if !errors.Is(err, kv.ErrCheckFailed) {
		t.Fatalf("** got %v, wanted ErrCheckFailed", err)
	}
	eq(t, string(get(t, e, "a").Value), "1")
	if get(t, e, "b").Exists() {
		t.Fatal("** failed batch was partially applied")
	}
}

func testCheckVersionstamp(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	first := commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("1")))
	second := commit(t, e, new(kv.Batch).Check([]byte("a"), first.Versionstamp).Set([]byte("a"), []byte("2")))

	_, err := e.Commit(context.Background(), new(kv.Batch).Check([]byte("a"), first.Versionstamp).Set([]byte("a"), []byte("3")))
	if !errors.Is(err, kv.ErrCheckFailed) {
		t.Fatalf("** got %v, wanted ErrCheckFailed", err)
	}
	ent := get(t, e, "a")
	eq(t, string(ent.Value), "2")
	eq(t, ent.Versionstamp, second.Versionstamp)

	_, err = e.Commit(context.Background(), new(kv.Batch).Check([]byte("missing"), first.Versionstamp))
	if !errors.Is(err, kv.ErrCheckFailed) {
		t.Fatalf("** got %v, wanted ErrCheckFailed for absent key", err)
	}
}

func testValueTooLarge(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{MaxEntryBytes: 16})
	eq(t, e.MaxEntryBytes(), 16)
	commit(t, e, new(kv.Batch).Set([]byte("ok"), make([]byte, 16)))
	_, err := e.Commit(context.Background(), new(kv.Batch).Set([]byte("big"), make([]byte, 17)))
	if !errors.Is(err, kv.ErrValueTooLarge) {
		t.Fatalf("** got %v, wanted ErrValueTooLarge", err)
	}
}

func testInvalidKey(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	_, err := e.Commit(context.Background(), new(kv.Batch).Set(nil, []byte("x")))
	if !errors.Is(err, kv.ErrInvalidKey) {
		t.Fatalf("** got %v, wanted ErrInvalidKey", err)
	}
	_, err = e.Watch(context.Background(), [][]byte{{}})
	if !errors.Is(err, kv.ErrInvalidKey) {
		t.Fatalf("** Watch: got %v, wanted ErrInvalidKey", err)
	}
}

func testScanPrefix(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	fill(t, e, "a", "b/1", "b/2", "b/3", "c", "b\xff", "b0")
	eq(t, scanKeys(t, e, kv.PrefixRange([]byte("b/"))), []string{"b/1", "b/2", "b/3"})
	eq(t, scanKeys(t, e, kv.Range{}), []string{"a", "b/1", "b/2", "b/3", "b0", "b\xff", "c"})
	eq(t, scanKeys(t, e, kv.PrefixRange([]byte("zzz"))), []string(nil))
}

func testScanBetween(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	fill(t, e, "k1", "k2", "k3", "k4", "k5")
	eq(t, scanKeys(t, e, kv.Range{}.Between([]byte("k2"), []byte("k4"))), []string{"k2", "k3"})
	eq(t, scanKeys(t, e, kv.Range{Start: []byte("k4")}), []string{"k4", "k5"})
	eq(t, scanKeys(t, e, kv.Range{End: []byte("k2")}), []string{"k1"})
	eq(t, scanKeys(t, e, kv.PrefixRange([]byte("k")).Between([]byte("k3"), nil)), []string{"k3", "k4", "k5"})
}

func testScanReverse(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	fill(t, e, "a", "b/1", "b/2", "b/3", "c")
	eq(t, scanKeys(t, e, kv.PrefixRange([]byte("b/")).Reversed()), []string{"b/3", "b/2", "b/1"})
	eq(t, scanKeys(t, e, kv.Range{}.Reversed()), []string{"c", "b/3", "b/2", "b/1", "a"})
	eq(t, scanKeys(t, e, kv.Range{}.Between([]byte("b/2"), []byte("c")).Reversed()), []string{"b/3", "b/2"})
	eq(t, scanKeys(t, e, kv.Range{End: []byte("zz")}.Reversed()), []string{"c", "b/3", "b/2", "b/1", "a"})
}

func testScanLimit(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	fill(t, e, "a", "b", "c", "d")
	eq(t, scanKeys(t, e, kv.Range{}.Limited(2)), []string{"a", "b"})
	eq(t, scanKeys(t, e, kv.Range{}.Reversed().Limited(3)), []string{"d", "c", "b"})
}

func testViewSnapshot(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	fill(t, e, "a")
	err := e.View(context.Background(), kv.Eventual, func(r kv.Reader) error {
		ent, err := r.Get([]byte("a"))
		if err != nil {
			return err
		}
		eq(t, string(ent.Value), "v:a")
		// values handed out must stay intact after the view ends
		ent.Value[0] = 'X'
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	eq(t, string(get(t, e, "a").Value), "v:a")

	sentinel := errors.New("sentinel")
	err = e.View(context.Background(), kv.Strong, func(r kv.Reader) error { return sentinel })
	if err != sentinel {
		t.Fatalf("** got %v, wanted the callback error", err)
	}
}

func testReaderVersionstamp(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	readVS := func() kv.Versionstamp {
		var vs kv.Versionstamp
		err := e.View(context.Background(), kv.Strong, func(r kv.Reader) error {
			var err error
			vs, err = r.Versionstamp()
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return vs
	}

	eq(t, readVS(), kv.Versionstamp(0))
	commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("1")))
	r := commit(t, e, new(kv.Batch).Delete([]byte("a")))
	eq(t, readVS(), r.Versionstamp)
}

func nextEvent(t testing.TB, sub *kv.Subscription) kv.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("** events closed: %v", sub.Err())
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("** timed out waiting for event")
		panic("unreachable")
	}
}

func testWatchInitial(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	res := commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("1")))

	sub, err := e.Watch(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	initial := sub.Initial()
	eq(t, len(initial), 2)
	eq(t, string(initial[0].Value), "1")
	eq(t, initial[0].Versionstamp, res.Versionstamp)
	if initial[1].Exists() {
		t.Fatalf("** got %v, wanted absent", initial[1])
	}
}

func testWatchEvents(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	sub, err := e.Watch(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	r1 := commit(t, e, new(kv.Batch).Set([]byte("b"), []byte("1")))
	commit(t, e, new(kv.Batch).Set([]byte("unrelated"), []byte("x")))
	r2 := commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("2")).Set([]byte("b"), []byte("3")))
	r3 := commit(t, e, new(kv.Batch).Delete([]byte("b")))

	ev := nextEvent(t, sub)
	eq(t, ev.Index, 1)
	eq(t, string(ev.Entry.Value), "1")
	eq(t, ev.Entry.Versionstamp, r1.Versionstamp)

	ev = nextEvent(t, sub)
	eq(t, ev.Index, 0)
	eq(t, string(ev.Entry.Value), "2")
	eq(t, ev.Entry.Versionstamp, r2.Versionstamp)

	ev = nextEvent(t, sub)
	eq(t, ev.Index, 1)
	eq(t, string(ev.Entry.Value), "3")

	ev = nextEvent(t, sub)
	eq(t, ev.Index, 1)
	if ev.Entry.Exists() {
		t.Fatalf("** got %v, wanted a deletion", ev.Entry)
	}
	eq(t, ev.Versionstamp, r3.Versionstamp)
}

func testWatchCancel(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	sub, err := e.Watch(context.Background(), [][]byte{[]byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	sub.Cancel()
	sub.Cancel()

	select {
	case <-sub.Done():
	default:
		t.Fatal("** Done not closed after Cancel")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("** got %v, wanted nil after Cancel", err)
	}
	commit(t, e, new(kv.Batch).Set([]byte("a"), []byte("1")))
	for range sub.Events() {
		// drain until the pump closes the channel
	}
}

func testWatchContext(t *testing.T, open Opener) {
	e := setup(t, open, kv.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := e.Watch(ctx, [][]byte{[]byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("** subscription outlived its context")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Fatalf("** got %v, wanted context.Canceled", sub.Err())
	}
}

func testClosed(t *testing.T, open Opener) {
	e := open(t, kv.Options{})
	sub, err := e.Watch(context.Background(), [][]byte{[]byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("** second Close: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("** subscription survived Close")
	}
	if !errors.Is(sub.Err(), kv.ErrClosed) {
		t.Fatalf("** got %v, wanted ErrClosed", sub.Err())
	}

	_, err = e.Commit(context.Background(), new(kv.Batch).Set([]byte("a"), nil))
	if !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("** Commit: got %v, wanted ErrClosed", err)
	}
	err = e.View(context.Background(), kv.Strong, func(r kv.Reader) error { return nil })
	if !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("** View: got %v, wanted ErrClosed", err)
	}
	_, err = e.Watch(context.Background(), [][]byte{[]byte("a")})
	if !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("** Watch: got %v, wanted ErrClosed", err)
	}
}
