package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	boltDataBucket = []byte("kv")
	boltMetaBucket = []byte("meta")
	boltLastKey    = []byte("versionstamp")
)

// Bolt is a durable engine storing all keys in a single bbolt bucket.
type Bolt struct {
	bdb    *bbolt.DB
	opts   Options
	logger *zap.Logger
	hub    *hub

	mu     sync.Mutex // held by commits and watch registration
	closed atomic.Bool
}

var _ Engine = (*Bolt)(nil)

func OpenBolt(path string, opts Options) (*Bolt, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opts.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("kv: bolt: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(boltDataBucket); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(boltMetaBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("kv: bolt: %w", err)
	}

	e := &Bolt{
		bdb:    bdb,
		opts:   opts,
		logger: opts.logger(),
		hub:    newHub(),
	}
	e.logger.Info("kv: bolt engine opened", zap.String("path", path))
	return e, nil
}

// DB exposes the underlying bbolt database.
func (e *Bolt) DB() *bbolt.DB { return e.bdb }

func (e *Bolt) MaxEntryBytes() int { return e.opts.maxEntryBytes() }

func (e *Bolt) View(ctx context.Context, c Consistency, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}
	return e.bdb.View(func(btx *bbolt.Tx) error {
		return fn(newBoltReader(btx))
	})
}

func (e *Bolt) Commit(ctx context.Context, b *Batch) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if err := b.validate(e.MaxEntryBytes()); err != nil {
		return CommitResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return CommitResult{}, ErrClosed
	}

	var vs Versionstamp
	err := e.bdb.Update(func(btx *bbolt.Tx) error {
		r := newBoltReader(btx)
		data, meta := r.b, r.meta
		for _, c := range b.Checks {
			cur, err := r.Get(c.Key)
			if err != nil {
				return err
			}
			if cur.Versionstamp != c.Versionstamp {
				return checkFailed(c, cur.Versionstamp)
			}
		}

		last, err := r.Versionstamp()
		if err != nil {
			return err
		}
		vs = last + 1
		if err := meta.Put(boltLastKey, binary.BigEndian.AppendUint64(nil, uint64(vs))); err != nil {
			return err
		}

		for _, m := range b.Mutations {
			var err error
			switch m.Kind {
			case MutationSet:
				err = data.Put(m.Key, encodeStored(vs, m.Value))
			case MutationDelete:
				err = data.Delete(m.Key)
			}
			if err != nil {
				return fmt.Errorf("kv: bolt: %v %x: %w", m.Kind, m.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	e.hub.publish(vs, b.changes(vs))
	return CommitResult{Versionstamp: vs}, nil
}

func (e *Bolt) Watch(ctx context.Context, keys [][]byte) (*Subscription, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	var initial []Entry
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		var err error
		initial, err = readEntries(newBoltReader(btx), keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.hub.subscribe(ctx, keys, initial)
}

func (e *Bolt) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}
	e.hub.close(ErrClosed)
	err := e.bdb.Close()
	e.logger.Info("kv: bolt engine closed", zap.Error(err))
	if err != nil {
		return fmt.Errorf("kv: bolt: closing: %w", err)
	}
	return nil
}

type boltReader struct {
	b    *bbolt.Bucket
	meta *bbolt.Bucket
}

func newBoltReader(btx *bbolt.Tx) boltReader {
	return boltReader{b: btx.Bucket(boltDataBucket), meta: btx.Bucket(boltMetaBucket)}
}

func (r boltReader) Versionstamp() (Versionstamp, error) {
	raw := r.meta.Get(boltLastKey)
	if raw == nil {
		return 0, nil
	}
	if len(raw) != versionstampLen {
		return 0, fmt.Errorf("kv: bolt: corrupt versionstamp record %x", raw)
	}
	return Versionstamp(binary.BigEndian.Uint64(raw)), nil
}

func (r boltReader) Get(key []byte) (Entry, error) {
	v := r.b.Get(key)
	if v == nil {
		return Entry{Key: clone(key)}, nil
	}
	return decodeStored(key, v)
}

// Scan iterates a bbolt cursor directly; *bbolt.Cursor satisfies cursor.
func (r boltReader) Scan(rang Range) iter.Seq2[Entry, error] {
	return scanCursor(r.b.Cursor(), rang)
}
