package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Pebble keeps user keys under a one-byte data prefix, disjoint from the
// metadata key holding the last assigned versionstamp.
const (
	pebbleDataPrefix = 'd'
	pebbleMetaPrefix = 'm'
)

var (
	pebbleLastKey    = []byte{pebbleMetaPrefix, 'v', 's'}
	pebbleLowerBound = []byte{pebbleDataPrefix}
	pebbleUpperBound = []byte{pebbleDataPrefix + 1}
)

// Pebble is a durable engine backed by an LSM tree. Reads run against
// pebble snapshots; commits go through one pebble batch each.
type Pebble struct {
	db        *pebble.DB
	opts      Options
	logger    *zap.Logger
	hub       *hub
	writeOpts *pebble.WriteOptions
	path      string

	// mu is held by commits and watch registration. closeMu is read-held by
	// every operation and write-held by Close, draining in-flight reads.
	mu      sync.Mutex
	closeMu sync.RWMutex
	closed  atomic.Bool
	last    Versionstamp
}

var _ Engine = (*Pebble)(nil)

func OpenPebble(path string, opts Options) (*Pebble, error) {
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("kv: pebble: failed to open %s: %w", path, err)
	}

	var last Versionstamp
	raw, closer, err := db.Get(pebbleLastKey)
	switch {
	case err == nil:
		if len(raw) == 8 {
			last = Versionstamp(binary.BigEndian.Uint64(raw))
		}
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("kv: pebble: reading versionstamp: %w", err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	e := &Pebble{
		db:        db,
		opts:      opts,
		logger:    opts.logger(),
		hub:       newHub(),
		writeOpts: writeOpts,
		path:      path,
		last:      last,
	}
	e.logger.Info("kv: pebble engine opened", zap.String("path", path), zap.Bool("in_memory", opts.InMemory), zap.Stringer("versionstamp", last))
	return e, nil
}

func (e *Pebble) MaxEntryBytes() int { return e.opts.maxEntryBytes() }

func (e *Pebble) View(ctx context.Context, c Consistency, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return ErrClosed
	}

	snap := e.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleReader{r: snap})
}

func (e *Pebble) Commit(ctx context.Context, b *Batch) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if err := b.validate(e.MaxEntryBytes()); err != nil {
		return CommitResult{}, err
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return CommitResult{}, ErrClosed
	}

	// Commits are serialized by mu, so reading the live DB here sees
	// exactly the state the batch will apply on top of.
	r := pebbleReader{r: e.db}
	for _, c := range b.Checks {
		cur, err := r.Get(c.Key)
		if err != nil {
			return CommitResult{}, err
		}
		if cur.Versionstamp != c.Versionstamp {
			return CommitResult{}, checkFailed(c, cur.Versionstamp)
		}
	}

	vs := e.last + 1
	pb := e.db.NewBatch()
	defer pb.Close()
	for _, m := range b.Mutations {
		var err error
		switch m.Kind {
		case MutationSet:
			err = pb.Set(pebbleDataKey(m.Key), encodeStored(vs, m.Value), nil)
		case MutationDelete:
			err = pb.Delete(pebbleDataKey(m.Key), nil)
		}
		if err != nil {
			return CommitResult{}, fmt.Errorf("kv: pebble: %v %x: %w", m.Kind, m.Key, err)
		}
	}
	if err := pb.Set(pebbleLastKey, binary.BigEndian.AppendUint64(nil, uint64(vs)), nil); err != nil {
		return CommitResult{}, fmt.Errorf("kv: pebble: %w", err)
	}
	if err := pb.Commit(e.writeOpts); err != nil {
		return CommitResult{}, fmt.Errorf("kv: pebble: batch commit failed: %w", err)
	}
	e.last = vs
	e.hub.publish(vs, b.changes(vs))
	return CommitResult{Versionstamp: vs}, nil
}

func (e *Pebble) Watch(ctx context.Context, keys [][]byte) (*Subscription, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	initial, err := readEntries(pebbleReader{r: e.db}, keys)
	if err != nil {
		return nil, err
	}
	return e.hub.subscribe(ctx, keys, initial)
}

func (e *Pebble) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}
	e.hub.close(ErrClosed)
	err := e.db.Close()
	e.logger.Info("kv: pebble engine closed", zap.String("path", e.path), zap.Error(err))
	if err != nil {
		return fmt.Errorf("kv: pebble: closing: %w", err)
	}
	return nil
}

func pebbleDataKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, pebbleDataPrefix)
	return append(out, key...)
}

// pebbleSource is implemented by both *pebble.DB and *pebble.Snapshot.
type pebbleSource interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleReader struct {
	r pebbleSource
}

func (r pebbleReader) Get(key []byte) (Entry, error) {
	v, closer, err := r.r.Get(pebbleDataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{Key: clone(key)}, nil
	} else if err != nil {
		return Entry{}, fmt.Errorf("kv: pebble: get failed: %w", err)
	}
	defer closer.Close()
	return decodeStored(key, v)
}

func (r pebbleReader) Versionstamp() (Versionstamp, error) {
	raw, closer, err := r.r.Get(pebbleLastKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("kv: pebble: reading versionstamp: %w", err)
	}
	defer closer.Close()
	if len(raw) != versionstampLen {
		return 0, fmt.Errorf("kv: pebble: corrupt versionstamp record %x", raw)
	}
	return Versionstamp(binary.BigEndian.Uint64(raw)), nil
}

func (r pebbleReader) Scan(rang Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		it, err := r.r.NewIter(&pebble.IterOptions{
			LowerBound: pebbleLowerBound,
			UpperBound: pebbleUpperBound,
		})
		if err != nil {
			yield(Entry{}, fmt.Errorf("kv: pebble: iterator: %w", err))
			return
		}
		defer it.Close()
		for e, err := range scanCursor(pebbleCursor{it: it}, rang) {
			if !yield(e, err) || err != nil {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Entry{}, fmt.Errorf("kv: pebble: iterator: %w", err))
		}
	}
}

// pebbleCursor adapts a bounded pebble iterator to cursor, stripping the
// data prefix from keys.
type pebbleCursor struct {
	it *pebble.Iterator
}

func (c pebbleCursor) at(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	return c.it.Key()[1:], c.it.Value()
}

func (c pebbleCursor) First() ([]byte, []byte) { return c.at(c.it.First()) }
func (c pebbleCursor) Last() ([]byte, []byte)  { return c.at(c.it.Last()) }
func (c pebbleCursor) Next() ([]byte, []byte)  { return c.at(c.it.Next()) }
func (c pebbleCursor) Prev() ([]byte, []byte)  { return c.at(c.it.Prev()) }

func (c pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.at(c.it.SeekGE(pebbleDataKey(seek)))
}
