package kv

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Memory is a transient in-memory engine intended for tests and caches.
// Each commit publishes a new immutable sorted snapshot; readers never block.
type Memory struct {
	opts   Options
	logger *zap.Logger
	hub    *hub

	mu     sync.Mutex // held by commits and watch registration
	state  atomic.Pointer[memState]
	closed atomic.Bool
}

type memState struct {
	items []memKV // sorted by key
	last  Versionstamp
}

type memKV struct {
	key    []byte
	stored []byte
}

var _ Engine = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	m := &Memory{
		opts:   opts,
		logger: opts.logger(),
		hub:    newHub(),
	}
	m.state.Store(&memState{})
	m.logger.Debug("kv: memory engine opened")
	return m
}

func (m *Memory) MaxEntryBytes() int { return m.opts.maxEntryBytes() }

func (m *Memory) View(ctx context.Context, c Consistency, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return fn(memReader{st: m.state.Load()})
}

func (m *Memory) Commit(ctx context.Context, b *Batch) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	if err := b.validate(m.MaxEntryBytes()); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return CommitResult{}, ErrClosed
	}

	st := m.state.Load()
	r := memReader{st: st}
	for _, c := range b.Checks {
		e, err := r.Get(c.Key)
		if err != nil {
			return CommitResult{}, err
		}
		if e.Versionstamp != c.Versionstamp {
			return CommitResult{}, checkFailed(c, e.Versionstamp)
		}
	}

	vs := st.last + 1
	next := &memState{items: slices.Clone(st.items), last: vs}
	for _, mut := range b.Mutations {
		i, ok := next.find(mut.Key)
		switch mut.Kind {
		case MutationSet:
			kv := memKV{key: clone(mut.Key), stored: encodeStored(vs, mut.Value)}
			if ok {
				next.items[i] = kv
			} else {
				next.items = slices.Insert(next.items, i, kv)
			}
		case MutationDelete:
			if ok {
				next.items = slices.Delete(next.items, i, i+1)
			}
		}
	}
	m.state.Store(next)
	m.hub.publish(vs, b.changes(vs))
	return CommitResult{Versionstamp: vs}, nil
}

func (m *Memory) Watch(ctx context.Context, keys [][]byte) (*Subscription, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	initial, err := readEntries(memReader{st: m.state.Load()}, keys)
	if err != nil {
		return nil, err
	}
	return m.hub.subscribe(ctx, keys, initial)
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int { return m.hub.active() }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Swap(true) {
		return nil
	}
	m.hub.close(ErrClosed)
	m.state.Store(&memState{})
	m.logger.Debug("kv: memory engine closed")
	return nil
}

func (st *memState) find(key []byte) (idx int, ok bool) {
	items := st.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type memReader struct {
	st *memState
}

func (r memReader) Get(key []byte) (Entry, error) {
	i, ok := r.st.find(key)
	if !ok {
		return Entry{Key: clone(key)}, nil
	}
	return decodeStored(key, r.st.items[i].stored)
}

func (r memReader) Versionstamp() (Versionstamp, error) {
	return r.st.last, nil
}

func (r memReader) Scan(rang Range) iter.Seq2[Entry, error] {
	return scanCursor(&memCursor{items: r.st.items, pos: -1}, rang)
}

type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) at(i int) ([]byte, []byte) {
	c.pos = i
	if i < 0 || i >= len(c.items) {
		return nil, nil
	}
	kv := c.items[i]
	return kv.key, kv.stored
}

func (c *memCursor) First() ([]byte, []byte) { return c.at(0) }

func (c *memCursor) Last() ([]byte, []byte) { return c.at(len(c.items) - 1) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i := sort.Search(len(c.items), func(i int) bool {
		return bytes.Compare(c.items[i].key, seek) >= 0
	})
	return c.at(i)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	return c.at(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	return c.at(c.pos - 1)
}
