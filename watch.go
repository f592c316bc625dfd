package kvdoc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/kvdoc/kv"
)

// Watcher follows a fixed list of documents. Every committed change of a
// watched document invokes the callback once with the state of all of them.
// Create with WatchMany or Watch; release with Cancel.
type Watcher[T any] struct {
	coll     *Collection[T]
	ctx      context.Context
	ids      []ID
	subs     []*kv.Subscription
	callback func(docs []*Document[T])
	initial  bool

	// lastVS is owned by the delivery goroutine once it starts.
	lastVS []kv.Versionstamp

	mu    sync.Mutex
	slots []*Document[T]
	err   error

	cancelled atomic.Bool
	events    chan watchEvent
	ended     chan int
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

type watchEvent struct {
	slot int
	ev   kv.Event
}

type WatchOptions struct {
	// DeliverInitial also passes the initial state to the callback, before
	// any change.
	DeliverInitial bool
}

// WatchMany starts watching ids. It returns once the current state of every
// document is known; that state is available from Snapshot and is not passed
// to callback (see WatchManyWith). Afterwards, each change of any watched document updates its
// slot and calls callback with a copy of all slots, in ids order, with nil
// for absent documents. Duplicate ids get independent slots.
//
// Callbacks run one at a time on a goroutine owned by the watcher. The
// watcher ends when Cancel is called, ctx is done, or the engine closes.
func (c *Collection[T]) WatchMany(ctx context.Context, ids []ID, callback func(docs []*Document[T])) (*Watcher[T], error) {
	return c.WatchManyWith(ctx, ids, WatchOptions{}, callback)
}

// WatchManyWith is WatchMany with options.
func (c *Collection[T]) WatchManyWith(ctx context.Context, ids []ID, opt WatchOptions, callback func(docs []*Document[T])) (*Watcher[T], error) {
	const op = "watchMany"
	if callback == nil {
		panic("WatchMany: nil callback")
	}
	for _, id := range ids {
		if err := id.validate(); err != nil {
			return nil, collErrf(c.name, op, id, err, "")
		}
	}

	w := &Watcher[T]{
		coll:     c,
		ctx:      ctx,
		ids:      slices.Clone(ids),
		subs:     make([]*kv.Subscription, len(ids)),
		callback: callback,
		initial:  opt.DeliverInitial,
		lastVS:   make([]kv.Versionstamp, len(ids)),
		slots:    make([]*Document[T], len(ids)),
		events:   make(chan watchEvent),
		ended:    make(chan int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			sub, err := c.db.engine.Watch(ctx, [][]byte{c.ks.primaryKey(id)})
			w.subs[i] = sub
			return err
		})
	}
	if err := g.Wait(); err != nil {
		w.release()
		return nil, collErrf(c.name, op, ID{}, err, "subscribing")
	}

	for i, sub := range w.subs {
		if err := w.initSlot(i, sub.Initial()[0]); err != nil {
			w.release()
			return nil, collErrf(c.name, op, w.ids[i], err, "")
		}
	}

	for i, sub := range w.subs {
		go w.forward(i, sub)
	}
	go w.run()

	if c.db.verbose {
		c.logger.Debug("kvdoc: WATCH", zap.Stringers("ids", ids))
	}
	return w, nil
}

// Watch is WatchMany for a single document.
func (c *Collection[T]) Watch(ctx context.Context, id ID, callback func(doc *Document[T])) (*Watcher[T], error) {
	if callback == nil {
		panic("Watch: nil callback")
	}
	return c.WatchMany(ctx, []ID{id}, func(docs []*Document[T]) {
		callback(docs[0])
	})
}

// Snapshot returns a copy of the current slots.
func (w *Watcher[T]) Snapshot() []*Document[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.slots)
}

// Cancel stops the watcher and releases its subscriptions. No callback
// starts after Cancel returns, although one already running may still be
// in progress. Safe to call more than once, including from the callback.
func (w *Watcher[T]) Cancel() {
	w.cancelled.Store(true)
	w.release()
}

// Done is closed once the watcher has stopped delivering.
func (w *Watcher[T]) Done() <-chan struct{} {
	return w.done
}

// Err returns why the watcher ended: nil while running or after Cancel, the
// context error, kv.ErrClosed, or a read failure.
func (w *Watcher[T]) Err() error {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	default:
		return nil
	}
}

func (w *Watcher[T]) release() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	for _, sub := range w.subs {
		if sub != nil {
			sub.Cancel()
		}
	}
}

func (w *Watcher[T]) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.coll.logger.Warn("kvdoc: watch terminated", zap.Error(err))
	w.release()
}

// initSlot fills slot i from the entry its subscription started with. A
// chunked value must be read from a snapshot; if that snapshot already holds
// a newer state, the slot takes it and ignores changes the snapshot covers.
func (w *Watcher[T]) initSlot(i int, e kv.Entry) error {
	c := w.coll
	w.lastVS[i] = e.Versionstamp
	if !e.Exists() {
		return nil
	}
	sv, err := c.ks.decodeStored(w.ids[i], e)
	if err != nil {
		return err
	}
	if !sv.value.Flags.chunked() {
		w.slots[i], err = c.decodeDocument(nil, sv)
		return err
	}
	return c.db.engine.View(w.ctx, kv.Strong, func(r kv.Reader) error {
		cur, err := c.ks.readStored(r, w.ids[i])
		if err != nil {
			return err
		}
		if cur.versionstamp() != e.Versionstamp {
			if w.lastVS[i], err = r.Versionstamp(); err != nil {
				return err
			}
		}
		if cur == nil {
			w.slots[i] = nil
			return nil
		}
		w.slots[i], err = c.decodeDocument(r, cur)
		return err
	})
}

func (w *Watcher[T]) forward(i int, sub *kv.Subscription) {
	for ev := range sub.Events() {
		select {
		case w.events <- watchEvent{slot: i, ev: ev}:
		case <-w.stop:
			return
		}
	}
	select {
	case w.ended <- i:
	case <-w.stop:
	}
}

func (w *Watcher[T]) run() {
	defer close(w.done)
	if w.initial {
		w.deliver()
	}
	for {
		select {
		case <-w.stop:
			return
		case we := <-w.events:
			changed, err := w.apply(we)
			if err != nil {
				w.fail(err)
				return
			}
			if changed {
				w.deliver()
			}
		case i := <-w.ended:
			if err := w.subs[i].Err(); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// apply updates the slot of we, reporting whether it changed. Versions at or
// below the slot's last versionstamp are ignored. A chunked value that was
// overwritten before it could be read is skipped, since the event of the
// overwrite follows.
func (w *Watcher[T]) apply(we watchEvent) (bool, error) {
	c := w.coll
	i, ev := we.slot, we.ev
	if ev.Versionstamp <= w.lastVS[i] {
		return false, nil
	}

	var doc *Document[T]
	if ev.Entry.Exists() {
		sv, err := c.ks.decodeStored(w.ids[i], ev.Entry)
		if err != nil {
			return false, err
		}
		if sv.value.Flags.chunked() {
			var stale bool
			err = c.db.engine.View(w.ctx, kv.Strong, func(r kv.Reader) error {
				cur, err := c.ks.readStored(r, w.ids[i])
				if err != nil {
					return err
				}
				if cur.versionstamp() != sv.entry.Versionstamp {
					stale = true
					return nil
				}
				doc, err = c.decodeDocument(r, cur)
				return err
			})
			if err != nil {
				return false, err
			}
			if stale {
				return false, nil
			}
		} else {
			doc, err = c.decodeDocument(nil, sv)
			if err != nil {
				return false, err
			}
		}
	}

	w.lastVS[i] = ev.Versionstamp
	w.mu.Lock()
	w.slots[i] = doc
	w.mu.Unlock()
	return true, nil
}

func (w *Watcher[T]) deliver() {
	if w.cancelled.Load() {
		return
	}
	docs := w.Snapshot()
	WatchDeliveriesTotal.WithLabelValues(w.coll.name).Inc()
	w.callback(docs)
}

func (w *Watcher[T]) String() string {
	return fmt.Sprintf("%s.watch%v", w.coll.name, w.ids)
}
