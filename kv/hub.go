package kv

import (
	"context"
	"sync"
)

// Event reports a committed change of the key at position Index of the
// watched key list. A deletion carries an Entry that does not Exist.
// Versionstamp is the one of the commit, and is set for deletions too.
type Event struct {
	Index        int
	Entry        Entry
	Versionstamp Versionstamp
}

// Subscription is a live watch over a fixed list of keys. Events are queued
// without bound, so a slow consumer never stalls commits.
type Subscription struct {
	keys    [][]byte
	initial []Entry
	events  chan Event
	hub     *hub

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}

	done      chan struct{}
	err       error
	closeOnce sync.Once
	stopCtx   func() bool
}

// Initial returns the entries of the watched keys as of subscription time,
// in key list order.
func (s *Subscription) Initial() []Entry { return s.initial }

// Events delivers changes in commit order. The channel is closed once the
// subscription terminates.
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns nil while the subscription is live or after Cancel, ErrClosed
// if the engine was closed, and the context error if the watch context ended.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.terminate(nil)
}

func (s *Subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		s.mu.Lock()
		stop := s.stopCtx
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.hub.remove(s)
	})
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// hub routes committed changes to subscriptions. Engines call publish while
// holding their writer lock, which keeps per-key delivery in commit order.
type hub struct {
	mu     sync.Mutex
	byKey  map[string]map[*Subscription][]int
	closed bool
}

func newHub() *hub {
	return &hub{byKey: make(map[string]map[*Subscription][]int)}
}

// subscribe registers a subscription whose initial state is initial. Callers
// hold the engine writer lock so no commit lands between reading initial and
// registering.
func (h *hub) subscribe(ctx context.Context, keys [][]byte, initial []Entry) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Subscription{
		keys:    keys,
		initial: initial,
		events:  make(chan Event),
		hub:     h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	for i, k := range keys {
		subs := h.byKey[string(k)]
		if subs == nil {
			subs = make(map[*Subscription][]int)
			h.byKey[string(k)] = subs
		}
		subs[s] = append(subs[s], i)
	}
	h.mu.Unlock()

	go s.pump()
	stop := context.AfterFunc(ctx, func() {
		s.terminate(ctx.Err())
	})
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
	return s, nil
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range s.keys {
		subs := h.byKey[string(k)]
		if subs == nil {
			continue
		}
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.byKey, string(k))
		}
	}
}

func (h *hub) publish(vs Versionstamp, changes []Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range changes {
		for s, indexes := range h.byKey[string(e.Key)] {
			for _, i := range indexes {
				s.push(Event{Index: i, Entry: e, Versionstamp: vs})
			}
		}
	}
}

func (h *hub) active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Subscription]struct{})
	for _, subs := range h.byKey {
		for s := range subs {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// close terminates every live subscription with err.
func (h *hub) close(err error) {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, subs := range h.byKey {
		for s := range subs {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				all = append(all, s)
			}
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.terminate(err)
	}
}
