package kvdoc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andreyvit/kvdoc/kv"
)

const watchTimeout = 5 * time.Second

type watchRecorder[T any] struct {
	ch chan []*Document[T]
}

func newWatchRecorder[T any]() *watchRecorder[T] {
	return &watchRecorder[T]{ch: make(chan []*Document[T], 100)}
}

func (wr *watchRecorder[T]) callback(docs []*Document[T]) {
	wr.ch <- docs
}

func (wr *watchRecorder[T]) next(t testing.TB) []*Document[T] {
	t.Helper()
	select {
	case docs := <-wr.ch:
		return docs
	case <-time.After(watchTimeout):
		t.Fatalf("** timed out waiting for a watch callback")
		return nil
	}
}

func (wr *watchRecorder[T]) none(t testing.TB) {
	t.Helper()
	select {
	case docs := <-wr.ch:
		t.Fatalf("** unexpected watch callback with %d docs", len(docs))
	case <-time.After(100 * time.Millisecond):
	}
}

// slotNames renders watched user slots, with "-" for absent documents.
func slotNames(docs []*Document[User]) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		if doc == nil {
			out[i] = "-"
		} else {
			out[i] = doc.Value.Name
		}
	}
	return out
}

func waitDone(t testing.TB, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(watchTimeout):
		t.Fatalf("** watcher did not stop")
	}
}

func TestWatchMany(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	a, b, c := StringID("a"), StringID("b"), StringID("c")
	must(users.Set(ctx, a, User{Name: "A1"}, SetOptions{}))

	rec := newWatchRecorder[User]()
	w := must(users.WatchMany(ctx, []ID{a, b, c}, rec.callback))
	defer w.Cancel()
	deepEqual(t, slotNames(w.Snapshot()), []string{"A1", "-", "-"})

	must(users.Set(ctx, b, User{Name: "B1"}, SetOptions{}))
	deepEqual(t, slotNames(rec.next(t)), []string{"A1", "B1", "-"})

	must(users.Set(ctx, c, User{Name: "C1"}, SetOptions{}))
	deepEqual(t, slotNames(rec.next(t)), []string{"A1", "B1", "C1"})

	ok(t, users.Delete(ctx, a))
	deepEqual(t, slotNames(rec.next(t)), []string{"-", "B1", "C1"})

	res := must(users.Update(ctx, b, User{Name: "B2"}, UpdateOptions{}))
	docs := rec.next(t)
	deepEqual(t, slotNames(docs), []string{"-", "B2", "C1"})
	deepEqual(t, docs[1].Versionstamp, res.Versionstamp)

	// unrelated documents and no-op deletes do not trigger callbacks
	must(users.Set(ctx, StringID("d"), User{Name: "D1"}, SetOptions{}))
	ok(t, users.Delete(ctx, a))
	rec.none(t)
	deepEqual(t, slotNames(w.Snapshot()), []string{"-", "B2", "C1"})
}

func TestWatchDeliverInitial(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	a, b := StringID("a"), StringID("b")
	must(users.Set(ctx, a, User{Name: "A1"}, SetOptions{}))

	rec := newWatchRecorder[User]()
	w := must(users.WatchManyWith(ctx, []ID{a, b}, WatchOptions{DeliverInitial: true}, rec.callback))
	defer w.Cancel()
	deepEqual(t, slotNames(rec.next(t)), []string{"A1", "-"})

	// updates of other documents are not delivered
	must(users.Set(ctx, StringID("c"), User{Name: "C1"}, SetOptions{}))
	rec.none(t)

	must(users.Set(ctx, b, User{Name: "B1"}, SetOptions{}))
	deepEqual(t, slotNames(rec.next(t)), []string{"A1", "B1"})
	rec.none(t)
}

func TestWatchSingle(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	id := IntID(1)

	ch := make(chan *Document[User], 10)
	w := must(users.Watch(ctx, id, func(doc *Document[User]) {
		ch <- doc
	}))
	defer w.Cancel()

	must(users.Set(ctx, id, User{Name: "X"}, SetOptions{}))
	select {
	case doc := <-ch:
		isnonnil(t, doc)
		deepEqual(t, doc.Value.Name, "X")
	case <-time.After(watchTimeout):
		t.Fatalf("** timed out")
	}
}

func TestWatchDuplicateIDs(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	a := StringID("a")

	rec := newWatchRecorder[User]()
	w := must(users.WatchMany(ctx, []ID{a, a}, rec.callback))
	defer w.Cancel()

	must(users.Set(ctx, a, User{Name: "A1"}, SetOptions{}))
	first := slotNames(rec.next(t))
	if first[0] == first[1] {
		t.Fatalf("** first callback %v updated both slots at once", first)
	}
	deepEqual(t, slotNames(rec.next(t)), []string{"A1", "A1"})
}

func TestWatchEmpty(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	w := must(users.WatchMany(ctx, nil, func([]*Document[User]) {
		t.Errorf("** unexpected callback")
	}))
	deepEqual(t, len(w.Snapshot()), 0)
	w.Cancel()
	waitDone(t, w.Done())
}

func TestWatchCancel(t *testing.T) {
	db, engine := setupEngine(t, kv.Options{}, Options{})
	users := newUsers(db)
	a := StringID("a")

	rec := newWatchRecorder[User]()
	w := must(users.WatchMany(ctx, []ID{a, StringID("b")}, rec.callback))
	deepEqual(t, engine.Subscribers(), 2)

	w.Cancel()
	w.Cancel()
	waitDone(t, w.Done())
	ok(t, w.Err())
	deepEqual(t, engine.Subscribers(), 0)

	must(users.Set(ctx, a, User{Name: "A1"}, SetOptions{}))
	rec.none(t)
}

func TestWatchCancelFromCallback(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	a := StringID("a")

	var (
		mu    sync.Mutex
		calls int
		w     *Watcher[User]
	)
	w = must(users.Watch(ctx, a, func(doc *Document[User]) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Cancel()
	}))

	must(users.Set(ctx, a, User{Name: "A1"}, SetOptions{}))
	waitDone(t, w.Done())
	must(users.Set(ctx, a, User{Name: "A2"}, SetOptions{Overwrite: true}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	deepEqual(t, calls, 1)
}

func TestWatchEngineClose(t *testing.T) {
	db, engine := setupEngine(t, kv.Options{}, Options{})
	users := newUsers(db)
	w := must(users.Watch(ctx, StringID("a"), func(*Document[User]) {}))

	ok(t, engine.Close())
	waitDone(t, w.Done())
	if err := w.Err(); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("** Err() = %v, wanted kv.ErrClosed", err)
	}

	_, err := users.Watch(ctx, StringID("a"), func(*Document[User]) {})
	if !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("** Watch on a closed engine: got %v, wanted kv.ErrClosed", err)
	}
}

func TestWatchContextCancel(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	wctx, cancel := context.WithCancel(ctx)
	w := must(users.Watch(wctx, StringID("a"), func(*Document[User]) {}))

	cancel()
	waitDone(t, w.Done())
	if err := w.Err(); !errors.Is(err, context.Canceled) {
		t.Fatalf("** Err() = %v, wanted context.Canceled", err)
	}
}

func TestWatchInvalidID(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	_, err := users.WatchMany(ctx, []ID{StringID("a"), {}}, func([]*Document[User]) {})
	if !errors.Is(err, ErrInvalidIDKind) {
		t.Fatalf("** got %v, wanted ErrInvalidIDKind", err)
	}
}

func TestWatchChunked(t *testing.T) {
	db, _ := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{})
	blobs := newBlobs(db)
	id := StringID("x")
	b1 := Blob{Data: randomBytes(1000)}
	b2 := Blob{Data: randomBytes(1500)}
	must(blobs.Set(ctx, id, b1, SetOptions{}))

	rec := newWatchRecorder[Blob]()
	w := must(blobs.WatchMany(ctx, []ID{id}, rec.callback))
	defer w.Cancel()
	deepEqual(t, w.Snapshot()[0].Value, b1)

	must(blobs.Set(ctx, id, b2, SetOptions{Overwrite: true}))
	deepEqual(t, rec.next(t)[0].Value, b2)

	ok(t, blobs.Delete(ctx, id))
	isnil(t, rec.next(t)[0])
}

func TestWatchRapidWrites(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)
	id := StringID("a")

	rec := newWatchRecorder[User]()
	w := must(users.WatchMany(ctx, []ID{id}, rec.callback))
	defer w.Cancel()

	const n = 50
	var last CommitResult
	for i := range n {
		last = must(users.Set(ctx, id, User{Name: "A", Age: i}, SetOptions{Overwrite: true}))
	}

	var prevVS string
	for i := range n {
		docs := rec.next(t)
		deepEqual(t, docs[0].Value.Age, i)
		if docs[0].Versionstamp <= prevVS {
			t.Fatalf("** versionstamp %s after %s", docs[0].Versionstamp, prevVS)
		}
		prevVS = docs[0].Versionstamp
	}
	deepEqual(t, prevVS, last.Versionstamp)
}
