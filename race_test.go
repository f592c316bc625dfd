package kvdoc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/kvdoc/kv"
)

var (
	shortBio = strings.Repeat("lorem ipsum ", 40)
	longBio  = strings.Repeat("dolor sit amet ", 90)
)

// racingEngine runs a queued function right before each of the next
// commits, so that it lands between the read and the commit of a write.
type racingEngine struct {
	kv.Engine
	mu    sync.Mutex
	races []func()
}

func (e *racingEngine) before(fns ...func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.races = append(e.races, fns...)
}

func (e *racingEngine) Commit(ctx context.Context, b *kv.Batch) (kv.CommitResult, error) {
	e.mu.Lock()
	var race func()
	if len(e.races) > 0 {
		race, e.races = e.races[0], e.races[1:]
	}
	e.mu.Unlock()
	if race != nil {
		race()
	}
	return e.Engine.Commit(ctx, b)
}

// setupRacing returns users of a DB whose commits can be raced, plus users
// of a second DB writing to the same engine directly.
func setupRacing(t testing.TB, opt Options) (users, rival *Collection[User], engine *racingEngine) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	inner := kv.NewMemory(kv.Options{MaxEntryBytes: 256, Logger: logger})
	engine = &racingEngine{Engine: inner}
	opt.Logger = logger
	opt.Verbose = true
	db := must(Open(engine, opt))
	t.Cleanup(func() {
		db.Close()
	})
	users = newUsers(db)
	rival = newUsers(must(Open(inner, Options{Logger: logger})))
	return users, rival, engine
}

func checkStorage(t testing.TB, users *Collection[User], engine kv.Engine) {
	t.Helper()
	checkIndexConsistency(t, engine, users)
	checkChunkConsistency(t, engine, users)
}

func TestCommitRaceCreate(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{})
	id := StringID("a")

	engine.before(func() {
		must(rival.Set(ctx, id, User{Name: "Bob", Email: "b@x", Age: 2, Bio: longBio}, SetOptions{}))
	})
	_, err := users.Set(ctx, id, User{Name: "Alice", Email: "a@x", Age: 1, Bio: shortBio}, SetOptions{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("** got %v, wanted ErrAlreadyExists", err)
	}

	doc := must(users.Find(ctx, id, ReadOptions{}))
	deepEqual(t, doc.Value, User{Name: "Bob", Email: "b@x", Age: 2, Bio: longBio})
	deepEqual(t, names(must(users.FindByIndex(ctx, "email", "a@x", ListOptions[User]{}))), []string{})
	deepEqual(t, must(users.Stats(ctx)).Documents, 1)
	checkStorage(t, users, engine)
}

func TestCommitRaceConditional(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{})
	id := StringID("a")
	r1 := must(users.Set(ctx, id, User{Name: "v1", Email: "v1@x", Bio: longBio}, SetOptions{}))

	rivalWrite := func(name string) func() {
		return func() {
			must(rival.Set(ctx, id, User{Name: name, Email: name + "@x", Bio: shortBio}, SetOptions{Overwrite: true}))
		}
	}

	engine.before(rivalWrite("v2"))
	_, err := users.Set(ctx, id, User{Name: "v3", Email: "v3@x", Bio: longBio}, SetOptions{Overwrite: true, Versionstamp: r1.Versionstamp})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("** set: got %v, wanted ErrVersionConflict", err)
	}
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "v2")
	deepEqual(t, names(must(users.FindByIndex(ctx, "email", "v3@x", ListOptions[User]{}))), []string{})
	checkStorage(t, users, engine)

	cur := must(users.Find(ctx, id, ReadOptions{}))
	engine.before(rivalWrite("v4"))
	_, err = users.Update(ctx, id, User{Name: "v5", Email: "v5@x"}, UpdateOptions{Versionstamp: cur.Versionstamp})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("** update: got %v, wanted ErrVersionConflict", err)
	}
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "v4")
	checkStorage(t, users, engine)

	engine.before(rivalWrite("v6"))
	_, err = users.Modify(ctx, id, func(u *User) error {
		u.Name, u.Email, u.Bio = "v7", "v7@x", longBio
		return nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("** modify: got %v, wanted ErrVersionConflict", err)
	}
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "v6")
	deepEqual(t, names(must(users.FindByIndex(ctx, "email", "v7@x", ListOptions[User]{}))), []string{})
	checkStorage(t, users, engine)
}

func TestCommitRaceUnconditional(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{})
	id := StringID("a")
	must(users.Set(ctx, id, User{Name: "v1", Email: "v1@x", Bio: shortBio}, SetOptions{}))

	engine.before(func() {
		must(rival.Set(ctx, id, User{Name: "v2", Email: "v2@x", Bio: longBio}, SetOptions{Overwrite: true}))
	})
	r := must(users.Set(ctx, id, User{Name: "v3", Email: "v3@x"}, SetOptions{Overwrite: true}))
	doc := must(users.Find(ctx, id, ReadOptions{}))
	deepEqual(t, doc.Value.Name, "v3")
	deepEqual(t, doc.Versionstamp, r.Versionstamp)
	deepEqual(t, names(must(users.FindByIndex(ctx, "email", "v2@x", ListOptions[User]{}))), []string{})
	checkStorage(t, users, engine)

	engine.before(func() {
		must(rival.Set(ctx, id, User{Name: "v4", Email: "v4@x", Bio: longBio}, SetOptions{Overwrite: true}))
	})
	must(users.Update(ctx, id, User{Name: "v5", Email: "v5@x"}, UpdateOptions{}))
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "v5")
	checkStorage(t, users, engine)

	engine.before(func() {
		ok(t, rival.Delete(ctx, id))
	})
	_, err := users.Update(ctx, id, User{Name: "v6"}, UpdateOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("** got %v, wanted ErrNotFound", err)
	}
	isnil(t, must(users.Find(ctx, id, ReadOptions{})))
	checkStorage(t, users, engine)
}

func TestCommitRaceDelete(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{})
	id := StringID("a")

	must(users.Set(ctx, id, User{Name: "v1", Email: "v1@x"}, SetOptions{}))
	engine.before(func() {
		ok(t, rival.Delete(ctx, id))
	})
	ok(t, users.Delete(ctx, id))
	isnil(t, must(users.Find(ctx, id, ReadOptions{})))

	must(users.Set(ctx, id, User{Name: "v1", Email: "v1@x"}, SetOptions{}))
	engine.before(func() {
		must(rival.Set(ctx, id, User{Name: "v2", Email: "v2@x", Bio: longBio}, SetOptions{Overwrite: true}))
	})
	ok(t, users.Delete(ctx, id))
	isnil(t, must(users.Find(ctx, id, ReadOptions{})))

	// the retry must remove the chunks written by the rival
	deepEqual(t, countEntries(t, engine), 0)
}

func TestConcurrentDeletes(t *testing.T) {
	db := setup(t, Options{})
	users := newUsers(db)

	for round := range 20 {
		id := IntID(int64(round))
		must(users.Set(ctx, id, User{Name: "x", Email: "x@x", Bio: shortBio}, SetOptions{}))

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = users.Delete(ctx, id)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			ok(t, err)
		}
		isnil(t, must(users.Find(ctx, id, ReadOptions{})))
	}
	deepEqual(t, must(users.Stats(ctx)), CollectionStats{})
}

func TestCommitRaceGivesUp(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{MaxWriteAttempts: 3})
	id := StringID("a")
	must(users.Set(ctx, id, User{Name: "v0"}, SetOptions{}))

	for i := range 3 {
		engine.before(func() {
			must(rival.Set(ctx, id, User{Name: fmt.Sprintf("rival%d", i)}, SetOptions{Overwrite: true}))
		})
	}
	_, err := users.Set(ctx, id, User{Name: "mine"}, SetOptions{Overwrite: true})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("** set: got %v, wanted ErrVersionConflict", err)
	}
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "rival2")

	for i := range 3 {
		engine.before(func() {
			must(rival.Set(ctx, id, User{Name: fmt.Sprintf("again%d", i)}, SetOptions{Overwrite: true}))
		})
	}
	if err := users.Delete(ctx, id); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("** delete: got %v, wanted ErrVersionConflict", err)
	}
	deepEqual(t, must(users.Find(ctx, id, ReadOptions{})).Value.Name, "again2")
	checkStorage(t, users, engine)
}

func TestCommitRaceDeleteMany(t *testing.T) {
	users, rival, engine := setupRacing(t, Options{})
	for i := range 5 {
		must(users.Set(ctx, IntID(int64(i)), User{Name: fmt.Sprintf("u%d", i), Age: 1, Bio: longBio}, SetOptions{}))
	}

	// the first matched document changes before its delete commits
	engine.before(func() {
		must(rival.Set(ctx, IntID(0), User{Name: "kept", Age: 1}, SetOptions{Overwrite: true}))
	})
	n := must(users.DeleteMany(ctx, ListOptions[User]{}))
	deepEqual(t, n, 4)
	deepEqual(t, names(must(users.GetMany(ctx, ListOptions[User]{}))), []string{"kept"})
	checkStorage(t, users, engine)
}

// TestRandomWritesKeepIndexes runs a random sequence of writes against a
// model, checking documents, indexes and chunks after every step.
func TestRandomWritesKeepIndexes(t *testing.T) {
	users, _, engine := setupRacing(t, Options{})
	r := rand.New(rand.NewPCG(7, 11))

	pool := []ID{StringID("a"), StringID("b"), StringID("c"), StringID("d"), StringID("e")}
	model := make(map[string]User)
	randomUser := func(name string) User {
		u := User{
			Name:  name,
			Email: []string{"", "p@x", "q@x"}[r.IntN(3)],
			Age:   r.IntN(4),
		}
		switch r.IntN(3) {
		case 1:
			u.Bio = shortBio
		case 2:
			u.Bio = longBio
		}
		return u
	}
	expectErr := func(step int, op string, err, wanted error) {
		t.Helper()
		if wanted == nil && err != nil || wanted != nil && !errors.Is(err, wanted) {
			t.Fatalf("** step %d %s: got %v, wanted %v", step, op, err, wanted)
		}
	}

	for step := range 300 {
		id := pool[r.IntN(len(pool))]
		_, exists := model[id.String()]
		name := fmt.Sprintf("s%d", step)

		switch op := r.IntN(7); op {
		case 0:
			u := randomUser(name)
			res, err := users.Add(ctx, u)
			expectErr(step, "add", err, nil)
			model[res.ID.String()] = u
			pool = append(pool, res.ID)
		case 1:
			u := randomUser(name)
			_, err := users.Set(ctx, id, u, SetOptions{})
			if exists {
				expectErr(step, "set", err, ErrAlreadyExists)
			} else {
				expectErr(step, "set", err, nil)
				model[id.String()] = u
			}
		case 2:
			u := randomUser(name)
			_, err := users.Set(ctx, id, u, SetOptions{Overwrite: true})
			expectErr(step, "overwrite", err, nil)
			model[id.String()] = u
		case 3:
			u := randomUser(name)
			_, err := users.Update(ctx, id, u, UpdateOptions{})
			if exists {
				expectErr(step, "update", err, nil)
				model[id.String()] = u
			} else {
				expectErr(step, "update", err, ErrNotFound)
			}
		case 4:
			nu := randomUser(name)
			_, err := users.Modify(ctx, id, func(u *User) error {
				u.Age, u.Bio = nu.Age, nu.Bio
				return nil
			})
			if exists {
				expectErr(step, "modify", err, nil)
				u := model[id.String()]
				u.Age, u.Bio = nu.Age, nu.Bio
				model[id.String()] = u
			} else {
				expectErr(step, "modify", err, ErrNotFound)
			}
		case 5:
			expectErr(step, "delete", users.Delete(ctx, id), nil)
			delete(model, id.String())
		case 6:
			age := r.IntN(4)
			n, err := users.DeleteMany(ctx, ListOptions[User]{
				Filter: func(doc *Document[User]) bool { return doc.Value.Age == age },
			})
			expectErr(step, "deleteMany", err, nil)
			var wanted int
			for k, u := range model {
				if u.Age == age {
					delete(model, k)
					wanted++
				}
			}
			deepEqual(t, n, wanted)
		}

		actual := make(map[string]User)
		for _, doc := range must(users.GetMany(ctx, ListOptions[User]{})) {
			actual[doc.ID.String()] = doc.Value
		}
		deepEqual(t, actual, model)
		checkStorage(t, users, engine)
		if t.Failed() {
			t.Fatalf("** inconsistent after step %d", step)
		}
	}
}
