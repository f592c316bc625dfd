package kvdoc

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/kvdoc/kv"
)

type (
	User struct {
		Name  string `msgpack:"n" json:"name"`
		Email string `msgpack:"e" json:"email,omitempty"`
		Age   int    `msgpack:"a" json:"age"`
		Bio   string `msgpack:"b,omitempty" json:"bio,omitempty"`
	}

	Blob struct {
		Data []byte `msgpack:"d" json:"data"`
	}
)

var ctx = context.Background()

func setup(t testing.TB, opt Options) *DB {
	t.Helper()
	db, _ := setupEngine(t, kv.Options{}, opt)
	return db
}

func setupEngine(t testing.TB, eopt kv.Options, opt Options) (*DB, *kv.Memory) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	eopt.Logger = logger
	engine := kv.NewMemory(eopt)
	if opt.Logger == nil {
		opt.Logger = logger
	}
	opt.Verbose = true
	db := must(Open(engine, opt))
	t.Cleanup(func() {
		db.Close()
	})
	return db, engine
}

func newUsers(db *DB) *Collection[User] {
	return NewCollection(db, "users", func(b *CollectionBuilder[User]) {
		b.Index("email", func(u *User) any {
			if u.Email == "" {
				return nil
			}
			return u.Email
		})
		b.Index("age", func(u *User) any {
			return u.Age
		})
	})
}

func newBlobs(db *DB) *Collection[Blob] {
	return NewCollection[Blob](db, "blobs", nil)
}

var cmpOpts = cmp.Options{cmp.Comparer(ID.Equal)}

func deepEqual[T any](t testing.TB, a, e T) {
	if diff := cmp.Diff(e, a, cmpOpts); diff != "" {
		t.Helper()
		t.Errorf("** got %v, wanted %v (-wanted +got):\n%s", a, e, diff)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Fatalf("** got nil %T, wanted non-nil", a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// values extracts document values, in order.
func values[T any](docs []*Document[T]) []T {
	out := make([]T, len(docs))
	for i, doc := range docs {
		out[i] = doc.Value
	}
	return out
}

func names(docs []*Document[User]) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.Value.Name
	}
	return out
}
