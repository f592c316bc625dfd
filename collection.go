package kvdoc

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// Collection is a named, typed set of documents with optional secondary
// indexes. Collections are defined once per DB with NewCollection.
type Collection[T any] struct {
	db              *DB
	name            string
	ks              *keyspace
	idKind          IDKind
	encoding        Encoding
	indexes         []*Index[T]
	indexesByName   map[string]*Index[T]
	suppressContent bool
	newID           func(kind IDKind) (ID, error)
	logger          *zap.Logger
}

type CollectionBuilder[T any] struct {
	coll *Collection[T]
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// NewCollection defines a collection of T named name. The build function,
// which may be nil, declares indexes and options. Defining the same name
// twice on one DB panics.
func NewCollection[T any](db *DB, name string, build func(b *CollectionBuilder[T])) *Collection[T] {
	if !collectionNameRe.MatchString(name) {
		panic(fmt.Sprintf("NewCollection(%q): invalid collection name", name))
	}
	coll := &Collection[T]{
		db:            db,
		name:          name,
		ks:            newKeyspace(name),
		idKind:        IDString,
		encoding:      db.encoding,
		indexesByName: make(map[string]*Index[T]),
		newID:         newRandomID,
		logger:        db.logger.With(zap.String("collection", name)),
	}
	if build != nil {
		build(&CollectionBuilder[T]{coll: coll})
	}
	db.register(name)
	return coll
}

// IDKind sets the kind of IDs generated by Add. Defaults to IDString.
func (b *CollectionBuilder[T]) IDKind(kind IDKind) {
	if !kind.valid() {
		panic(fmt.Sprintf("%s: invalid id kind %v", b.coll.name, kind))
	}
	b.coll.idKind = kind
}

// Encoding overrides the DB-wide document encoding for this collection.
func (b *CollectionBuilder[T]) Encoding(enc Encoding) {
	b.coll.encoding = enc
}

// Index declares a secondary index. field returns the indexed value of a
// document, or nil if the document should not appear in this index.
func (b *CollectionBuilder[T]) Index(name string, field func(doc *T) any) *Index[T] {
	if name == "" || field == nil {
		panic(fmt.Sprintf("%s: index needs a name and a field accessor", b.coll.name))
	}
	if b.coll.indexesByName[name] != nil {
		panic(fmt.Sprintf("%s: duplicate index %q", b.coll.name, name))
	}
	idx := &Index[T]{
		name:       name,
		coll:       b.coll.name,
		field:      field,
		namePrefix: b.coll.ks.indexNamePrefix(name),
	}
	b.coll.indexes = append(b.coll.indexes, idx)
	b.coll.indexesByName[name] = idx
	return idx
}

// SuppressContentWhenLogging keeps document values out of verbose logs.
func (b *CollectionBuilder[T]) SuppressContentWhenLogging() {
	b.coll.suppressContent = true
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) DB() *DB { return c.db }

func (c *Collection[T]) IDKind() IDKind { return c.idKind }

func (c *Collection[T]) Indexes() []*Index[T] { return c.indexes }

func (c *Collection[T]) Index(name string) *Index[T] { return c.indexesByName[name] }

func (c *Collection[T]) maxEntryBytes() int { return c.db.engine.MaxEntryBytes() }

func (c *Collection[T]) logContent(v *T) zap.Field {
	if c.suppressContent {
		return zap.Skip()
	}
	return zap.Any("value", v)
}
