package kvdoc

import (
	"fmt"
	"math/big"
	"reflect"
)

// Index is a secondary index of a collection. Every document for which the
// field accessor returns a non-nil value has exactly one entry keyed
// (collection, "index", name, value, id).
type Index[T any] struct {
	name       string
	coll       string
	field      func(doc *T) any
	namePrefix []byte
}

func (idx *Index[T]) Name() string { return idx.name }

func (idx *Index[T]) FullName() string { return idx.coll + "." + idx.name }

func (idx *Index[T]) String() string { return idx.FullName() }

// value extracts the field, dereferencing pointers. ok is false when the
// document is not indexed.
func (idx *Index[T]) value(doc *T) (v any, ok bool) {
	v = idx.field(doc)
	if b, isBig := v.(*big.Int); isBig {
		return v, b != nil
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	return rv.Interface(), true
}

// valueElem encodes a lookup value for this index.
func (idx *Index[T]) valueElem(v any) ([]byte, error) {
	elem, err := appendIndexValueElem(nil, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", idx.FullName(), err)
	}
	return elem, nil
}

// indexKeys computes the sorted index keys document doc contributes under id.
func (c *Collection[T]) indexKeys(id ID, doc *T) ([][]byte, error) {
	if len(c.indexes) == 0 {
		return nil, nil
	}
	keys := make([][]byte, 0, len(c.indexes))
	for _, idx := range c.indexes {
		v, ok := idx.value(doc)
		if !ok {
			continue
		}
		elem, err := idx.valueElem(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, c.ks.indexKey(idx.name, elem, id))
	}
	return sortIndexKeys(keys), nil
}
