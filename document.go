package kvdoc

import (
	"reflect"
	"strings"
)

// Document is a stored value together with its ID and the versionstamp of
// the commit that last wrote it.
type Document[T any] struct {
	ID           ID
	Versionstamp string
	Value        T
}

type CommitResult struct {
	ID           ID
	Versionstamp string
}

// Flat returns the document as one map: "id" and "versionstamp" plus the
// top-level fields of a struct or string-keyed map value. Any other value
// is stored under "value".
//
// Struct fields are named by their json tag when present. Fields of the
// value named "id" or "versionstamp" are shadowed.
func (doc *Document[T]) Flat() map[string]any {
	m := make(map[string]any)
	rv := reflect.ValueOf(doc.Value)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch {
	case rv.Kind() == reflect.Struct:
		flattenStruct(m, rv)
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
	default:
		m["value"] = doc.Value
	}
	m["id"] = doc.ID.Value()
	m["versionstamp"] = doc.Versionstamp
	return m
}

func flattenStruct(m map[string]any, rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			flattenStruct(m, rv.Field(i))
			continue
		}
		m[name] = rv.Field(i).Interface()
	}
}
