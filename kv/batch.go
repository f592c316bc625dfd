package kv

import (
	"fmt"
	"strings"
)

type MutationKind int

const (
	MutationSet MutationKind = iota + 1
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "SET"
	case MutationDelete:
		return "DELETE"
	default:
		return "INVALID"
	}
}

type Mutation struct {
	Kind  MutationKind
	Key   []byte
	Value []byte
}

// Check asserts that Key currently carries Versionstamp; a zero Versionstamp
// asserts that Key is absent.
type Check struct {
	Key          []byte
	Versionstamp Versionstamp
}

// Batch collects checks and mutations for a single atomic Commit. When several
// mutations target the same key, the last one wins.
type Batch struct {
	Checks    []Check
	Mutations []Mutation
}

func (b *Batch) Check(key []byte, vs Versionstamp) *Batch {
	b.Checks = append(b.Checks, Check{Key: key, Versionstamp: vs})
	return b
}

func (b *Batch) Set(key, value []byte) *Batch {
	b.Mutations = append(b.Mutations, Mutation{Kind: MutationSet, Key: key, Value: value})
	return b
}

func (b *Batch) Delete(key []byte) *Batch {
	b.Mutations = append(b.Mutations, Mutation{Kind: MutationDelete, Key: key})
	return b
}

func (b *Batch) Len() int {
	return len(b.Mutations)
}

// Size is the total number of key and value bytes the batch writes.
func (b *Batch) Size() int {
	var n int
	for _, m := range b.Mutations {
		n += len(m.Key) + len(m.Value)
	}
	return n
}

func (b *Batch) String() string {
	var buf strings.Builder
	for _, c := range b.Checks {
		fmt.Fprintf(&buf, "CHECK %x @%v\n", c.Key, c.Versionstamp)
	}
	for _, m := range b.Mutations {
		if m.Kind == MutationSet {
			fmt.Fprintf(&buf, "%v %x (%d bytes)\n", m.Kind, m.Key, len(m.Value))
		} else {
			fmt.Fprintf(&buf, "%v %x\n", m.Kind, m.Key)
		}
	}
	return buf.String()
}

func (b *Batch) validate(maxEntryBytes int) error {
	for _, c := range b.Checks {
		if len(c.Key) == 0 {
			return fmt.Errorf("%w: empty check key", ErrInvalidKey)
		}
	}
	for _, m := range b.Mutations {
		if len(m.Key) == 0 {
			return fmt.Errorf("%w: empty key", ErrInvalidKey)
		}
		switch m.Kind {
		case MutationSet:
			if len(m.Value) > maxEntryBytes {
				return fmt.Errorf("%w: %x is %d bytes, max %d", ErrValueTooLarge, m.Key, len(m.Value), maxEntryBytes)
			}
		case MutationDelete:
		default:
			return fmt.Errorf("kv: invalid mutation kind %d", m.Kind)
		}
	}
	return nil
}

// changes reduces the mutations of a committed batch to one final entry per
// key, in first-mention order. Deleted keys yield an entry with a zero
// versionstamp.
func (b *Batch) changes(vs Versionstamp) []Entry {
	pos := make(map[string]int, len(b.Mutations))
	out := make([]Entry, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		e := Entry{Key: clone(m.Key)}
		if m.Kind == MutationSet {
			e.Value = clone(m.Value)
			e.Versionstamp = vs
		}
		if i, ok := pos[string(m.Key)]; ok {
			out[i] = e
		} else {
			pos[string(m.Key)] = len(out)
			out = append(out, e)
		}
	}
	return out
}

func checkFailed(c Check, actual Versionstamp) error {
	if c.Versionstamp.IsZero() {
		return fmt.Errorf("%w: %x exists @%v", ErrCheckFailed, c.Key, actual)
	}
	if actual.IsZero() {
		return fmt.Errorf("%w: %x is absent, wanted @%v", ErrCheckFailed, c.Key, c.Versionstamp)
	}
	return fmt.Errorf("%w: %x is @%v, wanted @%v", ErrCheckFailed, c.Key, actual, c.Versionstamp)
}
