package kv

import (
	"bytes"
	"iter"
)

// Range selects a contiguous run of keys. Start is inclusive, End is
// exclusive, and Prefix further restricts keys to those beginning with it.
// Limit bounds the number of entries yielded when positive.
type Range struct {
	Prefix  []byte
	Start   []byte
	End     []byte
	Reverse bool
	Limit   int
}

func PrefixRange(p []byte) Range { return Range{Prefix: p} }

func (rang Range) Between(start, end []byte) Range {
	rang.Start, rang.End = start, end
	return rang
}

func (rang Range) Reversed() Range         { rang.Reverse = true; return rang }
func (rang Range) Limited(limit int) Range { rang.Limit = limit; return rang }

// bounds folds Prefix into the tightest [lower, upper) pair. A nil bound is open.
func (rang *Range) bounds() (lower, upper []byte) {
	lower, upper = rang.Start, rang.End
	if rang.Prefix != nil {
		if lower == nil || bytes.Compare(rang.Prefix, lower) > 0 {
			lower = rang.Prefix
		}
		if limit := clone(rang.Prefix); inc(limit) {
			if upper == nil || bytes.Compare(limit, upper) < 0 {
				upper = limit
			}
		}
	}
	return
}

// cursor iterates over sorted raw keys. Returned slices are only valid until
// the next call.
type cursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
}

type rangeScan struct {
	lower, upper []byte
	prefix       []byte
	reverse      bool
}

func newRangeScan(rang Range) *rangeScan {
	lower, upper := rang.bounds()
	return &rangeScan{lower: lower, upper: upper, prefix: rang.Prefix, reverse: rang.Reverse}
}

func (r *rangeScan) start(c cursor) ([]byte, []byte) {
	var k, v []byte
	if r.reverse {
		if r.upper != nil {
			k, _ = c.Seek(r.upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
	} else {
		if r.lower != nil {
			k, v = c.Seek(r.lower)
		} else {
			k, v = c.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rangeScan) next(c cursor) ([]byte, []byte) {
	var k, v []byte
	if r.reverse {
		k, v = c.Prev()
	} else {
		k, v = c.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rangeScan) match(k []byte) bool {
	if r.prefix != nil && !bytes.HasPrefix(k, r.prefix) {
		return false
	}
	if r.lower != nil && bytes.Compare(k, r.lower) < 0 {
		return false
	}
	if r.upper != nil && bytes.Compare(k, r.upper) >= 0 {
		return false
	}
	return true
}

// scanCursor yields decoded entries of rang from c.
func scanCursor(c cursor, rang Range) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		r := newRangeScan(rang)
		var n int
		for k, v := r.start(c); k != nil; k, v = r.next(c) {
			e, err := decodeStored(k, v)
			if !yield(e, err) || err != nil {
				return
			}
			n++
			if rang.Limit > 0 && n >= rang.Limit {
				return
			}
		}
	}
}

// inc turns data into the smallest byte string of the same length that is
// greater than every string having data as a prefix. Returns false if data
// is all 0xFF.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}
