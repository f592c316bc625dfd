package kvdoc

import (
	"bytes"
	"slices"
)

// The index part of a primary entry lists every index key the document
// contributed, sorted and deduplicated:
//
//	count  uvarint
//	key_i  varbytes, count times
//
// Keeping them in the primary entry lets overwrites and deletes find stale
// index entries without decoding the previous document.

func appendIndexKeys(buf []byte, keys [][]byte) []byte {
	buf = appendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendVarbytes(buf, k)
	}
	return buf
}

func decodeIndexKeys(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > len(data) {
		return nil, dataErrf(data, 0, nil, "invalid index key count %d", n)
	}
	keys := make([][]byte, 0, n)
	for range n {
		k, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if !d.Done() {
		return nil, dataErrf(data, d.Off(), nil, "trailing bytes after index keys")
	}
	return keys, nil
}

func sortIndexKeys(keys [][]byte) [][]byte {
	slices.SortFunc(keys, bytes.Compare)
	return slices.CompactFunc(keys, bytes.Equal)
}

// diffIndexKeys walks two sorted key lists and reports keys only present in
// prev (to delete) and keys only present in next (to insert). Keys present in
// both are left alone.
func diffIndexKeys(prev, next [][]byte) (removed, added [][]byte) {
	for len(prev) > 0 || len(next) > 0 {
		var c int
		switch {
		case len(prev) == 0:
			c = 1
		case len(next) == 0:
			c = -1
		default:
			c = bytes.Compare(prev[0], next[0])
		}
		switch {
		case c < 0:
			removed = append(removed, prev[0])
			prev = prev[1:]
		case c > 0:
			added = append(added, next[0])
			next = next[1:]
		default:
			prev, next = prev[1:], next[1:]
		}
	}
	return
}
