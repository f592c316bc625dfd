package kv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Versionstamp identifies the commit that last wrote a key. Versionstamps
// are assigned from a per-engine counter, so a later commit always carries
// a larger one. Zero means "absent".
type Versionstamp uint64

const versionstampLen = 8

// String formats v as 20 lowercase hex digits: the 8-byte counter followed
// by a 2-byte batch-order suffix, which is always zero here.
func (v Versionstamp) String() string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%016x0000", uint64(v))
}

func (v Versionstamp) IsZero() bool {
	return v == 0
}

// ParseVersionstamp is the inverse of Versionstamp.String. An empty string
// parses as the zero versionstamp.
func ParseVersionstamp(s string) (Versionstamp, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) != 20 {
		return 0, fmt.Errorf("kv: invalid versionstamp %q", s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("kv: invalid versionstamp %q: %w", s, err)
	}
	if raw[8] != 0 || raw[9] != 0 {
		return 0, fmt.Errorf("kv: invalid versionstamp %q", s)
	}
	return Versionstamp(binary.BigEndian.Uint64(raw[:8])), nil
}

// encodeStored prepends the versionstamp to a value, producing the bytes
// written to the underlying store.
func encodeStored(vs Versionstamp, value []byte) []byte {
	buf := make([]byte, versionstampLen, versionstampLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(vs))
	return append(buf, value...)
}

// decodeStored splits stored bytes back into an Entry. Key and value are
// copied since the source buffers of the durable engines are only valid
// within a transaction.
func decodeStored(key, stored []byte) (Entry, error) {
	if len(stored) < versionstampLen {
		return Entry{}, fmt.Errorf("kv: stored value of %x is %d bytes, shorter than its versionstamp", key, len(stored))
	}
	vs := Versionstamp(binary.BigEndian.Uint64(stored))
	if vs == 0 {
		return Entry{}, fmt.Errorf("kv: stored value of %x has zero versionstamp", key)
	}
	return Entry{
		Key:          clone(key),
		Value:        clone(stored[versionstampLen:]),
		Versionstamp: vs,
	}, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
