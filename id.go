package kvdoc

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// IDKind tags the representation of a document ID.
type IDKind int

const (
	IDString IDKind = iota + 1
	IDInt
	IDBigInt
	IDBytes
)

func (k IDKind) String() string {
	switch k {
	case IDString:
		return "string"
	case IDInt:
		return "int"
	case IDBigInt:
		return "bigint"
	case IDBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

func (k IDKind) valid() bool {
	return k >= IDString && k <= IDBytes
}

// ID is a document identifier of one of four kinds. IDs of different kinds
// never compare equal, even when they look alike: IntID(123), BigID(123) and
// StringID("123") are three distinct documents.
//
// The zero ID has no kind and is rejected by every operation.
type ID struct {
	kind IDKind
	str  string // IDString text or IDBytes content
	num  int64
	big  *big.Int // never mutated after construction
}

func StringID(s string) ID { return ID{kind: IDString, str: s} }

func IntID(v int64) ID { return ID{kind: IDInt, num: v} }

// BigID copies v. A nil v yields the zero (invalid) ID.
func BigID(v *big.Int) ID {
	if v == nil {
		return ID{}
	}
	return ID{kind: IDBigInt, big: new(big.Int).Set(v)}
}

func BytesID(b []byte) ID { return ID{kind: IDBytes, str: string(b)} }

func (id ID) Kind() IDKind { return id.kind }

func (id ID) IsZero() bool { return id.kind == 0 }

// Text returns the string of an IDString.
func (id ID) Text() string { return id.str }

// Int returns the value of an IDInt.
func (id ID) Int() int64 { return id.num }

// BigInt returns a copy of the value of an IDBigInt, or nil for other kinds.
func (id ID) BigInt() *big.Int {
	if id.big == nil {
		return nil
	}
	return new(big.Int).Set(id.big)
}

// Bytes returns a copy of the content of an IDBytes.
func (id ID) Bytes() []byte {
	if id.kind != IDBytes {
		return nil
	}
	return []byte(id.str)
}

func (id ID) Equal(other ID) bool {
	if id.kind != other.kind {
		return false
	}
	switch id.kind {
	case IDString, IDBytes:
		return id.str == other.str
	case IDInt:
		return id.num == other.num
	case IDBigInt:
		return id.big.Cmp(other.big) == 0
	default:
		return true
	}
}

// String formats the ID for messages: strings are quoted, big integers get
// an "n" suffix and byte IDs are printed in hex.
func (id ID) String() string {
	switch id.kind {
	case IDString:
		return strconv.Quote(id.str)
	case IDInt:
		return strconv.FormatInt(id.num, 10)
	case IDBigInt:
		return id.big.String() + "n"
	case IDBytes:
		return "0x" + hex.EncodeToString([]byte(id.str))
	default:
		return "<invalid>"
	}
}

func (id ID) validate() error {
	if !id.kind.valid() || (id.kind == IDBigInt && id.big == nil) {
		return ErrInvalidIDKind
	}
	return nil
}

// Value returns the ID as a plain Go value: string, int64, *big.Int or []byte.
func (id ID) Value() any {
	switch id.kind {
	case IDString:
		return id.str
	case IDInt:
		return id.num
	case IDBigInt:
		return id.BigInt()
	case IDBytes:
		return id.Bytes()
	default:
		return nil
	}
}

var maxRandomBig = new(big.Int).Lsh(big.NewInt(1), 127)

// newRandomID generates a fresh ID of the given kind: a version 4 UUID for
// strings, a positive int64, a positive 127-bit integer, or 16 random bytes.
func newRandomID(kind IDKind) (ID, error) {
	switch kind {
	case IDString:
		u, err := uuid.NewRandom()
		if err != nil {
			return ID{}, err
		}
		return StringID(u.String()), nil
	case IDInt:
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return ID{}, err
		}
		v := int64(binary.BigEndian.Uint64(b[:]) >> 1)
		if v == 0 {
			v = 1
		}
		return IntID(v), nil
	case IDBigInt:
		v, err := rand.Int(rand.Reader, maxRandomBig)
		if err != nil {
			return ID{}, err
		}
		return ID{kind: IDBigInt, big: v.Add(v, big.NewInt(1))}, nil
	case IDBytes:
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return ID{}, err
		}
		return BytesID(b[:]), nil
	default:
		return ID{}, fmt.Errorf("%w: cannot generate %v IDs", ErrInvalidIDKind, kind)
	}
}
