package kvdoc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Keys are tuples of self-delimiting, order-preserving elements:
//
//	bytes      0x01 esc(b) 0x00
//	string     0x02 esc(utf8) 0x00
//	-bigint    0x13 ^len(8 bytes) ^magnitude
//	+bigint    0x15 len(8 bytes) magnitude
//	int64      0x21 8 bytes big-endian, sign bit flipped
//	float64    0x22 8 bytes IEEE 754, all bits flipped if negative, else sign bit flipped
//	false      0x26
//	true       0x27
//
// where esc doubles every 0x00 as 0x00 0xFF. Byte-wise order of encoded
// tuples matches element-wise order of the values within each type.
const (
	tagBytes     = 0x01
	tagString    = 0x02
	tagNegBigInt = 0x13
	tagPosBigInt = 0x15
	tagInt       = 0x21
	tagFloat     = 0x22
	tagFalse     = 0x26
	tagTrue      = 0x27

	escByte = 0xFF
)

const (
	partID    = "id"
	partChunk = "chunk"
	partIndex = "index"
)

func appendEscaped(buf []byte, tag byte, s []byte) []byte {
	buf = append(buf, tag)
	for _, b := range s {
		buf = append(buf, b)
		if b == 0 {
			buf = append(buf, escByte)
		}
	}
	return append(buf, 0)
}

func appendBytesElem(buf []byte, b []byte) []byte {
	return appendEscaped(buf, tagBytes, b)
}

func appendStringElem(buf []byte, s string) []byte {
	return appendEscaped(buf, tagString, []byte(s))
}

func appendIntElem(buf []byte, v int64) []byte {
	buf = append(buf, tagInt)
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
}

func appendFloatElem(buf []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	buf = append(buf, tagFloat)
	return binary.BigEndian.AppendUint64(buf, bits)
}

func appendBoolElem(buf []byte, v bool) []byte {
	if v {
		return append(buf, tagTrue)
	}
	return append(buf, tagFalse)
}

func appendBigIntElem(buf []byte, v *big.Int) []byte {
	mag := v.Bytes()
	if v.Sign() < 0 {
		buf = append(buf, tagNegBigInt)
		buf = binary.BigEndian.AppendUint64(buf, ^uint64(len(mag)))
		for _, b := range mag {
			buf = append(buf, ^b)
		}
		return buf
	}
	buf = append(buf, tagPosBigInt)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(mag)))
	return append(buf, mag...)
}

func appendIDElem(buf []byte, id ID) []byte {
	switch id.kind {
	case IDString:
		return appendStringElem(buf, id.str)
	case IDInt:
		return appendIntElem(buf, id.num)
	case IDBigInt:
		return appendBigIntElem(buf, id.big)
	case IDBytes:
		return appendEscaped(buf, tagBytes, []byte(id.str))
	default:
		panic(fmt.Errorf("invalid ID kind %d", id.kind))
	}
}

// appendIndexValueElem encodes an indexed field value. Supported are strings,
// byte slices, booleans, integers, floats, *big.Int, ID and time.Time (as Unix
// nanoseconds), plus named types whose underlying kind is one of those.
func appendIndexValueElem(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case string:
		return appendStringElem(buf, v), nil
	case []byte:
		return appendBytesElem(buf, v), nil
	case bool:
		return appendBoolElem(buf, v), nil
	case int:
		return appendIntElem(buf, int64(v)), nil
	case int64:
		return appendIntElem(buf, v), nil
	case int32:
		return appendIntElem(buf, int64(v)), nil
	case float64:
		return appendFloatElem(buf, v), nil
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("%w: nil *big.Int", ErrInvalidIndexValue)
		}
		return appendBigIntElem(buf, v), nil
	case ID:
		if err := v.validate(); err != nil {
			return nil, err
		}
		return appendIDElem(buf, v), nil
	case time.Time:
		return appendIntElem(buf, v.UnixNano()), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return appendStringElem(buf, rv.String()), nil
	case reflect.Bool:
		return appendBoolElem(buf, rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendIntElem(buf, rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %T value %d overflows int64", ErrInvalidIndexValue, v, u)
		}
		return appendIntElem(buf, int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return appendFloatElem(buf, rv.Float()), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return appendBytesElem(buf, rv.Bytes()), nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidIndexValue, v)
}

// decodeElem decodes the first element of data, returning one of []byte,
// string, *big.Int, int64, float64 or bool.
func decodeElem(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, dataErrf(data, 0, nil, "empty key element")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagBytes, tagString:
		raw, rest, err := decodeEscaped(data, rest)
		if err != nil {
			return nil, nil, err
		}
		if tag == tagString {
			return string(raw), rest, nil
		}
		return raw, rest, nil
	case tagInt, tagFloat:
		if len(rest) < 8 {
			return nil, nil, dataErrf(data, 1, nil, "truncated number")
		}
		u := binary.BigEndian.Uint64(rest)
		if tag == tagInt {
			return int64(u ^ (1 << 63)), rest[8:], nil
		}
		if u&(1<<63) != 0 {
			u ^= 1 << 63
		} else {
			u = ^u
		}
		return math.Float64frombits(u), rest[8:], nil
	case tagNegBigInt, tagPosBigInt:
		if len(rest) < 8 {
			return nil, nil, dataErrf(data, 1, nil, "truncated bigint length")
		}
		n := binary.BigEndian.Uint64(rest)
		if tag == tagNegBigInt {
			n = ^n
		}
		rest = rest[8:]
		if n > uint64(len(rest)) {
			return nil, nil, dataErrf(data, 9, nil, "truncated bigint magnitude")
		}
		mag := bytes.Clone(rest[:n])
		if tag == tagNegBigInt {
			for i := range mag {
				mag[i] = ^mag[i]
			}
		}
		v := new(big.Int).SetBytes(mag)
		if tag == tagNegBigInt {
			v.Neg(v)
		}
		return v, rest[n:], nil
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	default:
		return nil, nil, dataErrf(data, 0, nil, "unknown key element tag 0x%02x", tag)
	}
}

func decodeEscaped(orig, data []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != 0 {
			out = append(out, b)
			continue
		}
		if i+1 < len(data) && data[i+1] == escByte {
			out = append(out, 0)
			i++
			continue
		}
		if out == nil {
			out = []byte{}
		}
		return out, data[i+1:], nil
	}
	return nil, nil, dataErrf(orig, len(orig)-len(data), nil, "unterminated key element")
}

func decodeTuple(data []byte) ([]any, error) {
	var elems []any
	for len(data) > 0 {
		v, rest, err := decodeElem(data)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
		data = rest
	}
	return elems, nil
}

func idFromElem(v any) (ID, error) {
	switch v := v.(type) {
	case string:
		return StringID(v), nil
	case int64:
		return IntID(v), nil
	case *big.Int:
		return ID{kind: IDBigInt, big: v}, nil
	case []byte:
		return BytesID(v), nil
	default:
		return ID{}, fmt.Errorf("%w: key element %T", ErrInvalidIDKind, v)
	}
}

func decodeIDElem(data []byte) (ID, []byte, error) {
	v, rest, err := decodeElem(data)
	if err != nil {
		return ID{}, nil, err
	}
	id, err := idFromElem(v)
	return id, rest, err
}

// formatKey renders an encoded key for logs and dumps, e.g. "users"/"id"/42.
func formatKey(key []byte) string {
	elems, err := decodeTuple(key)
	if err != nil {
		return fmt.Sprintf("%x", key)
	}
	var buf strings.Builder
	for i, el := range elems {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(formatElem(el))
	}
	return buf.String()
}

func formatElem(el any) string {
	switch el := el.(type) {
	case string:
		return strconv.Quote(el)
	case []byte:
		return fmt.Sprintf("0x%x", el)
	case *big.Int:
		return el.String() + "n"
	default:
		return fmt.Sprint(el)
	}
}

// keyspace holds the precomputed key prefixes of one collection.
type keyspace struct {
	name        string
	prefix      []byte // (collection)
	idPrefix    []byte // (collection, "id")
	chunkPrefix []byte // (collection, "chunk")
	indexPrefix []byte // (collection, "index")
}

func newKeyspace(collection string) *keyspace {
	prefix := appendStringElem(nil, collection)
	sub := func(part string) []byte {
		return appendStringElem(bytes.Clone(prefix), part)
	}
	return &keyspace{
		name:        collection,
		prefix:      prefix,
		idPrefix:    sub(partID),
		chunkPrefix: sub(partChunk),
		indexPrefix: sub(partIndex),
	}
}

func (ks *keyspace) primaryKey(id ID) []byte {
	return appendIDElem(bytes.Clone(ks.idPrefix), id)
}

func (ks *keyspace) chunkKeyPrefix(id ID) []byte {
	return appendIDElem(bytes.Clone(ks.chunkPrefix), id)
}

func (ks *keyspace) chunkKey(id ID, i int) []byte {
	return appendIntElem(ks.chunkKeyPrefix(id), int64(i))
}

func (ks *keyspace) indexNamePrefix(name string) []byte {
	return appendStringElem(bytes.Clone(ks.indexPrefix), name)
}

// indexKey builds (collection, "index", name, value, id) from an already
// encoded value element.
func (ks *keyspace) indexKey(name string, valueElem []byte, id ID) []byte {
	key := ks.indexNamePrefix(name)
	key = append(key, valueElem...)
	return appendIDElem(key, id)
}

func (ks *keyspace) decodePrimaryKey(key []byte) (ID, error) {
	rest, ok := bytes.CutPrefix(key, ks.idPrefix)
	if !ok {
		return ID{}, dataErrf(key, 0, nil, "not a primary key of this collection")
	}
	id, rest, err := decodeIDElem(rest)
	if err != nil {
		return ID{}, err
	}
	if len(rest) != 0 {
		return ID{}, dataErrf(key, len(key)-len(rest), nil, "trailing bytes after primary key")
	}
	return id, nil
}

// decodeIndexKey extracts the document ID, which is the last element of an
// index key under namePrefix.
func decodeIndexKey(namePrefix, key []byte) (ID, error) {
	rest, ok := bytes.CutPrefix(key, namePrefix)
	if !ok {
		return ID{}, dataErrf(key, 0, nil, "not an index key of this index")
	}
	_, rest, err := decodeElem(rest)
	if err != nil {
		return ID{}, err
	}
	id, rest, err := decodeIDElem(rest)
	if err != nil {
		return ID{}, err
	}
	if len(rest) != 0 {
		return ID{}, dataErrf(key, len(key)-len(rest), nil, "trailing bytes after index key")
	}
	return id, nil
}
