package kvdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects how documents are serialized. The choice is recorded in
// each primary entry, so a collection can be switched without rewriting it.
type Encoding int

const (
	MsgPack Encoding = iota
	JSON

	defaultValueEncoding = MsgPack
)

func (enc Encoding) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Encoding(%d)", int(enc))
	}
}

func (enc Encoding) flags() valueFlags {
	if enc == JSON {
		return vfJSON
	}
	return 0
}

func encodingFromFlags(vf valueFlags) Encoding {
	if vf&vfJSON != 0 {
		return JSON
	}
	return MsgPack
}

func (enc Encoding) encodeValue(v any) ([]byte, error) {
	switch enc {
	case MsgPack:
		var buf bytes.Buffer
		e := msgpack.GetEncoder()
		e.Reset(&buf)
		e.SetSortMapKeys(true)
		err := e.Encode(v)
		msgpack.PutEncoder(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
		}
		return buf.Bytes(), nil
	case JSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
		}
		return raw, nil
	default:
		panic("unsupported encoding")
	}
}

func (enc Encoding) decodeValue(buf []byte, ptr any) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		d := msgpack.GetDecoder()
		d.Reset(&r)
		err := d.Decode(ptr)
		msgpack.PutDecoder(d)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, ptr)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %T", ptr)
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve the whole process.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Errorf("zstd: %w", err))
		}
		return e
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic(fmt.Errorf("zstd: %w", err))
		}
		return d
	})
)

func compress(payload []byte) []byte {
	return zstdEncoder().EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

func decompress(payload []byte) ([]byte, error) {
	out, err := zstdDecoder().DecodeAll(payload, nil)
	if err != nil {
		return nil, dataErrf(payload, 0, err, "failed to decompress zstd payload")
	}
	return out, nil
}
