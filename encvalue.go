package kvdoc

import (
	"encoding/binary"
	"fmt"
)

// A primary entry is:
//
//	flags       uvarint
//	indexSize   uvarint
//	payloadSize uvarint
//	index       indexSize bytes (see encindexkeys.go)
//	payload     payloadSize bytes
//
// The payload is either the serialized (possibly compressed) document, or,
// with vfChunked, a chunk descriptor.

const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3
	vfCompressionBit0
	vfChunked
	vfJSON

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfZstd          = vfCompressionBit0
	vfSupportedMask = (vfVer1 | vfZstd | vfChunked | vfJSON)
	vfDefault       = vfVer1

	minValueSize = 3
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

func (vf valueFlags) chunked() bool    { return vf&vfChunked != 0 }
func (vf valueFlags) compressed() bool { return vf&vfZstd != 0 }

func (vf valueFlags) String() string {
	s := fmt.Sprintf("v%d", vf.ver())
	if vf&vfJSON != 0 {
		s += ",json"
	} else {
		s += ",msgpack"
	}
	if vf.compressed() {
		s += ",zstd"
	}
	if vf.chunked() {
		s += ",chunked"
	}
	return s
}

type value struct {
	Flags   valueFlags
	Index   []byte
	Payload []byte
}

func (vle *value) encode() []byte {
	if (vle.Flags &^ vfSupportedMask) != 0 {
		panic(fmt.Errorf("invalid flags %x", vle.Flags))
	}
	buf := make([]byte, 0, 3*4+len(vle.Index)+len(vle.Payload))
	buf = appendUvarint(buf, uint64(vle.Flags))
	buf = appendUvarint(buf, uint64(len(vle.Index)))
	buf = appendUvarint(buf, uint64(len(vle.Payload)))
	buf = append(buf, vle.Index...)
	return append(buf, vle.Payload...)
}

func (vle *value) decode(data []byte) error {
	if len(data) < minValueSize {
		return dataErrf(data, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	d := makeByteDecoder(data)
	v, err := d.Uvarint()
	if err != nil {
		return dataErrf(data, d.Off(), nil, "invalid value: bad flags")
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(data, d.Off(), nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)
	if vle.Flags.ver() != valueFormatVerLatest {
		return dataErrf(data, d.Off(), nil, "invalid value: unsupported format version %d", vle.Flags.ver())
	}

	indexSize, err := d.Uvarinti()
	if err != nil {
		return dataErrf(data, d.Off(), nil, "invalid value: bad index size")
	}
	payloadSize, err := d.Uvarinti()
	if err != nil {
		return dataErrf(data, d.Off(), nil, "invalid value: bad payload size")
	}
	if len(d.Buf) != indexSize+payloadSize {
		return dataErrf(data, d.Off(), nil, "invalid value: got %d bytes for index+payload, expected %d bytes", len(d.Buf), indexSize+payloadSize)
	}
	vle.Index = d.Buf[:indexSize]
	vle.Payload = d.Buf[indexSize:]
	return nil
}

// chunkDescriptor is the payload of a chunked primary entry.
type chunkDescriptor struct {
	Chunks   int
	Length   int
	Checksum uint64 // xxhash64 of the reassembled payload
}

func (cd chunkDescriptor) encode() []byte {
	buf := appendUvarint(nil, uint64(cd.Chunks))
	buf = appendUvarint(buf, uint64(cd.Length))
	return binary.BigEndian.AppendUint64(buf, cd.Checksum)
}

func (cd *chunkDescriptor) decode(data []byte) error {
	d := makeByteDecoder(data)
	var err error
	if cd.Chunks, err = d.Uvarinti(); err != nil {
		return err
	}
	if cd.Length, err = d.Uvarinti(); err != nil {
		return err
	}
	if cd.Checksum, err = d.Fixed64(); err != nil {
		return err
	}
	if !d.Done() {
		return dataErrf(data, d.Off(), nil, "trailing bytes after chunk descriptor")
	}
	if cd.Chunks == 0 {
		return dataErrf(data, 0, nil, "chunk descriptor with zero chunks")
	}
	return nil
}
