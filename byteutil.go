package kvdoc

import (
	"encoding/binary"
	"math"
)

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func appendVarbytes(buf []byte, v []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Done() bool {
	return len(d.Buf) == 0
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, dataErrf(d.Orig, d.Off(), nil, "value does not fit into int: %d", v)
	}
	return int(v), nil
}

func (d *byteDecoder) Fixed64() (uint64, error) {
	raw, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}
