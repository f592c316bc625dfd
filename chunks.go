package kvdoc

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/kvdoc/kv"
)

// storedValue is a decoded primary entry.
type storedValue struct {
	id    ID
	entry kv.Entry
	value value
	desc  chunkDescriptor // set when value.Flags.chunked()
}

func (sv *storedValue) chunkCount() int {
	if sv == nil || !sv.value.Flags.chunked() {
		return 0
	}
	return sv.desc.Chunks
}

func (sv *storedValue) versionstamp() kv.Versionstamp {
	if sv == nil {
		return 0
	}
	return sv.entry.Versionstamp
}

func (ks *keyspace) decodeStored(id ID, e kv.Entry) (*storedValue, error) {
	sv := &storedValue{id: id, entry: e}
	if err := sv.value.decode(e.Value); err != nil {
		return nil, collErrf(ks.name, "decode", id, err, "")
	}
	if sv.value.Flags.chunked() {
		if err := sv.desc.decode(sv.value.Payload); err != nil {
			return nil, collErrf(ks.name, "decode", id, ErrCorruptChunkedValue, "bad chunk descriptor: %v", err)
		}
	}
	return sv, nil
}

// readStored returns the primary entry of id, or nil if absent.
func (ks *keyspace) readStored(r kv.Reader, id ID) (*storedValue, error) {
	e, err := r.Get(ks.primaryKey(id))
	if err != nil {
		return nil, err
	}
	if !e.Exists() {
		return nil, nil
	}
	return ks.decodeStored(id, e)
}

// loadPayload reassembles and decompresses the serialized document. All
// chunks are read through r, which must be the snapshot sv was read from.
// Chunks are written by the same commit as their header, so each must carry
// the header's versionstamp.
func (ks *keyspace) loadPayload(r kv.Reader, sv *storedValue) ([]byte, error) {
	payload := sv.value.Payload
	if sv.value.Flags.chunked() {
		if r == nil {
			return nil, fmt.Errorf("kvdoc: chunked value of %v read without a snapshot", sv.id)
		}
		desc := sv.desc
		buf := make([]byte, 0, desc.Length)
		for i := range desc.Chunks {
			e, err := r.Get(ks.chunkKey(sv.id, i))
			if err != nil {
				return nil, err
			}
			if !e.Exists() {
				return nil, collErrf(ks.name, "read", sv.id, ErrCorruptChunkedValue, "chunk %d of %d missing", i, desc.Chunks)
			}
			if e.Versionstamp != sv.entry.Versionstamp {
				return nil, collErrf(ks.name, "read", sv.id, ErrCorruptChunkedValue, "chunk %d written @%v, header @%v", i, e.Versionstamp, sv.entry.Versionstamp)
			}
			buf = append(buf, e.Value...)
		}
		if len(buf) != desc.Length {
			return nil, collErrf(ks.name, "read", sv.id, ErrCorruptChunkedValue, "reassembled %d bytes, expected %d", len(buf), desc.Length)
		}
		if sum := xxhash.Sum64(buf); sum != desc.Checksum {
			return nil, collErrf(ks.name, "read", sv.id, ErrCorruptChunkedValue, "checksum %016x, expected %016x", sum, desc.Checksum)
		}
		payload = buf
	}
	if sv.value.Flags.compressed() {
		return decompress(payload)
	}
	return payload, nil
}

// stagePut adds the mutations storing payload under id to b: the primary
// entry alone if it fits the engine's entry limit, otherwise a chunked
// header plus ceil(len(payload)/chunkSize) chunks. Surplus chunks of prev
// are deleted. Returns the number of chunks written.
func (c *Collection[T]) stagePut(b *kv.Batch, id ID, flags valueFlags, indexKeys [][]byte, payload []byte, prev *storedValue) int {
	index := appendIndexKeys(nil, indexKeys)
	direct := (&value{Flags: flags, Index: index, Payload: payload}).encode()

	var chunks int
	if len(direct) <= c.maxEntryBytes() {
		b.Set(c.ks.primaryKey(id), direct)
	} else {
		size := c.db.chunkSize
		chunks = (len(payload) + size - 1) / size
		for i := range chunks {
			b.Set(c.ks.chunkKey(id, i), payload[i*size:min((i+1)*size, len(payload))])
		}
		desc := chunkDescriptor{
			Chunks:   chunks,
			Length:   len(payload),
			Checksum: xxhash.Sum64(payload),
		}
		header := &value{Flags: flags | vfChunked, Index: index, Payload: desc.encode()}
		b.Set(c.ks.primaryKey(id), header.encode())
	}

	for i := chunks; i < prev.chunkCount(); i++ {
		b.Delete(c.ks.chunkKey(id, i))
	}
	return chunks
}

// stageDelete adds the deletion of sv's primary entry and chunks to b.
func (ks *keyspace) stageDelete(b *kv.Batch, sv *storedValue) {
	b.Delete(ks.primaryKey(sv.id))
	for i := range sv.chunkCount() {
		b.Delete(ks.chunkKey(sv.id, i))
	}
}

// decodeDocument turns a stored value into a Document, reading chunks
// through r when needed.
func (c *Collection[T]) decodeDocument(r kv.Reader, sv *storedValue) (*Document[T], error) {
	payload, err := c.ks.loadPayload(r, sv)
	if err != nil {
		return nil, err
	}
	doc := &Document[T]{
		ID:           sv.id,
		Versionstamp: sv.entry.Versionstamp.String(),
	}
	if err := encodingFromFlags(sv.value.Flags).decodeValue(payload, &doc.Value); err != nil {
		return nil, collErrf(c.name, "decode", sv.id, err, "")
	}
	return doc, nil
}
