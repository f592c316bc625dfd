package kvdoc

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/kvdoc/kv"
)

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 42))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func blobPayloadSize(b Blob) int {
	return len(must(MsgPack.encodeValue(&b)))
}

func countEntries(t testing.TB, engine kv.Engine) int {
	t.Helper()
	var n int
	err := engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		for _, err := range r.Scan(kv.Range{}) {
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	ok(t, err)
	return n
}

// checkChunkConsistency verifies that the chunk entries of coll are exactly
// those its chunked primary entries reference.
func checkChunkConsistency[T any](t testing.TB, engine kv.Engine, coll *Collection[T]) {
	t.Helper()
	var expected, actual [][]byte
	ok(t, engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		for e, err := range r.Scan(kv.PrefixRange(coll.ks.idPrefix)) {
			if err != nil {
				return err
			}
			id, err := coll.ks.decodePrimaryKey(e.Key)
			if err != nil {
				return err
			}
			sv, err := coll.ks.decodeStored(id, e)
			if err != nil {
				return err
			}
			for i := range sv.chunkCount() {
				expected = append(expected, coll.ks.chunkKey(id, i))
			}
		}
		for e, err := range r.Scan(kv.PrefixRange(coll.ks.chunkPrefix)) {
			if err != nil {
				return err
			}
			actual = append(actual, bytes.Clone(e.Key))
		}
		return nil
	}))
	expected = sortIndexKeys(expected)

	if len(actual) != len(expected) {
		t.Fatalf("** got %d chunk entries, wanted %d", len(actual), len(expected))
	}
	for i := range actual {
		if !bytes.Equal(actual[i], expected[i]) {
			t.Errorf("** chunk entry %d is %s, wanted %s", i, formatKey(actual[i]), formatKey(expected[i]))
		}
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	db, engine := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{})
	blobs := newBlobs(db)
	b := Blob{Data: randomBytes(1000)}
	n := blobPayloadSize(b)
	chunks := (n + 127) / 128

	must(blobs.Set(ctx, StringID("big"), b, SetOptions{}))

	s := must(blobs.Stats(ctx))
	deepEqual(t, s.Documents, 1)
	deepEqual(t, s.ChunkedDocuments, 1)
	deepEqual(t, s.Chunks, chunks)
	deepEqual(t, countEntries(t, engine), 1+chunks)

	doc := must(blobs.Find(ctx, StringID("big"), ReadOptions{}))
	deepEqual(t, doc.Value, b)

	docs := must(blobs.GetMany(ctx, ListOptions[Blob]{}))
	deepEqual(t, values(docs), []Blob{b})
}

func TestChunkSizeOption(t *testing.T) {
	db, _ := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{ChunkSize: 50})
	blobs := newBlobs(db)
	b := Blob{Data: randomBytes(500)}

	must(blobs.Set(ctx, StringID("big"), b, SetOptions{}))
	deepEqual(t, must(blobs.Stats(ctx)).Chunks, (blobPayloadSize(b)+49)/50)
	deepEqual(t, must(blobs.Find(ctx, StringID("big"), ReadOptions{})).Value, b)
}

func TestChunkedOverwriteRemovesSurplusChunks(t *testing.T) {
	db, engine := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{})
	blobs := newBlobs(db)
	id := StringID("x")

	for _, size := range []int{1000, 300, 10, 700} {
		b := Blob{Data: randomBytes(size)}
		must(blobs.Set(ctx, id, b, SetOptions{Overwrite: true}))

		var chunks int
		if n := blobPayloadSize(b); n+5 > 128 {
			chunks = (n + 127) / 128
		}
		deepEqual(t, must(blobs.Stats(ctx)).Chunks, chunks)
		deepEqual(t, countEntries(t, engine), 1+chunks)
		deepEqual(t, must(blobs.Find(ctx, id, ReadOptions{})).Value, b)
	}

	ok(t, blobs.Delete(ctx, id))
	deepEqual(t, countEntries(t, engine), 0)
}

func TestChunkedWithCompression(t *testing.T) {
	db, _ := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{Compression: true})
	blobs := newBlobs(db)
	b := Blob{Data: randomBytes(2000)}

	must(blobs.Set(ctx, StringID("x"), b, SetOptions{}))
	deepEqual(t, must(blobs.Stats(ctx)).ChunkedDocuments, 1)
	deepEqual(t, must(blobs.Find(ctx, StringID("x"), ReadOptions{})).Value, b)
}

func TestChunkedMissingOrStaleChunk(t *testing.T) {
	db, engine := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{})
	blobs := newBlobs(db)
	id := StringID("x")
	b := Blob{Data: randomBytes(1000)}
	payload := must(MsgPack.encodeValue(&b))
	must(blobs.Set(ctx, id, b, SetOptions{}))

	must(engine.Commit(ctx, new(kv.Batch).Delete(blobs.ks.chunkKey(id, 1))))
	_, err := blobs.Find(ctx, id, ReadOptions{})
	if !errors.Is(err, ErrCorruptChunkedValue) {
		t.Fatalf("** missing chunk: got %v, wanted ErrCorruptChunkedValue", err)
	}

	// right content, but not written by the commit that wrote the header
	must(engine.Commit(ctx, new(kv.Batch).Set(blobs.ks.chunkKey(id, 1), payload[128:256])))
	_, err = blobs.Find(ctx, id, ReadOptions{})
	if !errors.Is(err, ErrCorruptChunkedValue) {
		t.Fatalf("** stale chunk: got %v, wanted ErrCorruptChunkedValue", err)
	}
}

func TestChunkedDescriptorMismatch(t *testing.T) {
	payload := must(MsgPack.encodeValue(&Blob{Data: randomBytes(300)}))
	tests := []struct {
		name string
		desc chunkDescriptor
	}{
		{"checksum", chunkDescriptor{Chunks: 3, Length: len(payload), Checksum: xxhash.Sum64(payload) + 1}},
		{"length", chunkDescriptor{Chunks: 3, Length: len(payload) - 1, Checksum: xxhash.Sum64(payload)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, engine := setupEngine(t, kv.Options{MaxEntryBytes: 128}, Options{})
			blobs := newBlobs(db)
			id := StringID("x")

			b := new(kv.Batch)
			for i := range 3 {
				b.Set(blobs.ks.chunkKey(id, i), payload[i*128:min((i+1)*128, len(payload))])
			}
			header := &value{Flags: vfDefault | vfChunked, Index: appendIndexKeys(nil, nil), Payload: tt.desc.encode()}
			b.Set(blobs.ks.primaryKey(id), header.encode())
			must(engine.Commit(ctx, b))

			_, err := blobs.Find(ctx, id, ReadOptions{})
			if !errors.Is(err, ErrCorruptChunkedValue) {
				t.Fatalf("** got %v, wanted ErrCorruptChunkedValue", err)
			}
		})
	}
}
