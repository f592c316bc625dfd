package kvdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andreyvit/kvdoc/kv"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndexRows
	DumpChunks

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the stored entries of the named collections from one
// snapshot. Without names, every collection found in the engine is dumped.
func (db *DB) Dump(ctx context.Context, f DumpFlags, collections ...string) (string, error) {
	if len(collections) == 0 {
		var err error
		collections, err = db.StoredCollections(ctx)
		if err != nil {
			return "", err
		}
	}
	var buf strings.Builder
	err := db.engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		for _, name := range collections {
			if err := dumpCollection(&buf, r, f, newKeyspace(name)); err != nil {
				return collErrf(name, "dump", ID{}, err, "")
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Collection[T]) Dump(ctx context.Context, f DumpFlags) (string, error) {
	return c.db.Dump(ctx, f, c.name)
}

func dumpCollection(w *strings.Builder, r kv.Reader, f DumpFlags, ks *keyspace) error {
	prefix := ks.name
	s, err := collectionStatsIn(r, ks)
	if err != nil {
		return err
	}

	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d documents)\n", prefix, s.Documents)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: chunked = %d, chunks = %d, index_entries = %d, data_size = %d, chunk_size = %d, index_size = %d, total_size = %d\n", prefix, s.ChunkedDocuments, s.Chunks, s.IndexEntries, s.DataSize, s.ChunkSize, s.IndexSize, s.TotalSize())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var rowPos int
		for e, err := range r.Scan(kv.PrefixRange(ks.idPrefix)) {
			if err != nil {
				return err
			}
			rowPos++
			dumpRow(w, r, prefix, f, ks, rowPos, e)
		}
	}

	if f.Contains(DumpIndexRows) {
		var lastIndex string
		var rowPos int
		for e, err := range r.Scan(kv.PrefixRange(ks.indexPrefix)) {
			if err != nil {
				return err
			}
			elems, err := decodeTuple(bytes.TrimPrefix(e.Key, ks.indexPrefix))
			if err != nil || len(elems) != 3 {
				fmt.Fprintf(w, "%s.i ** ERROR: malformed index key %x\n", prefix, e.Key)
				continue
			}
			name, _ := elems[0].(string)
			if name != lastIndex || rowPos == 0 {
				fmt.Fprintln(w, dumpSep2)
				lastIndex, rowPos = name, 0
			}
			rowPos++
			id, err := idFromElem(elems[2])
			if err != nil {
				fmt.Fprintf(w, "%s.i.%s.%d ** ERROR: %v\n", prefix, name, rowPos, err)
				continue
			}
			fmt.Fprintf(w, "%s.i.%s.%d: %s => %v\n", prefix, name, rowPos, formatElem(elems[1]), id)
		}
	}
	return nil
}

func dumpRow(w *strings.Builder, r kv.Reader, prefix string, f DumpFlags, ks *keyspace, rowPos int, e kv.Entry) {
	id, err := ks.decodePrimaryKey(e.Key)
	if err != nil {
		fmt.Fprintf(w, "%s.%d ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	sv, err := ks.decodeStored(id, e)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %v @%v ** ERROR: %v\n", prefix, rowPos, id, e.Versionstamp, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %v @%v (%v) ", prefix, rowPos, id, e.Versionstamp, sv.value.Flags)
	payload, err := ks.loadPayload(r, sv)
	if err == nil {
		var v any
		err = encodingFromFlags(sv.value.Flags).decodeValue(payload, &v)
		if err == nil {
			var raw []byte
			raw, err = json.Marshal(v)
			w.Write(raw)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "** ERROR: %v", err)
	}
	w.WriteByte('\n')

	if f.Contains(DumpChunks) && sv.value.Flags.chunked() {
		for i := range sv.desc.Chunks {
			ce, err := r.Get(ks.chunkKey(id, i))
			switch {
			case err != nil:
				fmt.Fprintf(w, "%s.%d.chunk.%d ** ERROR: %v\n", prefix, rowPos, i, err)
			case !ce.Exists():
				fmt.Fprintf(w, "%s.%d.chunk.%d ** MISSING\n", prefix, rowPos, i)
			default:
				fmt.Fprintf(w, "%s.%d.chunk.%d = @%v %d bytes\n", prefix, rowPos, i, ce.Versionstamp, len(ce.Value))
			}
		}
	}
}
