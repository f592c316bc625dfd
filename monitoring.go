package kvdoc

import (
	"bytes"
	"context"

	"github.com/andreyvit/kvdoc/kv"
)

type CollectionStats struct {
	Documents        int
	ChunkedDocuments int
	Chunks           int
	IndexEntries     int

	// Sizes count key and value bytes as written, excluding versionstamps.
	DataSize  int
	ChunkSize int
	IndexSize int
}

func (s *CollectionStats) TotalSize() int {
	return s.DataSize + s.ChunkSize + s.IndexSize
}

// Stats scans every entry of the named collection in one snapshot. It works
// on collections not defined on db.
func (db *DB) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	var s CollectionStats
	err := db.engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		var err error
		s, err = collectionStatsIn(r, newKeyspace(collection))
		return err
	})
	if err != nil {
		return CollectionStats{}, collErrf(collection, "stats", ID{}, err, "")
	}
	return s, nil
}

func (c *Collection[T]) Stats(ctx context.Context) (CollectionStats, error) {
	return c.db.Stats(ctx, c.name)
}

func collectionStatsIn(r kv.Reader, ks *keyspace) (CollectionStats, error) {
	var s CollectionStats
	for e, err := range r.Scan(kv.PrefixRange(ks.prefix)) {
		if err != nil {
			return s, err
		}
		size := len(e.Key) + len(e.Value)
		switch {
		case bytes.HasPrefix(e.Key, ks.idPrefix):
			s.Documents++
			s.DataSize += size
			var v value
			if err := v.decode(e.Value); err != nil {
				return s, err
			}
			if v.Flags.chunked() {
				s.ChunkedDocuments++
			}
		case bytes.HasPrefix(e.Key, ks.chunkPrefix):
			s.Chunks++
			s.ChunkSize += size
		case bytes.HasPrefix(e.Key, ks.indexPrefix):
			s.IndexEntries++
			s.IndexSize += size
		}
	}
	return s, nil
}

// StoredCollections lists the names of all collections that have entries
// in the engine, whether or not they are defined on db.
func (db *DB) StoredCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := db.engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		var start []byte
		for {
			var key []byte
			for e, err := range r.Scan(kv.Range{Start: start, Limit: 1}) {
				if err != nil {
					return err
				}
				key = e.Key
			}
			if key == nil {
				return nil
			}
			name, _, err := decodeElem(key)
			if err != nil {
				return err
			}
			s, ok := name.(string)
			if !ok {
				return dataErrf(key, 0, nil, "key does not start with a collection name")
			}
			names = append(names, s)
			// every key of s continues with a string element; names that
			// extend s continue with an escaped 0x00 0xFF instead
			start = append(newKeyspace(s).prefix, tagString+1)
		}
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
