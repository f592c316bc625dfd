/*
Package kvdoc implements typed document collections on top of a
transactional, versioned key-value engine (see package kv).

We implement:

1. Collections of documents marshaled from a Go type, addressed by IDs of
one of four kinds (string, int64, big integer, bytes).

2. Secondary indexes, maintained in the same commit as the document.

3. Chunking of documents larger than the engine's entry size limit.

4. Watches over a fixed list of documents, delivering the state of all of
them on every change of any one.

# Technical Details

**Versionstamps.**
Every commit gets a versionstamp from the engine; it is recorded on every key
the commit writes. Writes check the versionstamp of the primary key they read,
so a concurrent writer makes the commit fail instead of corrupting indexes.

## Binary encoding

**Key encoding**.
Keys are encoded using a _tuple encoding_ that preserves element order:

	(collection, "id", id)                    primary entry
	(collection, "chunk", id, n)              chunk n of a chunked document
	(collection, "index", name, value, id)    index entry, empty value

**Primary entry**: value header, then index key records, then payload.

**Value header**:
1. Flags (uvarint): format version, encoding, compression, chunking.
2. Index size (uvarint).
3. Payload size (uvarint).

**Payload**: msgpack (or JSON) of the document, optionally zstd-compressed.
A chunked entry holds a chunk descriptor instead: number of chunks (uvarint),
total length (uvarint), xxhash64 of the payload (fixed 8 bytes).

**Index key records** (inside a value) record the index keys contributed by
this document, so overwrites and deletes know which entries to remove
without decoding the old document. Format:
1. Number of entries (uvarint).
2. For each entry: key length (uvarint), key bytes.
*/
package kvdoc
