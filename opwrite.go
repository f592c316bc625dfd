package kvdoc

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/kvdoc/kv"
)

type SetOptions struct {
	// Overwrite allows replacing an existing document.
	Overwrite bool

	// Versionstamp, when non-empty, makes the write conditional on the
	// document currently carrying this versionstamp.
	Versionstamp string
}

type UpdateOptions struct {
	Versionstamp string
}

type writeMode int

const (
	writeCreate writeMode = iota
	writeOverwrite
	writeUpdate
)

type putRequest struct {
	op          string
	id          ID
	mode        writeMode
	conditional bool
	expected    kv.Versionstamp
}

// encodedDoc is a serialized document ready to be staged.
type encodedDoc struct {
	raw       []byte // serialized, before compression
	payload   []byte
	flags     valueFlags
	indexKeys [][]byte
}

func (c *Collection[T]) encodeDoc(id ID, v *T) (*encodedDoc, error) {
	raw, err := c.encoding.encodeValue(v)
	if err != nil {
		return nil, err
	}
	ed := &encodedDoc{
		raw:     raw,
		payload: raw,
		flags:   vfDefault | c.encoding.flags(),
	}
	if c.db.compression {
		ed.payload = compress(raw)
		ed.flags |= vfZstd
	}
	ed.indexKeys, err = c.indexKeys(id, v)
	if err != nil {
		return nil, err
	}
	return ed, nil
}

func parseExpected(s string) (kv.Versionstamp, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	vs, err := kv.ParseVersionstamp(s)
	if err != nil {
		return 0, false, err
	}
	return vs, true, nil
}

// Add stores v under a freshly generated ID of the collection's IDKind. A
// generated ID that is already taken is replaced by another one, up to
// Options.MaxIDAttempts times.
func (c *Collection[T]) Add(ctx context.Context, v T) (CommitResult, error) {
	for range c.db.maxIDAttempts {
		id, err := c.newID(c.idKind)
		if err != nil {
			return CommitResult{}, collErrf(c.name, "add", ID{}, err, "generating id")
		}
		res, err := c.put(ctx, putRequest{op: "add", id: id, mode: writeCreate}, &v)
		if errors.Is(err, ErrAlreadyExists) {
			if c.db.verbose {
				c.logger.Debug("kvdoc: ADD.RETRY", zap.Stringer("id", id))
			}
			continue
		}
		return res, err
	}
	return CommitResult{}, collErrf(c.name, "add", ID{}, ErrIDGenerationExhausted, "%d attempts", c.db.maxIDAttempts)
}

// AddMany adds every value, committing up to Options.AddConcurrency of them
// at a time. Results are in input order. On failure, the first error is
// returned and values not yet committed are skipped.
func (c *Collection[T]) AddMany(ctx context.Context, vs []T) ([]CommitResult, error) {
	results := make([]CommitResult, len(vs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.db.addConcurrency)
	for i, v := range vs {
		g.Go(func() error {
			res, err := c.Add(ctx, v)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Set writes v under id. Without opt.Overwrite, an existing document makes
// Set fail with ErrAlreadyExists.
func (c *Collection[T]) Set(ctx context.Context, id ID, v T, opt SetOptions) (CommitResult, error) {
	req := putRequest{op: "set", id: id, mode: writeCreate}
	if opt.Overwrite {
		req.mode = writeOverwrite
	}
	var err error
	req.expected, req.conditional, err = parseExpected(opt.Versionstamp)
	if err != nil {
		return CommitResult{}, collErrf(c.name, req.op, id, err, "")
	}
	return c.put(ctx, req, &v)
}

// Update replaces an existing document, failing with ErrNotFound if there
// is none.
func (c *Collection[T]) Update(ctx context.Context, id ID, v T, opt UpdateOptions) (CommitResult, error) {
	req := putRequest{op: "update", id: id, mode: writeUpdate}
	var err error
	req.expected, req.conditional, err = parseExpected(opt.Versionstamp)
	if err != nil {
		return CommitResult{}, collErrf(c.name, req.op, id, err, "")
	}
	return c.put(ctx, req, &v)
}

// Modify reads the document, lets fn change it and writes it back, failing
// with ErrVersionConflict if the document changed in between. If the
// modified document encodes identically, nothing is written and the current
// versionstamp is returned.
func (c *Collection[T]) Modify(ctx context.Context, id ID, fn func(v *T) error) (CommitResult, error) {
	const op = "modify"
	if err := id.validate(); err != nil {
		return CommitResult{}, collErrf(c.name, op, id, err, "")
	}
	var prev *storedValue
	var prevRaw []byte
	var v T
	err := c.db.engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		var err error
		prev, err = c.ks.readStored(r, id)
		if err != nil || prev == nil {
			return err
		}
		prevRaw, err = c.ks.loadPayload(r, prev)
		if err != nil {
			return err
		}
		return encodingFromFlags(prev.value.Flags).decodeValue(prevRaw, &v)
	})
	if err != nil {
		return CommitResult{}, collErrf(c.name, op, id, err, "")
	}
	if prev == nil {
		return CommitResult{}, collErrf(c.name, op, id, ErrNotFound, "")
	}

	if err := fn(&v); err != nil {
		return CommitResult{}, err
	}

	ed, err := c.encodeDoc(id, &v)
	if err != nil {
		return CommitResult{}, collErrf(c.name, op, id, err, "")
	}
	if encodingFromFlags(prev.value.Flags) == c.encoding && bytes.Equal(ed.raw, prevRaw) && bytes.Equal(appendIndexKeys(nil, ed.indexKeys), prev.value.Index) {
		if c.db.verbose {
			c.logger.Debug("kvdoc: PUT.NOOP", zap.Stringer("id", id), zap.Stringer("versionstamp", prev.entry.Versionstamp), c.logContent(&v))
		}
		return CommitResult{ID: id, Versionstamp: prev.entry.Versionstamp.String()}, nil
	}

	req := putRequest{op: op, id: id, mode: writeUpdate, conditional: true, expected: prev.entry.Versionstamp}
	return c.commitPut(ctx, req, &v, ed, prev)
}

// errLostRace is returned by commitPut and commitDelete when the primary
// entry changed between the read and the commit of an unconditional write.
var errLostRace = errors.New("lost race")

func (c *Collection[T]) readPrev(ctx context.Context, id ID) (*storedValue, error) {
	var prev *storedValue
	err := c.db.engine.View(ctx, kv.Strong, func(r kv.Reader) error {
		var err error
		prev, err = c.ks.readStored(r, id)
		return err
	})
	return prev, err
}

func (c *Collection[T]) lostRace(op string, id ID, attempt int) bool {
	if attempt < c.db.maxWriteAttempts {
		ConflictsTotal.WithLabelValues(c.name, "retry").Inc()
		if c.db.verbose {
			c.logger.Debug("kvdoc: RETRY", zap.String("op", op), zap.Stringer("id", id), zap.Int("attempt", attempt))
		}
		return true
	}
	return false
}

func (c *Collection[T]) put(ctx context.Context, req putRequest, v *T) (CommitResult, error) {
	if err := req.id.validate(); err != nil {
		return CommitResult{}, collErrf(c.name, req.op, req.id, err, "")
	}
	ed, err := c.encodeDoc(req.id, v)
	if err != nil {
		return CommitResult{}, collErrf(c.name, req.op, req.id, err, "")
	}

	for attempt := 1; ; attempt++ {
		prev, err := c.readPrev(ctx, req.id)
		if err != nil {
			return CommitResult{}, collErrf(c.name, req.op, req.id, err, "")
		}
		res, err := c.commitPut(ctx, req, v, ed, prev)
		if err == errLostRace {
			if c.lostRace(req.op, req.id, attempt) {
				continue
			}
			ConflictsTotal.WithLabelValues(c.name, "versionstamp").Inc()
			return CommitResult{}, collErrf(c.name, req.op, req.id, ErrVersionConflict, "concurrent writes, gave up after %d attempts", attempt)
		}
		return res, err
	}
}

// commitPut stages and commits the primary entry, chunks and index delta
// of one document on top of prev, which must be the state read for it. If
// the document changed since, an unconditional overwrite returns
// errLostRace so that the caller can re-read it.
func (c *Collection[T]) commitPut(ctx context.Context, req putRequest, v *T, ed *encodedDoc, prev *storedValue) (CommitResult, error) {
	id := req.id
	switch req.mode {
	case writeCreate:
		if prev != nil {
			ConflictsTotal.WithLabelValues(c.name, "exists").Inc()
			return CommitResult{}, collErrf(c.name, req.op, id, ErrAlreadyExists, "")
		}
	case writeUpdate:
		if prev == nil {
			return CommitResult{}, collErrf(c.name, req.op, id, ErrNotFound, "")
		}
	}
	if req.conditional && prev.versionstamp() != req.expected {
		ConflictsTotal.WithLabelValues(c.name, "versionstamp").Inc()
		return CommitResult{}, collErrf(c.name, req.op, id, ErrVersionConflict, "expected @%v, found @%v", req.expected, prev.versionstamp())
	}

	var prevIndexKeys [][]byte
	if prev != nil {
		var err error
		prevIndexKeys, err = decodeIndexKeys(prev.value.Index)
		if err != nil {
			return CommitResult{}, collErrf(c.name, req.op, id, err, "decoding previous index keys")
		}
	}

	b := new(kv.Batch)
	b.Check(c.ks.primaryKey(id), prev.versionstamp())
	chunks := c.stagePut(b, id, ed.flags, ed.indexKeys, ed.payload, prev)
	removed, added := diffIndexKeys(prevIndexKeys, ed.indexKeys)
	for _, k := range removed {
		b.Delete(k)
	}
	for _, k := range added {
		b.Set(k, nil)
	}

	res, err := c.db.engine.Commit(ctx, b)
	if errors.Is(err, kv.ErrCheckFailed) {
		if req.mode == writeCreate {
			ConflictsTotal.WithLabelValues(c.name, "exists").Inc()
			return CommitResult{}, collErrf(c.name, req.op, id, ErrAlreadyExists, "")
		}
		if !req.conditional {
			return CommitResult{}, errLostRace
		}
		ConflictsTotal.WithLabelValues(c.name, "versionstamp").Inc()
		return CommitResult{}, collErrf(c.name, req.op, id, ErrVersionConflict, "concurrent write")
	} else if err != nil {
		return CommitResult{}, collErrf(c.name, req.op, id, err, "")
	}

	CommitsTotal.WithLabelValues(c.name, req.op).Inc()
	ValueSizeBytes.WithLabelValues(c.name).Observe(float64(len(ed.payload)))
	if chunks > 0 {
		ChunkedWritesTotal.WithLabelValues(c.name).Inc()
		ChunksWrittenTotal.WithLabelValues(c.name).Add(float64(chunks))
	}
	IndexMutationsTotal.WithLabelValues(c.name, "remove").Add(float64(len(removed)))
	IndexMutationsTotal.WithLabelValues(c.name, "insert").Add(float64(len(added)))

	if c.db.verbose {
		c.logger.Debug("kvdoc: PUT", zap.String("op", req.op), zap.Stringer("id", id), zap.Stringer("versionstamp", res.Versionstamp), zap.Int("chunks", chunks), c.logContent(v))
	}
	return CommitResult{ID: id, Versionstamp: res.Versionstamp.String()}, nil
}

// Delete removes the document with its chunks and index entries. Deleting
// an absent document is a no-op.
func (c *Collection[T]) Delete(ctx context.Context, id ID) error {
	_, err := c.delete(ctx, "delete", id)
	return err
}

// delete reports whether a document was removed. A document removed by
// someone else in the meantime makes it a no-op.
func (c *Collection[T]) delete(ctx context.Context, op string, id ID) (bool, error) {
	if err := id.validate(); err != nil {
		return false, collErrf(c.name, op, id, err, "")
	}
	for attempt := 1; ; attempt++ {
		prev, err := c.readPrev(ctx, id)
		if err != nil {
			return false, collErrf(c.name, op, id, err, "")
		}
		if prev == nil {
			if c.db.verbose {
				c.logger.Debug("kvdoc: DELETE.NOOP", zap.Stringer("id", id))
			}
			return false, nil
		}
		err = c.commitDelete(ctx, op, prev)
		if err == errLostRace {
			if c.lostRace(op, id, attempt) {
				continue
			}
			ConflictsTotal.WithLabelValues(c.name, "versionstamp").Inc()
			return false, collErrf(c.name, op, id, ErrVersionConflict, "concurrent writes, gave up after %d attempts", attempt)
		}
		return err == nil, err
	}
}

// commitDelete removes prev, returning errLostRace if the document no
// longer carries prev's versionstamp.
func (c *Collection[T]) commitDelete(ctx context.Context, op string, prev *storedValue) error {
	indexKeys, err := decodeIndexKeys(prev.value.Index)
	if err != nil {
		return collErrf(c.name, op, prev.id, err, "decoding index keys")
	}
	b := new(kv.Batch)
	b.Check(c.ks.primaryKey(prev.id), prev.versionstamp())
	c.ks.stageDelete(b, prev)
	for _, k := range indexKeys {
		b.Delete(k)
	}

	if _, err := c.db.engine.Commit(ctx, b); errors.Is(err, kv.ErrCheckFailed) {
		return errLostRace
	} else if err != nil {
		return collErrf(c.name, op, prev.id, err, "")
	}

	CommitsTotal.WithLabelValues(c.name, op).Inc()
	IndexMutationsTotal.WithLabelValues(c.name, "remove").Add(float64(len(indexKeys)))
	if c.db.verbose {
		c.logger.Debug("kvdoc: DELETE", zap.String("op", op), zap.Stringer("id", prev.id), zap.Int("chunks", prev.chunkCount()))
	}
	return nil
}
