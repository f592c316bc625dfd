package kvdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/andreyvit/kvdoc/kv"
)

// scanPageSize is the number of primary entries ForEach and DeleteMany read
// per snapshot.
const scanPageSize = 256

// ListOptions selects documents for collection scans. Documents are visited
// in key order (reverse key order with Reverse).
type ListOptions[T any] struct {
	// Filter, when set, skips documents it returns false for.
	Filter func(doc *Document[T]) bool

	// Limit bounds the number of matching documents when positive.
	Limit int

	Consistency kv.Consistency
	Reverse     bool
}

func (opt *ListOptions[T]) matches(doc *Document[T]) bool {
	return opt.Filter == nil || opt.Filter(doc)
}

type scanItem[T any] struct {
	sv  *storedValue
	doc *Document[T]
}

// scanIn visits the primary entries of rang in r, yielding decoded matching
// documents to emit until it returns false. Returns the number of entries
// read and the last key read.
func (c *Collection[T]) scanIn(r kv.Reader, rang kv.Range, opt *ListOptions[T], emit func(item scanItem[T]) bool) (n int, last []byte, err error) {
	for e, err := range r.Scan(rang) {
		if err != nil {
			return n, last, err
		}
		n++
		last = e.Key
		id, err := c.ks.decodePrimaryKey(e.Key)
		if err != nil {
			return n, last, err
		}
		sv, err := c.ks.decodeStored(id, e)
		if err != nil {
			return n, last, err
		}
		doc, err := c.decodeDocument(r, sv)
		if err != nil {
			return n, last, err
		}
		if !opt.matches(doc) {
			continue
		}
		if !emit(scanItem[T]{sv, doc}) {
			break
		}
	}
	return n, last, nil
}

func (c *Collection[T]) primaryRange(opt *ListOptions[T]) kv.Range {
	rang := kv.PrefixRange(c.ks.idPrefix)
	rang.Reverse = opt.Reverse
	return rang
}

// GetMany returns the matching documents, read from one snapshot.
func (c *Collection[T]) GetMany(ctx context.Context, opt ListOptions[T]) ([]*Document[T], error) {
	var docs []*Document[T]
	err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
		_, _, err := c.scanIn(r, c.primaryRange(&opt), &opt, func(item scanItem[T]) bool {
			docs = append(docs, item.doc)
			return opt.Limit <= 0 || len(docs) < opt.Limit
		})
		return err
	})
	if err != nil {
		return nil, collErrf(c.name, "getMany", ID{}, err, "")
	}
	if c.db.verbose {
		c.logger.Debug("kvdoc: SCAN", zap.Int("limit", opt.Limit), zap.Bool("reverse", opt.Reverse), zap.Int("found", len(docs)))
	}
	return docs, nil
}

// Count returns the number of matching documents. Without a Filter, only
// primary keys are scanned and no document is decoded.
func (c *Collection[T]) Count(ctx context.Context, opt ListOptions[T]) (int, error) {
	var count int
	err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
		if opt.Filter == nil {
			for _, err := range r.Scan(c.primaryRange(&opt)) {
				if err != nil {
					return err
				}
				count++
				if opt.Limit > 0 && count >= opt.Limit {
					break
				}
			}
			return nil
		}
		_, _, err := c.scanIn(r, c.primaryRange(&opt), &opt, func(scanItem[T]) bool {
			count++
			return opt.Limit <= 0 || count < opt.Limit
		})
		return err
	})
	if err != nil {
		return 0, collErrf(c.name, "count", ID{}, err, "")
	}
	return count, nil
}

// scanPages runs fn for every matching document. Each page of up to
// scanPageSize primary entries is read from its own snapshot, and fn runs
// after that snapshot is released, so fn may write to the database.
func (c *Collection[T]) scanPages(ctx context.Context, opt *ListOptions[T], fn func(item scanItem[T]) error) error {
	var after []byte
	var matched int
	for {
		rang := c.primaryRange(opt).Limited(scanPageSize)
		if after != nil {
			if opt.Reverse {
				rang.End = after
			} else {
				rang.Start = append(bytes.Clone(after), 0)
			}
		}

		var page []scanItem[T]
		var n int
		err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
			var err error
			n, after, err = c.scanIn(r, rang, opt, func(item scanItem[T]) bool {
				page = append(page, item)
				return opt.Limit <= 0 || matched+len(page) < opt.Limit
			})
			return err
		})
		if err != nil {
			return err
		}

		for _, item := range page {
			matched++
			if err := fn(item); err != nil {
				return err
			}
		}
		if n < scanPageSize || (opt.Limit > 0 && matched >= opt.Limit) {
			return nil
		}
	}
}

// ForEach calls fn for every matching document in key order. Returning
// Break from fn stops the iteration without an error.
func (c *Collection[T]) ForEach(ctx context.Context, fn func(doc *Document[T]) error, opt ListOptions[T]) error {
	err := c.scanPages(ctx, &opt, func(item scanItem[T]) error {
		return fn(item.doc)
	})
	if errors.Is(err, Break) {
		return nil
	} else if err != nil {
		var ce *CollectionError
		if errors.As(err, &ce) {
			return err
		}
		return collErrf(c.name, "forEach", ID{}, err, "")
	}
	return nil
}

// DeleteMany deletes every matching document, each in its own commit that
// is conditional on the versionstamp the document was matched at. Documents
// changed concurrently are skipped but count toward Limit. Returns the
// number of documents deleted.
func (c *Collection[T]) DeleteMany(ctx context.Context, opt ListOptions[T]) (int, error) {
	var deleted int
	err := c.scanPages(ctx, &opt, func(item scanItem[T]) error {
		err := c.commitDelete(ctx, "deleteMany", item.sv)
		if err == errLostRace {
			ConflictsTotal.WithLabelValues(c.name, "versionstamp").Inc()
			if c.db.verbose {
				c.logger.Debug("kvdoc: DELETE.SKIP", zap.Stringer("id", item.sv.id))
			}
			return nil
		} else if err != nil {
			return err
		}
		deleted++
		return nil
	})
	if err != nil {
		var ce *CollectionError
		if errors.As(err, &ce) {
			return deleted, err
		}
		return deleted, collErrf(c.name, "deleteMany", ID{}, err, "")
	}
	return deleted, nil
}

func (c *Collection[T]) lookupIndex(op, name string) (*Index[T], error) {
	idx := c.indexesByName[name]
	if idx == nil {
		return nil, collErrf(c.name, op, ID{}, nil, "unknown index %q", name)
	}
	return idx, nil
}

// FindByIndex returns the matching documents whose index name has the
// given value, ordered by ID.
func (c *Collection[T]) FindByIndex(ctx context.Context, name string, value any, opt ListOptions[T]) ([]*Document[T], error) {
	const op = "findByIndex"
	idx, err := c.lookupIndex(op, name)
	if err != nil {
		return nil, err
	}
	elem, err := idx.valueElem(value)
	if err != nil {
		return nil, collErrf(c.name, op, ID{}, err, "")
	}
	// an ID element never starts with escByte, while a longer value that
	// extends this one through a 0x00 continues with it
	start := append(bytes.Clone(idx.namePrefix), elem...)
	rang := kv.PrefixRange(idx.namePrefix).Between(start, append(bytes.Clone(start), escByte))
	return c.indexScan(ctx, op, idx, rang, &opt)
}

// FindByIndexRange returns the matching documents whose index name has a
// value in [lower, upper), ordered by value, then by ID. A nil bound is
// open. Values of different types order by type first.
func (c *Collection[T]) FindByIndexRange(ctx context.Context, name string, lower, upper any, opt ListOptions[T]) ([]*Document[T], error) {
	const op = "findByIndexRange"
	idx, err := c.lookupIndex(op, name)
	if err != nil {
		return nil, err
	}
	rang := kv.PrefixRange(idx.namePrefix)
	if lower != nil {
		elem, err := idx.valueElem(lower)
		if err != nil {
			return nil, collErrf(c.name, op, ID{}, err, "lower bound")
		}
		rang.Start = append(bytes.Clone(idx.namePrefix), elem...)
	}
	if upper != nil {
		elem, err := idx.valueElem(upper)
		if err != nil {
			return nil, collErrf(c.name, op, ID{}, err, "upper bound")
		}
		rang.End = append(bytes.Clone(idx.namePrefix), elem...)
	}
	return c.indexScan(ctx, op, idx, rang, &opt)
}

// indexScan resolves index entries of rang to documents within one snapshot.
func (c *Collection[T]) indexScan(ctx context.Context, op string, idx *Index[T], rang kv.Range, opt *ListOptions[T]) ([]*Document[T], error) {
	rang.Reverse = opt.Reverse
	var docs []*Document[T]
	err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
		for e, err := range r.Scan(rang) {
			if err != nil {
				return err
			}
			id, err := decodeIndexKey(idx.namePrefix, e.Key)
			if err != nil {
				return err
			}
			sv, err := c.ks.readStored(r, id)
			if err != nil {
				return err
			}
			if sv == nil {
				return fmt.Errorf("%s: entry %s refers to a missing document", idx.FullName(), formatKey(e.Key))
			}
			doc, err := c.decodeDocument(r, sv)
			if err != nil {
				return err
			}
			if !opt.matches(doc) {
				continue
			}
			docs = append(docs, doc)
			if opt.Limit > 0 && len(docs) >= opt.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, collErrf(c.name, op, ID{}, err, "")
	}
	if c.db.verbose {
		c.logger.Debug("kvdoc: LOOKUP", zap.String("index", idx.FullName()), zap.Int("found", len(docs)))
	}
	return docs, nil
}
