package kvdoc

import (
	"context"

	"go.uber.org/zap"

	"github.com/andreyvit/kvdoc/kv"
)

type ReadOptions struct {
	Consistency kv.Consistency
}

// Find returns the document stored under id, or nil if there is none.
func (c *Collection[T]) Find(ctx context.Context, id ID, opt ReadOptions) (*Document[T], error) {
	if err := id.validate(); err != nil {
		return nil, collErrf(c.name, "find", id, err, "")
	}
	var doc *Document[T]
	err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
		var err error
		doc, err = c.findIn(r, id)
		return err
	})
	if err != nil {
		return nil, collErrf(c.name, "find", id, err, "")
	}
	return doc, nil
}

// FindMany reads the given documents from one snapshot. Absent IDs are
// omitted; the rest keep their input order, duplicates included.
func (c *Collection[T]) FindMany(ctx context.Context, ids []ID, opt ReadOptions) ([]*Document[T], error) {
	for _, id := range ids {
		if err := id.validate(); err != nil {
			return nil, collErrf(c.name, "findMany", id, err, "")
		}
	}
	docs := make([]*Document[T], 0, len(ids))
	err := c.db.engine.View(ctx, opt.Consistency, func(r kv.Reader) error {
		for _, id := range ids {
			doc, err := c.findIn(r, id)
			if err != nil {
				return err
			}
			if doc != nil {
				docs = append(docs, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, collErrf(c.name, "findMany", ID{}, err, "")
	}
	return docs, nil
}

func (c *Collection[T]) findIn(r kv.Reader, id ID) (*Document[T], error) {
	sv, err := c.ks.readStored(r, id)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		if c.db.verbose {
			c.logger.Debug("kvdoc: GET.NOTFOUND", zap.Stringer("id", id))
		}
		return nil, nil
	}
	doc, err := c.decodeDocument(r, sv)
	if err != nil {
		return nil, err
	}
	if c.db.verbose {
		c.logger.Debug("kvdoc: GET", zap.Stringer("id", id), zap.String("versionstamp", doc.Versionstamp), c.logContent(&doc.Value))
	}
	return doc, nil
}
