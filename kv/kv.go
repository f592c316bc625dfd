/*
Package kv defines the transactional, versioned key-value engine contract that
kvdoc builds on, and provides three implementations of it: an in-memory engine
(for tests and ephemeral data), a Bolt engine and a Pebble engine.

An engine offers:

1. Snapshot reads (View) with point gets and ordered range scans.

2. Atomic batches (Commit) of sets and deletes, guarded by optional
versionstamp checks. Every successful commit assigns one new, strictly
increasing versionstamp to all keys it sets.

3. Per-key subscriptions (Watch) delivering the current entry immediately and
then once per committed change to that key.

4. A bound on the size of a single value (MaxEntryBytes).

# Storage format

Each stored value is prefixed by the 8-byte big-endian versionstamp of the
commit that wrote it. The last assigned versionstamp is persisted by the
durable engines next to the data.
*/
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.uber.org/zap"
)

// DefaultMaxEntryBytes matches the value size limit of common hosted KV stores.
const DefaultMaxEntryBytes = 65536

var (
	ErrClosed        = errors.New("kv: engine closed")
	ErrCheckFailed   = errors.New("kv: check failed")
	ErrValueTooLarge = errors.New("kv: value too large")
	ErrInvalidKey    = errors.New("kv: invalid key")
)

// Consistency selects between a read of the latest committed state (Strong)
// and a read that may be served from a lagging replica (Eventual). All engines
// in this package are single-node, so both observe the latest commit.
type Consistency int

const (
	Strong Consistency = iota
	Eventual
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Eventual:
		return "eventual"
	default:
		return "invalid"
	}
}

// Entry is a key together with its value and versionstamp. An absent key is
// represented by an Entry with a zero Versionstamp.
type Entry struct {
	Key          []byte
	Value        []byte
	Versionstamp Versionstamp
}

func (e Entry) Exists() bool {
	return !e.Versionstamp.IsZero()
}

type CommitResult struct {
	Versionstamp Versionstamp
}

// Engine is the contract consumed by kvdoc. All methods are safe for
// concurrent use.
type Engine interface {
	// View runs fn against a consistent snapshot. The Reader and everything
	// it yields must not be used after fn returns.
	View(ctx context.Context, c Consistency, fn func(r Reader) error) error

	// Commit applies all checks and mutations of b atomically. If any check
	// fails, nothing is applied and the error matches ErrCheckFailed.
	Commit(ctx context.Context, b *Batch) (CommitResult, error)

	// Watch subscribes to changes of the given keys. The subscription lives
	// until it is cancelled, ctx is done, or the engine is closed.
	Watch(ctx context.Context, keys [][]byte) (*Subscription, error)

	// MaxEntryBytes is the largest value a single Set may carry.
	MaxEntryBytes() int

	Close() error
}

type Reader interface {
	// Get returns the entry for key; the entry does not Exist if the key is absent.
	Get(key []byte) (Entry, error)

	// Scan yields entries within rang in key order (reverse order if
	// rang.Reverse is set).
	Scan(rang Range) iter.Seq2[Entry, error]

	// Versionstamp returns the versionstamp of the last commit visible to
	// this reader, or zero if there was none.
	Versionstamp() (Versionstamp, error)
}

type Options struct {
	// MaxEntryBytes overrides DefaultMaxEntryBytes when non-zero.
	MaxEntryBytes int

	// NoSync skips fsync on commit; intended for tests.
	NoSync bool

	// InMemory keeps Pebble files in an in-memory filesystem.
	InMemory bool

	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// readEntries gets every key from r, in order.
func readEntries(r Reader, keys [][]byte) ([]Entry, error) {
	out := make([]Entry, len(keys))
	for i, k := range keys {
		e, err := r.Get(k)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func validateKeys(keys [][]byte) error {
	for _, k := range keys {
		if len(k) == 0 {
			return fmt.Errorf("%w: empty key", ErrInvalidKey)
		}
	}
	return nil
}

func (o Options) maxEntryBytes() int {
	if o.MaxEntryBytes > 0 {
		return o.MaxEntryBytes
	}
	return DefaultMaxEntryBytes
}
