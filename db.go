package kvdoc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andreyvit/kvdoc/kv"
)

const (
	DefaultMaxIDAttempts    = 8
	DefaultMaxWriteAttempts = 8
	DefaultAddConcurrency   = 8
)

// DB binds collections to a kv.Engine.
type DB struct {
	engine  kv.Engine
	logger  *zap.Logger
	verbose bool

	encoding         Encoding
	compression      bool
	chunkSize        int
	maxIDAttempts    int
	maxWriteAttempts int
	addConcurrency   int

	mu          sync.Mutex
	collections map[string]bool
}

type Options struct {
	Logger *zap.Logger

	// Verbose logs every operation at debug level.
	Verbose bool

	Encoding Encoding

	// Compression zstd-compresses document payloads before chunking.
	Compression bool

	// ChunkSize caps the size of one chunk; 0 or anything above the engine's
	// MaxEntryBytes means MaxEntryBytes.
	ChunkSize int

	// MaxIDAttempts bounds the number of fresh IDs Add tries before failing
	// with ErrIDGenerationExhausted. Defaults to DefaultMaxIDAttempts.
	MaxIDAttempts int

	// MaxWriteAttempts bounds how many times an unconditional Set, Update or
	// Delete re-reads the document after losing a race with another commit.
	// Defaults to DefaultMaxWriteAttempts.
	MaxWriteAttempts int

	// AddConcurrency bounds the number of concurrent commits in AddMany.
	AddConcurrency int

	// Registerer, when set, receives the collection metrics.
	Registerer prometheus.Registerer
}

func Open(engine kv.Engine, opt Options) (*DB, error) {
	if engine == nil {
		return nil, fmt.Errorf("kvdoc: nil engine")
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.Registerer != nil {
		if err := RegisterMetrics(opt.Registerer); err != nil {
			return nil, fmt.Errorf("kvdoc: registering metrics: %w", err)
		}
	}

	chunkSize := engine.MaxEntryBytes()
	if opt.ChunkSize > 0 && opt.ChunkSize < chunkSize {
		chunkSize = opt.ChunkSize
	}
	db := &DB{
		engine:           engine,
		logger:           logger,
		verbose:          opt.Verbose,
		encoding:         opt.Encoding,
		compression:      opt.Compression,
		chunkSize:        chunkSize,
		maxIDAttempts:    opt.MaxIDAttempts,
		maxWriteAttempts: opt.MaxWriteAttempts,
		addConcurrency:   opt.AddConcurrency,
		collections:      make(map[string]bool),
	}
	if db.maxIDAttempts <= 0 {
		db.maxIDAttempts = DefaultMaxIDAttempts
	}
	if db.maxWriteAttempts <= 0 {
		db.maxWriteAttempts = DefaultMaxWriteAttempts
	}
	if db.addConcurrency <= 0 {
		db.addConcurrency = DefaultAddConcurrency
	}
	logger.Debug("kvdoc: opened",
		zap.Stringer("encoding", db.encoding),
		zap.Bool("compression", db.compression),
		zap.Int("chunk_size", db.chunkSize),
		zap.Int("max_entry_bytes", engine.MaxEntryBytes()),
	)
	return db, nil
}

func (db *DB) Engine() kv.Engine {
	return db.engine
}

func (db *DB) Logger() *zap.Logger {
	return db.logger
}

// Close closes the underlying engine, terminating all watchers.
func (db *DB) Close() error {
	return db.engine.Close()
}

func (db *DB) register(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.collections[name] {
		panic(fmt.Errorf("kvdoc: collection %q defined twice", name))
	}
	db.collections[name] = true
}

// CollectionNames returns the names of the collections defined on db, sorted.
func (db *DB) CollectionNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
