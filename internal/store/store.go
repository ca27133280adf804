// Package store provides the ordered key-value store backing the address
// index. Keys are raw bytes compared lexicographically; all index rows are
// written through batches and read back through prefix scans.
package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = leveldb.ErrNotFound

// Row is a single key/value pair. Values may be empty; the key alone carries
// the information for most row kinds.
type Row struct {
	Key   []byte
	Value []byte
}

// Config holds store configuration.
type Config struct {
	// Path is the database directory. Empty means an in-memory store
	// (tests only).
	Path string

	// AutoCompact enables background compaction. The initial bulk build
	// opens the store with AutoCompact disabled, compacts once manually,
	// then reopens for steady state.
	AutoCompact bool
}

// Store is a thin adapter over goleveldb shared by the indexer (single
// writer) and the query paths (concurrent readers).
type Store struct {
	db   *leveldb.DB
	path string

	// compactNeeded is set when the store was opened for bulk build and a
	// manual compaction has not happened yet.
	mu            sync.Mutex
	compactNeeded bool

	log *logging.Logger
}

// syncKey is bumped by Flush with a synced write, forcing the write-ahead
// log to disk for everything written before it.
var syncKey = []byte("Msync")

// Open opens (or creates) the store at cfg.Path.
func Open(cfg *Config) (*Store, error) {
	opts := &opt.Options{
		// Batches from the indexer are a few MB; keep the memtable
		// comfortably larger so a block never spans a flush.
		WriteBuffer:            16 * opt.MiB,
		OpenFilesCacheCapacity: 256,
	}
	if !cfg.AutoCompact {
		// Defer compaction work until the bulk build is done: let L0
		// grow instead of stalling writes, then CompactIfNeeded does a
		// single full-range pass.
		opts.CompactionL0Trigger = 1 << 20
		opts.WriteL0SlowdownTrigger = 1 << 20
		opts.WriteL0PauseTrigger = 1 << 21
		opts.DisableSeeksCompaction = true
	}

	var (
		db  *leveldb.DB
		err error
	)
	if cfg.Path == "" {
		db, err = leveldb.Open(ldbstorage.NewMemStorage(), opts)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		db, err = leveldb.OpenFile(cfg.Path, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %q: %w", cfg.Path, err)
	}

	return &Store{
		db:            db,
		path:          cfg.Path,
		compactNeeded: !cfg.AutoCompact,
		log:           logging.GetDefault().Component("store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database directory ("" for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// WriteBatch atomically applies a set of puts. Durability is deferred until
// Flush; readers observe either none or all of the batch.
func (s *Store) WriteBatch(rows []Row) error {
	batch := new(leveldb.Batch)
	for _, row := range rows {
		batch.Put(row.Key, row.Value)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: false}); err != nil {
		return fmt.Errorf("failed to write batch of %d rows: %w", len(rows), err)
	}
	return nil
}

// Flush forces durability up to the last written batch by issuing a single
// synced write. The write-ahead log is ordered, so syncing the marker syncs
// everything before it.
func (s *Store) Flush() error {
	if err := s.db.Put(syncKey, nil, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Scan returns an iterator over all rows whose key starts with prefix, in
// ascending key order. The caller must call Release when done.
func (s *Store) Scan(prefix []byte) iterator.Iterator {
	return s.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, nil)
}

// Put stores a single row. Used only for the tip marker; index rows go
// through WriteBatch.
func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

// CompactIfNeeded runs a one-shot full-range compaction if the store was
// opened with AutoCompact disabled. It is a no-op otherwise, and a no-op on
// repeated calls.
func (s *Store) CompactIfNeeded() error {
	s.mu.Lock()
	needed := s.compactNeeded
	s.compactNeeded = false
	s.mu.Unlock()
	if !needed {
		return nil
	}
	s.log.Info("starting full compaction")
	if err := s.db.CompactRange(util.Range{}); err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}
	s.log.Info("full compaction finished")
	return nil
}
