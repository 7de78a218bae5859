package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds store tuning.
type Config struct {
	// RetentionTTL bounds the lifetime of job records and failure logs.
	RetentionTTL time.Duration
	// ChunkTTL bounds the lifetime of chunk blobs awaiting processing.
	ChunkTTL time.Duration
	// SyncWrites forces an fsync per commit. Off by default, matching the
	// durability/throughput trade-off of the rest of the pipeline.
	SyncWrites bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetentionTTL: 7 * 24 * time.Hour,
		ChunkTTL:     24 * time.Hour,
	}
}

// Store is the durable state layer for the import pipeline: job records,
// chunk blobs, and failure logs in a single badger database. All shared
// mutable state lives here; ingestion and the engine hold nothing across
// invocations.
type Store struct {
	db  *badger.DB
	cfg Config
}

// Open creates or opens the badger database at dataDir/ferry.
func Open(dataDir string, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = def.RetentionTTL
	}
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = def.ChunkTTL
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(dataDir, "ferry"))
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	slog.Info("store opened", "dir", opts.Dir, "sync_writes", cfg.SyncWrites)
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const maxTxnRetries = 16

// update runs fn in a read-write transaction, retrying on optimistic conflict.
// Badger's SSI detects overlapping read-modify-write transactions and aborts
// the loser with ErrConflict; retrying makes every single-key update behave as
// an atomic operation, which is all the pipeline's invariants require.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxnRetries, err)
}

// view runs fn in a read-only transaction.
func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}
