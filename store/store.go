package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared SQLite database. Every component persists through
// it so that ledger transitions, intents and leases share one transactional
// domain.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
//
// _txlock=immediate makes every transaction a write transaction from the
// start, so two concurrent ledger transitions serialize at BEGIN instead of
// deadlocking on lock upgrade. Times in hot comparison columns are stored
// as unix seconds; audit timestamps go through the driver as UTC.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_loc=UTC", path)
	return open(dsn)
}

var memSeq atomic.Int64

// OpenMemory opens a private in-memory database, mainly for tests that do
// not exercise cross-connection concurrency.
func OpenMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate&_loc=UTC",
		memSeq.Add(1))
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for single-statement conditional writes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside one transaction. Callers keep these short: one
// strategy per transaction, no network I/O while it is open.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
