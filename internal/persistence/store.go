// Package persistence is the SQLite-backed store behind the scheduler,
// session manager, quality controller, and breakpoint manager.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// queryTimeout bounds every statement so a wedged database cannot stall the
// iteration loop.
const queryTimeout = 5 * time.Second

// SQLiteStore implements the store seams of the scheduler, session, quality,
// and breakpoint packages on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string, so that pragma runs separately below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

var memStoreSeq atomic.Int64

// NewMemoryStore creates an in-memory store for testing. Each call gets its
// own database; the shared cache only spans the connections of one store.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memStoreSeq.Add(1))
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Two connections: one for primary queries, one for subqueries
	// (prevents deadlock when loading dependencies while iterating tasks).
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// txKey carries the active transaction through a WithTx scope.
type txKey struct{}

func activeTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithTx runs fn inside one transaction scope. Store calls made with the
// context fn receives join that transaction; nested WithTx scopes run under
// savepoints, so only the outermost scope commits or rolls back the whole.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := activeTx(ctx); ok {
		return runInSavepoint(ctx, tx, func(tx *sql.Tx) error { return fn(ctx) })
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withTx runs fn inside a serializable transaction with a query timeout.
// Inside a WithTx scope it joins the scope's transaction under a savepoint;
// otherwise it owns a transaction that commits only when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if tx, ok := activeTx(ctx); ok {
		return runInSavepoint(ctx, tx, fn)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is the read surface shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader returns the active transaction when inside a WithTx scope, so reads
// observe the scope's uncommitted writes.
func (s *SQLiteStore) reader(ctx context.Context) querier {
	if tx, ok := activeTx(ctx); ok {
		return tx
	}
	return s.db
}

var savepointSeq atomic.Int64

// runInSavepoint scopes fn to a savepoint on an already-open transaction: an
// fn error rolls back to the savepoint without touching outer work.
func runInSavepoint(ctx context.Context, tx *sql.Tx, fn func(tx *sql.Tx) error) error {
	name := fmt.Sprintf("sp_%d", savepointSeq.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	if err := fn(tx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rolling back savepoint after %w: %v", err, rbErr)
		}
		tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
