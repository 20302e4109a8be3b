package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions, tracked in PRAGMA user_version:
// 1 - pending table with timestamp and type indexes
// 2 - dead_letters table for records dropped at the retry ceiling
const SchemaVersion = 2

// ErrUnavailable is matched by every error returned from this package except
// the caller's own context errors. Callers treat it as "offline durability
// unavailable".
var ErrUnavailable = errors.New("durable store unavailable")

// StorageError records the store operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrUnavailable }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Store is a versioned SQLite database holding the offline queue.
type Store struct {
	db   *sql.DB
	path string
}

// dsn applies pragmas on every connection. busy_timeout comes first so the
// WAL switch waits out a concurrent opener. _txlock=immediate makes every
// write transaction take the reserved lock up front.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open creates or opens the store at path and brings its schema up to
// SchemaVersion. It is safe to call concurrently on the same file: the
// migration runs in one immediate transaction and re-reads user_version
// after taking the write lock.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrap("open", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	return s.Update(ctx, func(tx *sql.Tx) error {
		var version int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("read user_version: %w", err)
		}
		if version > SchemaVersion {
			return fmt.Errorf("schema version %d is newer than supported %d", version, SchemaVersion)
		}
		if version == SchemaVersion {
			return nil
		}

		if version < 1 {
			if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
				return fmt.Errorf("apply schema v1: %w", err)
			}
		}
		if version < 2 {
			if err := migrateToV2(ctx, tx); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	})
}

func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id INTEGER NOT NULL,
			endpoint     TEXT    NOT NULL,
			method       TEXT    NOT NULL,
			body         BLOB,
			headers      TEXT    NOT NULL DEFAULT '{}',
			type         TEXT    NOT NULL,
			timestamp    INTEGER NOT NULL,
			attempts     INTEGER NOT NULL,
			reason       TEXT    NOT NULL,
			dropped_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_dropped_at ON dead_letters(dropped_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// Update runs fn in a write transaction. fn's error rolls everything back.
func (s *Store) Update(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.inTx(ctx, "update", &sql.TxOptions{}, fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.inTx(ctx, "view", &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *Store) inTx(ctx context.Context, op string, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return s.fail(ctx, op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.fail(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(ctx, op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// fail reports a cancelled or expired ctx as ctx.Err(). The driver surfaces
// cancellation in several shapes (sql.ErrTxDone, interrupted statements) and
// none of them mean the file is unusable.
func (s *Store) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return wrap(op, err)
}

// Version returns the schema version recorded in the file.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, wrap("version", err)
	}
	return v, nil
}

// Ping reports whether the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return wrap("close", s.db.Close())
}
