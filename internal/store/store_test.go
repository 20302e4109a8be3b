package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q) error: %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func tableExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	err := s.View(context.Background(), func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','index') AND name = ?`, name).Scan(&n)
	})
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return n == 1
}

func TestOpen_CreatesSchema(t *testing.T) {
	s, _ := openTemp(t)

	v, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("Version() = %d, want %d", v, SchemaVersion)
	}

	for _, name := range []string{"pending", "idx_pending_timestamp", "idx_pending_type", "dead_letters"} {
		if !tableExists(t, s, name) {
			t.Errorf("schema object %q missing", name)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := openTemp(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pending(endpoint, method, timestamp) VALUES ('/api/call', 'POST', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var n int
	if err := reopened.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM pending`).Scan(&n)
	}); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("pending rows after reopen = %d, want 1", n)
	}
}

func TestOpen_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")

	const openers = 8
	var wg sync.WaitGroup
	errs := make(chan error, openers)
	stores := make(chan *Store, openers)

	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := Open(path)
			if err != nil {
				errs <- err
				return
			}
			stores <- s
		}()
	}
	wg.Wait()
	close(errs)
	close(stores)

	for err := range errs {
		t.Errorf("concurrent Open() error: %v", err)
	}
	for s := range stores {
		if v, err := s.Version(context.Background()); err != nil || v != SchemaVersion {
			t.Errorf("Version() = %d, %v; want %d", v, err, SchemaVersion)
		}
		s.Close()
	}
}

func TestOpen_MigratesV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := raw.Exec(schemaSQL); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO pending(endpoint, method, timestamp) VALUES ('/api/pulse', 'POST', 5)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := raw.Exec(`PRAGMA user_version = 1`); err != nil {
		t.Fatalf("set version: %v", err)
	}
	raw.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if !tableExists(t, s, "dead_letters") {
		t.Error("v2 migration did not create dead_letters")
	}
	var n int
	_ = s.View(context.Background(), func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM pending`).Scan(&n)
	})
	if n != 1 {
		t.Errorf("pending rows after migration = %d, want 1", n)
	}
}

func TestOpen_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := raw.Exec(`PRAGMA user_version = 99`); err != nil {
		t.Fatalf("set version: %v", err)
	}
	raw.Close()

	if _, err := Open(path); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Open() error = %v, want ErrUnavailable", err)
	}
}

func TestOpen_Unavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "offline.db")

	_, err := Open(path)
	if err == nil {
		t.Fatal("Open() expected error for missing directory")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("errors.Is(err, ErrUnavailable) = false for %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "open" {
		t.Errorf("error = %#v, want *StorageError with Op open", err)
	}
}

func TestUpdate_RollsBack(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO pending(endpoint, method, timestamp) VALUES ('/api/call', 'POST', 1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Update() error = %v, want wrapped boom", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Update() error should match ErrUnavailable")
	}

	var n int
	_ = s.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM pending`).Scan(&n)
	})
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestClose_ThenPing(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() after Close = %v, want ErrUnavailable", err)
	}
}

func TestUpdate_CancelledContext(t *testing.T) {
	s, _ := openTemp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for name, run := range map[string]func(context.Context, func(*sql.Tx) error) error{
		"update": s.Update,
		"view":   s.View,
	} {
		err := run(ctx, func(tx *sql.Tx) error {
			return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(new(int))
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s error = %v, want context.Canceled", name, err)
		}
		if errors.Is(err, ErrUnavailable) {
			t.Errorf("%s error %v should not match ErrUnavailable", name, err)
		}
	}

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after cancelled calls: %v", err)
	}
}
