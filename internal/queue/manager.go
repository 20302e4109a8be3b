package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/fieldqueue/internal/store"
)

// Manager is the durable Queue backed by a store.Store.
type Manager struct {
	st  *store.Store
	now func() time.Time
}

// NewManager returns a Manager over an open store.
func NewManager(st *store.Store) *Manager {
	return &Manager{st: st, now: time.Now}
}

func (m *Manager) Durable() bool { return true }

func (m *Manager) nowMillis() int64 { return m.now().UnixMilli() }

// SavePending stamps the submission and inserts it. Identical content is
// never deduplicated here.
func (m *Manager) SavePending(ctx context.Context, sub Submission) (int64, error) {
	sub = normalize(sub)
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return 0, fmt.Errorf("encode headers: %w", err)
	}

	var id int64
	err = m.st.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending (endpoint, method, body, headers, type, timestamp, retries, last_attempt)
			VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
			sub.Endpoint, sub.Method, nullableBody(sub.Body), string(headers), string(sub.Type), m.nowMillis())
		if err != nil {
			return fmt.Errorf("insert pending: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetPending returns every record in insertion order.
func (m *Manager) GetPending(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	err := m.st.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, endpoint, method, body, headers, type, timestamp, retries, last_attempt
			FROM pending ORDER BY id`)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				op      Operation
				body    []byte
				headers string
				typ     string
				last    sql.NullInt64
			)
			if err := rows.Scan(&op.ID, &op.Endpoint, &op.Method, &body, &headers, &typ, &op.Timestamp, &op.Retries, &last); err != nil {
				return fmt.Errorf("scan pending: %w", err)
			}
			op.Body = body
			op.Type = Type(typ)
			if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
				return fmt.Errorf("decode headers for %d: %w", op.ID, err)
			}
			if last.Valid {
				v := last.Int64
				op.LastAttempt = &v
			}
			ops = append(ops, op)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (m *Manager) ClearPending(ctx context.Context, id int64) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id)
		return err
	})
}

// UpdateRetryCount records a failed replay. Retries never decrease, so a
// slower overlapping pass cannot roll the count back.
func (m *Manager) UpdateRetryCount(ctx context.Context, id int64, retries int) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE pending SET retries = MAX(retries, ?), last_attempt = ? WHERE id = ?`,
			retries, m.nowMillis(), id)
		return err
	})
}

// DropPending moves a record to dead_letters. It reports false when the
// record was already gone.
func (m *Manager) DropPending(ctx context.Context, id int64, reason string) (bool, error) {
	var dropped bool
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (operation_id, endpoint, method, body, headers, type, timestamp, attempts, reason, dropped_at)
			SELECT id, endpoint, method, body, headers, type, timestamp, retries + 1, ?, ?
			FROM pending WHERE id = ?`,
			reason, m.nowMillis(), id)
		if err != nil {
			return fmt.Errorf("archive pending: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		dropped = true
		return nil
	})
	return dropped, err
}

func (m *Manager) GetPendingCount(ctx context.Context) (Counts, error) {
	var c Counts
	err := m.st.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT type, COUNT(*) FROM pending GROUP BY type`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				typ string
				n   int
			)
			if err := rows.Scan(&typ, &n); err != nil {
				return err
			}
			c.add(Type(typ), n)
		}
		return rows.Err()
	})
	return c, err
}

// ClearAllPending wipes the queue. Reset tooling only.
func (m *Manager) ClearAllPending(ctx context.Context) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending`)
		return err
	})
}

func (m *Manager) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := m.st.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, operation_id, endpoint, method, body, headers, type, timestamp, attempts, reason, dropped_at
			FROM dead_letters ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				dl      DeadLetter
				body    []byte
				headers string
				typ     string
			)
			if err := rows.Scan(&dl.ID, &dl.OperationID, &dl.Endpoint, &dl.Method, &body, &headers, &typ,
				&dl.Timestamp, &dl.Attempts, &dl.Reason, &dl.DroppedAt); err != nil {
				return err
			}
			dl.Body = body
			dl.Type = Type(typ)
			if err := json.Unmarshal([]byte(headers), &dl.Headers); err != nil {
				return fmt.Errorf("decode headers for dead letter %d: %w", dl.ID, err)
			}
			out = append(out, dl)
		}
		return rows.Err()
	})
	return out, err
}

func (m *Manager) ClearDeadLetters(ctx context.Context) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM dead_letters`)
		return err
	})
}

func nullableBody(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// IsUnavailable reports whether err means durable storage cannot be used.
func IsUnavailable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
