package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog stores contacts in the contacts table. Decisions for one
// volunteer, voter and channel are serialized with a transaction-scoped
// advisory lock so two replays racing each other cannot both insert.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) InsertIfNotRecent(ctx context.Context, c Contact, since time.Time) (Recorded, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Recorded{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key(c)); err != nil {
		return Recorded{}, fmt.Errorf("advisory lock: %w", err)
	}

	var existing string
	err = tx.QueryRow(ctx, `
		SELECT id::text
		FROM contacts
		WHERE volunteer_email = $1 AND voter_id = $2 AND channel = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, c.Volunteer, c.VoterID, string(c.Channel), since).Scan(&existing)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return Recorded{}, fmt.Errorf("commit: %w", err)
		}
		return Recorded{ContactID: existing, Duplicate: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Recorded{}, fmt.Errorf("find recent: %w", err)
	}

	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contacts (id, volunteer_email, voter_id, channel, outcome, notes, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, c.ID, c.Volunteer, c.VoterID, string(c.Channel), c.Outcome, c.Notes, payload, c.CreatedAt); err != nil {
		return Recorded{}, fmt.Errorf("insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Recorded{}, fmt.Errorf("commit: %w", err)
	}
	return Recorded{ContactID: c.ID}, nil
}

// Recent returns the volunteer's newest contacts, newest first.
func (l *PostgresLog) Recent(ctx context.Context, volunteer string, limit int) ([]Contact, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id::text, volunteer_email, voter_id, channel, outcome, notes, payload::text, created_at
		FROM contacts
		WHERE volunteer_email = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, volunteer, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var channel, payload string
		if err := rows.Scan(&c.ID, &c.Volunteer, &c.VoterID, &channel, &c.Outcome, &c.Notes, &payload, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Channel = Channel(channel)
		c.Payload = []byte(payload)
		out = append(out, c)
	}
	return out, rows.Err()
}
