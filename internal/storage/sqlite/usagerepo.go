package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/compresr/pool-gateway/internal/usage"
)

// Compile-time interface satisfaction checks.
var (
	_ usage.Sink    = (*UsageRepo)(nil)
	_ usage.Counter = (*UsageRepo)(nil)
)

// UsageRepo is the SQLite append-only usage log.
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new UsageRepo.
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Write appends entries in one transaction.
func (r *UsageRepo) Write(ctx context.Context, entries []usage.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO usage_log
		(request_id, user_id, credential_id, model, endpoint, attempt, stream,
		 status_code, latency_ms, input_tokens, output_tokens, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare usage write: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			e.RequestID, e.UserID, e.CredentialID, e.Model, e.Endpoint, e.Attempt, boolToInt(e.Stream),
			e.StatusCode, e.LatencyMs, e.InputTokens, e.OutputTokens, e.Error, formatTime(ts),
		)
		if err != nil {
			return fmt.Errorf("insert usage entry %q: %w", e.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage write: %w", err)
	}
	return nil
}

// CountSuccessesSince returns the number of successful pool attempts per
// user recorded at or after since. Passthrough rows carry no credential and
// do not count toward the daily quota.
func (r *UsageRepo) CountSuccessesSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	const query = `SELECT user_id, COUNT(*) FROM usage_log
		WHERE status_code >= 200 AND status_code < 300 AND created_at >= ?
		  AND credential_id != ''
		GROUP BY user_id`

	rows, err := r.db.Reader.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("count usage since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var userID string
		var n int64
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan usage count: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage counts: %w", err)
	}
	return counts, nil
}

// Recent returns the newest entries, newest first.
func (r *UsageRepo) Recent(ctx context.Context, limit int) ([]usage.Entry, error) {
	const query = `SELECT request_id, user_id, credential_id, model, endpoint, attempt, stream,
		status_code, latency_ms, input_tokens, output_tokens, error, created_at
		FROM usage_log ORDER BY id DESC LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent usage: %w", err)
	}
	defer rows.Close()

	var entries []usage.Entry
	for rows.Next() {
		var e usage.Entry
		var stream int
		var createdAt string
		if err := rows.Scan(&e.RequestID, &e.UserID, &e.CredentialID, &e.Model, &e.Endpoint, &e.Attempt, &stream,
			&e.StatusCode, &e.LatencyMs, &e.InputTokens, &e.OutputTokens, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.Stream = stream != 0
		if e.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse usage created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage entries: %w", err)
	}
	return entries, nil
}
