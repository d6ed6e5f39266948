package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/compresr/pool-gateway/internal/credential"
)

// Compile-time interface satisfaction check.
var _ credential.Repository = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of credential.Repository.
// When a key is set, refresh and access tokens are sealed with AES-256-GCM
// before write and opened after read.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil stores tokens in plaintext.
}

// NewCredentialRepo creates a new CredentialRepo.
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key}
}

const credentialColumns = `id, label, owner_id, email, project_id, tier, visibility,
	refresh_token, access_token, expires_at, active, consecutive_failures, last_error,
	last_used_at, total_requests, total_failures, created_at, updated_at`

// List returns every stored credential ordered by id.
func (r *CredentialRepo) List(ctx context.Context) ([]credential.Record, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials ORDER BY id`
	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var records []credential.Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return records, nil
}

// Get returns one credential or credential.ErrNotFound.
func (r *CredentialRepo) Get(ctx context.Context, id string) (credential.Record, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`
	rec, err := r.scan(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Record{}, fmt.Errorf("get credential %q: %w", id, credential.ErrNotFound)
	}
	if err != nil {
		return credential.Record{}, fmt.Errorf("get credential %q: %w", id, err)
	}
	return rec, nil
}

// Upsert inserts or replaces records in one transaction.
func (r *CredentialRepo) Upsert(ctx context.Context, records []credential.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			owner_id = excluded.owner_id,
			email = excluded.email,
			project_id = excluded.project_id,
			tier = excluded.tier,
			visibility = excluded.visibility,
			refresh_token = excluded.refresh_token,
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			active = excluded.active,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error,
			last_used_at = excluded.last_used_at,
			total_requests = excluded.total_requests,
			total_failures = excluded.total_failures,
			updated_at = excluded.updated_at`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare credential upsert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		refresh, err := seal(r.key, rec.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt credential %q: %w", rec.ID, err)
		}
		access, err := seal(r.key, rec.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt credential %q: %w", rec.ID, err)
		}

		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}

		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Label, rec.OwnerID, rec.Email, rec.ProjectID,
			string(rec.Tier), string(rec.Visibility),
			refresh, access, formatNullTime(rec.ExpiresAt),
			boolToInt(rec.Active), rec.ConsecutiveFailures, rec.LastError,
			formatNullTime(rec.LastUsedAt), rec.TotalRequests, rec.TotalFailures,
			formatTime(createdAt), formatTime(updatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert credential %q: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential upsert: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *CredentialRepo) scan(row rowScanner) (credential.Record, error) {
	var (
		rec                   credential.Record
		tier, visibility      string
		refresh, access       string
		expiresAt, lastUsedAt sql.NullString
		active                int
		createdAt, updatedAt  string
	)
	if err := row.Scan(
		&rec.ID, &rec.Label, &rec.OwnerID, &rec.Email, &rec.ProjectID,
		&tier, &visibility, &refresh, &access, &expiresAt,
		&active, &rec.ConsecutiveFailures, &rec.LastError,
		&lastUsedAt, &rec.TotalRequests, &rec.TotalFailures,
		&createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan credential: %w", err)
	}

	var err error
	rec.Tier = credential.Tier(tier)
	rec.Visibility = credential.Visibility(visibility)
	rec.Active = active != 0

	if rec.RefreshToken, err = unseal(r.key, refresh); err != nil {
		return rec, fmt.Errorf("decrypt credential %q: %w", rec.ID, err)
	}
	if rec.AccessToken, err = unseal(r.key, access); err != nil {
		return rec, fmt.Errorf("decrypt credential %q: %w", rec.ID, err)
	}
	if rec.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return rec, fmt.Errorf("parse expires_at for credential %q: %w", rec.ID, err)
	}
	if rec.LastUsedAt, err = parseNullTime(lastUsedAt); err != nil {
		return rec, fmt.Errorf("parse last_used_at for credential %q: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("parse created_at for credential %q: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("parse updated_at for credential %q: %w", rec.ID, err)
	}
	return rec, nil
}

// =============================================================================
// COLUMN HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
