package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/casetrack/internal/errors"
)

// Entry is a stored key/value row.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt int64
	UpdatedAt int64
}

// GetKV returns the live entry for key. Entries whose expiry is at or before
// now are treated as absent.
func GetKV(ctx context.Context, db *sql.DB, key string, now time.Time) (*Entry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT key, value, expires_at, updated_at
		FROM kv_store
		WHERE key = ? AND expires_at > ?
	`, key, now.Unix())

	var e Entry
	err := row.Scan(&e.Key, &e.Value, &e.ExpiresAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(key)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &e, nil
}

// PutKV inserts or replaces key with an explicit expiry.
func PutKV(ctx context.Context, db *sql.DB, key, value string, expiresAt, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresAt.Unix(), now.Unix())
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// DeleteKV removes key. Deleting a missing key is not an error.
func DeleteKV(ctx context.Context, db *sql.DB, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// PurgeExpired permanently deletes entries that expired at or before now.
// Returns the number of rows removed.
func PurgeExpired(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM kv_store WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}
