package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Well-known kv_state keys.
const (
	StateRegisteredJID = "registered_jid"
	StateLastBackup    = "last_backup"
)

// GetState reads a kv_state value.
func (db *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetState writes a kv_state value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// DeleteState removes a kv_state key.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
	return err
}
