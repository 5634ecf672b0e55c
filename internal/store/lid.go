package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RememberLID records that lid (user part) belongs to phone number pn.
func (db *DB) RememberLID(ctx context.Context, lid, pn string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO lid_map (lid, pn) VALUES (?, ?)
		ON CONFLICT(lid) DO UPDATE SET pn = excluded.pn`, lid, pn)
	if err != nil {
		return fmt.Errorf("remember lid %q: %w", lid, err)
	}
	return nil
}

// PhoneForLID returns the phone number user part mapped to lid.
func (db *DB) PhoneForLID(ctx context.Context, lid string) (string, bool, error) {
	var pn string
	err := db.QueryRowContext(ctx, `SELECT pn FROM lid_map WHERE lid = ?`, lid).Scan(&pn)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pn, true, nil
}
