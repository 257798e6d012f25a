package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Grant is a stored permission decision.
type Grant struct {
	Token     string    `json:"token"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetGrant records the decision for token.
func (db *DB) SetGrant(ctx context.Context, token string, granted bool) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO permission_grants (token, granted, updated_unix_nanos)
		VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			granted = excluded.granted,
			updated_unix_nanos = excluded.updated_unix_nanos`,
		token, boolInt(granted), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store grant for %s: %w", token, err)
	}
	return nil
}

// Granted reports whether token has been granted. Unknown tokens are not.
func (db *DB) Granted(ctx context.Context, token string) (bool, error) {
	var granted int
	err := db.QueryRowContext(ctx, `SELECT granted FROM permission_grants WHERE token = ?`, token).Scan(&granted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read grant for %s: %w", token, err)
	}
	return granted != 0, nil
}

// Grants lists every stored decision.
func (db *DB) Grants(ctx context.Context) ([]Grant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT token, granted, updated_unix_nanos FROM permission_grants ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			g       Grant
			granted int
			updated int64
		)
		if err := rows.Scan(&g.Token, &granted, &updated); err != nil {
			return nil, err
		}
		g.Granted = granted != 0
		g.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}
