// ABOUTME: SQLite store methods for bridge access tokens
// ABOUTME: Tokens carry per-resource-type permission sets serialized as JSON

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccessToken inserts a new access token.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) CreateAccessToken(ctx context.Context, t *AccessToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	permsJSON, err := marshalJSONColumn(t.Permissions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO access_tokens (id, bridge_id, name, secret, permissions_json, expires_at, is_active, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.BridgeID, t.Name, t.Secret, permsJSON,
		formatTimePtr(t.ExpiresAt), t.IsActive, formatTime(t.CreatedAt),
		formatTimePtr(t.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}

	s.logger.Debug("created access token", "id", t.ID, "bridge_id", t.BridgeID, "name", t.Name)
	return nil
}

const tokenColumns = `id, bridge_id, name, secret, permissions_json, expires_at, is_active, created_at, last_used_at`

// GetAccessToken retrieves a token by ID.
func (s *SQLiteStore) GetAccessToken(ctx context.Context, id string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE id = ?`, id)
	return scanAccessToken(row)
}

// GetAccessTokenBySecret retrieves a token by its opaque secret value.
func (s *SQLiteStore) GetAccessTokenBySecret(ctx context.Context, secret string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE secret = ?`, secret)
	return scanAccessToken(row)
}

// ListAccessTokens returns all tokens for a bridge, newest first.
func (s *SQLiteStore) ListAccessTokens(ctx context.Context, bridgeID string) ([]*AccessToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM access_tokens WHERE bridge_id = ? ORDER BY created_at DESC`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("querying access tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*AccessToken
	for rows.Next() {
		t, err := scanAccessToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access tokens: %w", err)
	}
	return tokens, nil
}

// SetAccessTokenActive flips the active flag. Tokens are never implicitly
// reactivated; this is only called by explicit owner action.
func (s *SQLiteStore) SetAccessTokenActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("updating token active flag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAccessToken records the last-used timestamp. Best effort; callers
// ignore the error on the request path.
func (s *SQLiteStore) TouchAccessToken(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET last_used_at = ? WHERE id = ?`, formatTime(when), id)
	if err != nil {
		return fmt.Errorf("touching access token: %w", err)
	}
	return nil
}

// DeleteAccessToken removes a token permanently.
func (s *SQLiteStore) DeleteAccessToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAccessToken scans a row into an AccessToken.
func scanAccessToken(scanner interface{ Scan(dest ...any) error }) (*AccessToken, error) {
	var t AccessToken
	var permsJSON, expiresAt, lastUsedAt *string
	var createdAt string

	err := scanner.Scan(
		&t.ID, &t.BridgeID, &t.Name, &t.Secret, &permsJSON,
		&expiresAt, &t.IsActive, &createdAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning access token: %w", err)
	}

	if err := unmarshalJSONColumn(permsJSON, &t.Permissions); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if t.LastUsedAt, err = parseTimePtr(lastUsedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}
