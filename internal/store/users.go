// ABOUTME: SQLite store methods for user accounts
// ABOUTME: Users carry the tier attribute that drives quota ceilings

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a new user. Generates ID and CreatedAt if not set.
// Tier defaults to regular.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Tier == "" {
		u.Tier = TierRegular
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, tier, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, string(u.Tier), formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, tier, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email address.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, tier, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var tier, createdAt string
	err := scanner.Scan(&u.ID, &u.Email, &tier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Tier = Tier(tier)
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}
