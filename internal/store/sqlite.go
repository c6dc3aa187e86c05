// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides bridge/token/log persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The UNIQUE constraints on bridges.slug and (bridge_id, method, path) are
// the authoritative backstop against over-allocation; quota checks in front
// of them are advisory.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			tier       TEXT NOT NULL DEFAULT 'regular',
			created_at TEXT NOT NULL,

			CHECK (tier IN ('demo', 'regular'))
		);

		CREATE TABLE IF NOT EXISTS bridges (
			id             TEXT PRIMARY KEY,
			slug           TEXT NOT NULL UNIQUE,
			user_id        TEXT NOT NULL REFERENCES users(id),
			name           TEXT NOT NULL,
			description    TEXT,
			base_url       TEXT NOT NULL,
			enabled        INTEGER NOT NULL DEFAULT 1,
			auth_required  INTEGER NOT NULL DEFAULT 0,
			api_key_hash   TEXT,
			auth_json      TEXT,
			headers_json   TEXT,
			tools_json     TEXT,
			prompts_json   TEXT,
			resources_json TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bridges_user ON bridges(user_id);
		CREATE INDEX IF NOT EXISTS idx_bridges_slug ON bridges(slug);

		CREATE TABLE IF NOT EXISTS endpoints (
			id          TEXT PRIMARY KEY,
			bridge_id   TEXT NOT NULL REFERENCES bridges(id) ON DELETE CASCADE,
			method      TEXT NOT NULL,
			path        TEXT NOT NULL,
			description TEXT,
			params_json TEXT,

			UNIQUE(bridge_id, method, path)
		);

		CREATE INDEX IF NOT EXISTS idx_endpoints_bridge ON endpoints(bridge_id);

		CREATE TABLE IF NOT EXISTS access_tokens (
			id               TEXT PRIMARY KEY,
			bridge_id        TEXT NOT NULL REFERENCES bridges(id) ON DELETE CASCADE,
			name             TEXT NOT NULL,
			secret           TEXT NOT NULL UNIQUE,
			permissions_json TEXT NOT NULL,
			expires_at       TEXT,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			last_used_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_bridge ON access_tokens(bridge_id);
		CREATE INDEX IF NOT EXISTS idx_tokens_secret ON access_tokens(secret);

		CREATE TABLE IF NOT EXISTS bridge_logs (
			id            TEXT PRIMARY KEY,
			bridge_id     TEXT NOT NULL,
			token_id      TEXT,
			action        TEXT NOT NULL,
			resource      TEXT,
			method        TEXT,
			path          TEXT,
			status_code   INTEGER,
			duration_ms   INTEGER,
			success       INTEGER NOT NULL,
			error         TEXT,
			metadata_json TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bridge_logs_bridge ON bridge_logs(bridge_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_bridge_logs_ts ON bridge_logs(created_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to a NULL-able value.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// formatTime renders a timestamp in the canonical column format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatTimePtr renders an optional timestamp, NULL when absent.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime parses a canonical column timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr parses an optional column timestamp.
func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
