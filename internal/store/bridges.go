// ABOUTME: SQLite store methods for bridges and their endpoints
// ABOUTME: Bridges embed derived tool/prompt/resource definitions as JSON columns

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// marshalJSONColumn serializes v for a nullable JSON column.
// Nil and empty values are stored as NULL.
func marshalJSONColumn(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json column: %w", err)
	}
	str := string(data)
	if str == "null" || str == "[]" || str == "{}" {
		return nil, nil
	}
	return &str, nil
}

// unmarshalJSONColumn deserializes a nullable JSON column into out.
func unmarshalJSONColumn(col *string, out any) error {
	if col == nil || *col == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*col), out); err != nil {
		return fmt.Errorf("unmarshaling json column: %w", err)
	}
	return nil
}

// CreateBridge inserts a new bridge and its endpoints.
// Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateBridge(ctx context.Context, b *Bridge) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := b.Auth.Validate(); err != nil {
		return fmt.Errorf("validating upstream auth: %w", err)
	}

	authJSON, err := marshalJSONColumn(b.Auth)
	if err != nil {
		return err
	}
	headersJSON, err := marshalJSONColumn(b.Headers)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSONColumn(b.Tools)
	if err != nil {
		return err
	}
	promptsJSON, err := marshalJSONColumn(b.Prompts)
	if err != nil {
		return err
	}
	resourcesJSON, err := marshalJSONColumn(b.Resources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO bridges (
			id, slug, user_id, name, description, base_url, enabled, auth_required,
			api_key_hash, auth_json, headers_json, tools_json, prompts_json, resources_json,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		b.ID, b.Slug, b.UserID, b.Name, nullString(b.Description), b.BaseURL,
		b.Enabled, b.AuthRequired, nullString(b.APIKeyHash),
		authJSON, headersJSON, toolsJSON, promptsJSON, resourcesJSON,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting bridge: %w", err)
	}

	for i := range b.Endpoints {
		ep := &b.Endpoints[i]
		ep.BridgeID = b.ID
		if err := insertEndpoint(ctx, tx, ep); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bridge: %w", err)
	}

	s.logger.Debug("created bridge", "id", b.ID, "slug", b.Slug, "endpoints", len(b.Endpoints))
	return nil
}

const bridgeColumns = `
	id, slug, user_id, name, description, base_url, enabled, auth_required,
	api_key_hash, auth_json, headers_json, tools_json, prompts_json, resources_json,
	created_at, updated_at
`

// GetBridge retrieves a bridge by ID, including its endpoints.
func (s *SQLiteStore) GetBridge(ctx context.Context, id string) (*Bridge, error) {
	return s.getBridgeBy(ctx, "id", id)
}

// GetBridgeBySlug retrieves a bridge by its slug, including its endpoints.
func (s *SQLiteStore) GetBridgeBySlug(ctx context.Context, slug string) (*Bridge, error) {
	return s.getBridgeBy(ctx, "slug", slug)
}

func (s *SQLiteStore) getBridgeBy(ctx context.Context, column, value string) (*Bridge, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges WHERE ` + column + ` = ?`
	b, err := scanBridge(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, err
	}

	eps, err := s.listEndpoints(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Endpoints = eps
	return b, nil
}

// scanBridge scans a row into a Bridge without its endpoints.
func scanBridge(scanner interface{ Scan(dest ...any) error }) (*Bridge, error) {
	var b Bridge
	var description, apiKeyHash *string
	var authJSON, headersJSON, toolsJSON, promptsJSON, resourcesJSON *string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&b.ID, &b.Slug, &b.UserID, &b.Name, &description, &b.BaseURL,
		&b.Enabled, &b.AuthRequired, &apiKeyHash,
		&authJSON, &headersJSON, &toolsJSON, &promptsJSON, &resourcesJSON,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bridge: %w", err)
	}

	if description != nil {
		b.Description = *description
	}
	if apiKeyHash != nil {
		b.APIKeyHash = *apiKeyHash
	}
	if err := unmarshalJSONColumn(authJSON, &b.Auth); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(headersJSON, &b.Headers); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(toolsJSON, &b.Tools); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(promptsJSON, &b.Prompts); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(resourcesJSON, &b.Resources); err != nil {
		return nil, err
	}
	if b.Auth.Type == "" {
		b.Auth.Type = AuthNone
	}

	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBridge persists bridge config changes and replaces its endpoints.
func (s *SQLiteStore) UpdateBridge(ctx context.Context, b *Bridge) error {
	if err := b.Auth.Validate(); err != nil {
		return fmt.Errorf("validating upstream auth: %w", err)
	}
	b.UpdatedAt = time.Now().UTC()

	authJSON, err := marshalJSONColumn(b.Auth)
	if err != nil {
		return err
	}
	headersJSON, err := marshalJSONColumn(b.Headers)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSONColumn(b.Tools)
	if err != nil {
		return err
	}
	promptsJSON, err := marshalJSONColumn(b.Prompts)
	if err != nil {
		return err
	}
	resourcesJSON, err := marshalJSONColumn(b.Resources)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE bridges
		SET slug = ?, name = ?, description = ?, base_url = ?, enabled = ?,
		    auth_required = ?, api_key_hash = ?, auth_json = ?, headers_json = ?,
		    tools_json = ?, prompts_json = ?, resources_json = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		b.Slug, b.Name, nullString(b.Description), b.BaseURL, b.Enabled,
		b.AuthRequired, nullString(b.APIKeyHash), authJSON, headersJSON,
		toolsJSON, promptsJSON, resourcesJSON, formatTime(b.UpdatedAt),
		b.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("updating bridge: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE bridge_id = ?`, b.ID); err != nil {
		return fmt.Errorf("clearing endpoints: %w", err)
	}
	for i := range b.Endpoints {
		ep := &b.Endpoints[i]
		ep.BridgeID = b.ID
		if err := insertEndpoint(ctx, tx, ep); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bridge update: %w", err)
	}
	return nil
}

// SetBridgeEnabled toggles the enabled flag. Used instead of hard deletion
// while requests may be in flight.
func (s *SQLiteStore) SetBridgeEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bridges SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating bridge enabled: %w", err)
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

// ListBridges returns all bridges owned by a user, endpoints included.
func (s *SQLiteStore) ListBridges(ctx context.Context, userID string) ([]*Bridge, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges WHERE user_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying bridges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bridges []*Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, err
		}
		bridges = append(bridges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bridges: %w", err)
	}

	for _, b := range bridges {
		eps, err := s.listEndpoints(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Endpoints = eps
	}
	return bridges, nil
}

// CountBridges returns how many bridges a user owns.
func (s *SQLiteStore) CountBridges(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bridges WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting bridges: %w", err)
	}
	return count, nil
}

// insertEndpoint inserts one endpoint row within a transaction.
func insertEndpoint(ctx context.Context, tx *sql.Tx, ep *Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	paramsJSON, err := marshalJSONColumn(ep.Parameters)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO endpoints (id, bridge_id, method, path, description, params_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.BridgeID, strings.ToUpper(ep.Method), ep.Path,
		nullString(ep.Description), paramsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEndpoint
		}
		return fmt.Errorf("inserting endpoint: %w", err)
	}
	return nil
}

// CreateEndpoint adds a single endpoint to a bridge.
func (s *SQLiteStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEndpoint(ctx, tx, ep); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes a single endpoint by ID.
func (s *SQLiteStore) DeleteEndpoint(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting endpoint: %w", err)
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

// CountEndpoints returns how many endpoints a bridge has.
func (s *SQLiteStore) CountEndpoints(ctx context.Context, bridgeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM endpoints WHERE bridge_id = ?`, bridgeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting endpoints: %w", err)
	}
	return count, nil
}

// listEndpoints returns all endpoints for a bridge.
func (s *SQLiteStore) listEndpoints(ctx context.Context, bridgeID string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bridge_id, method, path, description, params_json
		 FROM endpoints WHERE bridge_id = ? ORDER BY path, method`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var eps []Endpoint
	for rows.Next() {
		var ep Endpoint
		var description, paramsJSON *string
		if err := rows.Scan(&ep.ID, &ep.BridgeID, &ep.Method, &ep.Path, &description, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scanning endpoint: %w", err)
		}
		if description != nil {
			ep.Description = *description
		}
		if err := unmarshalJSONColumn(paramsJSON, &ep.Parameters); err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoints: %w", err)
	}
	return eps, nil
}
