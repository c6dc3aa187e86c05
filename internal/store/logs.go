// ABOUTME: Bridge log store methods for the append-only request audit trail
// ABOUTME: Records every authorization decision and proxied call per bridge

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// normalizeLogLimit applies default (100) and cap (1000) to log limits.
func normalizeLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// AppendBridgeLogs inserts a batch of log entries in one transaction.
// Generates IDs and timestamps if not set. The batch is all-or-nothing so a
// failed write can be retried whole by the audit sink.
func (s *SQLiteStore) AppendBridgeLogs(ctx context.Context, entries []*BridgeLog) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO bridge_logs (
			id, bridge_id, token_id, action, resource, method, path,
			status_code, duration_ms, success, error, metadata_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		metadataJSON, err := marshalJSONColumn(e.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query,
			e.ID, e.BridgeID, e.TokenID, e.Action, nullString(e.Resource),
			nullString(e.Method), nullString(e.Path), e.StatusCode, e.DurationMs,
			e.Success, nullString(e.Error), metadataJSON, formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting bridge log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bridge logs: %w", err)
	}

	s.logger.Debug("appended bridge logs", "count", len(entries))
	return nil
}

const bridgeLogQuery = `
	SELECT id, bridge_id, token_id, action, resource, method, path,
	       status_code, duration_ms, success, error, metadata_json, created_at
	FROM bridge_logs
	WHERE bridge_id = ?
	  AND (? IS NULL OR created_at >= ?)
	  AND (? IS NULL OR created_at <= ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY created_at DESC
	LIMIT ?
`

// ListBridgeLogs returns log entries matching the filter, newest first.
func (s *SQLiteStore) ListBridgeLogs(ctx context.Context, f BridgeLogFilter) ([]BridgeLog, error) {
	limit := normalizeLogLimit(f.Limit)
	sinceStr := formatTimePtr(f.Since)
	untilStr := formatTimePtr(f.Until)

	rows, err := s.db.QueryContext(ctx, bridgeLogQuery,
		f.BridgeID,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.Action, f.Action,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bridge logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []BridgeLog
	for rows.Next() {
		var e BridgeLog
		var resource, method, path, errStr, metadataJSON *string
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.BridgeID, &e.TokenID, &e.Action, &resource, &method, &path,
			&e.StatusCode, &e.DurationMs, &e.Success, &errStr, &metadataJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning bridge log: %w", err)
		}
		if resource != nil {
			e.Resource = *resource
		}
		if method != nil {
			e.Method = *method
		}
		if path != nil {
			e.Path = *path
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if err := unmarshalJSONColumn(metadataJSON, &e.Metadata); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bridge logs: %w", err)
	}

	if entries == nil {
		entries = []BridgeLog{}
	}
	return entries, nil
}
