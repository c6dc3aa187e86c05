// ABOUTME: Bridge log listing for the dashboard's activity view
// ABOUTME: Filters by time range and action; newest entries first

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// logView is the read shape for one audit entry.
type logView struct {
	ID         string         `json:"id"`
	TokenID    *string        `json:"tokenId,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	StatusCode int            `json:"statusCode,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}

	filter := store.BridgeLogFilter{BridgeID: b.ID}
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &t
	}
	if v := q.Get("action"); v != "" {
		filter.Action = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.ListBridgeLogs(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing logs failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]logView, len(entries))
	for i, e := range entries {
		views[i] = logView{
			ID:         e.ID,
			TokenID:    e.TokenID,
			Action:     e.Action,
			Resource:   e.Resource,
			Method:     e.Method,
			Path:       e.Path,
			StatusCode: e.StatusCode,
			DurationMs: e.DurationMs,
			Success:    e.Success,
			Error:      e.Error,
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt,
		}
	}
	s.respond(w, http.StatusOK, views)
}
