// ABOUTME: Management REST API for bridges, tokens, logs, and OpenAPI import
// ABOUTME: JWT-authenticated; every response uses a {success, data?, error?} envelope

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// Config holds the API server's collaborators.
type Config struct {
	Store     store.Store
	Authority *auth.Authority
	Quota     *quota.Manager
	Verifier  auth.UserVerifier
	Client    *http.Client // used to fetch OpenAPI documents by URL
	Logger    *slog.Logger
}

// Server serves the management API under /api/. The dashboard UI is an
// external consumer of these endpoints.
type Server struct {
	store     store.Store
	authority *auth.Authority
	quota     *quota.Manager
	verifier  auth.UserVerifier
	client    *http.Client
	logger    *slog.Logger
}

// NewServer creates the management API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Authority == nil {
		return nil, errors.New("authority is required")
	}
	if cfg.Quota == nil {
		return nil, errors.New("quota manager is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &Server{
		store:     cfg.Store,
		authority: cfg.Authority,
		quota:     cfg.Quota,
		verifier:  cfg.Verifier,
		client:    client,
		logger:    logger.With("component", "api"),
	}, nil
}

// RegisterRoutes registers all management endpoints. Everything except the
// token validation endpoint requires a JWT.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(s.store, s.verifier)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux.Handle("GET /api/bridges", protect(s.handleListBridges))
	mux.Handle("POST /api/bridges", protect(s.handleCreateBridge))
	mux.Handle("GET /api/bridges/{id}", protect(s.handleGetBridge))
	mux.Handle("PUT /api/bridges/{id}", protect(s.handleUpdateBridge))
	mux.Handle("DELETE /api/bridges/{id}", protect(s.handleDisableBridge))
	mux.Handle("POST /api/bridges/{id}/enable", protect(s.handleEnableBridge))

	mux.Handle("POST /api/bridges/{id}/endpoints", protect(s.handleCreateEndpoint))
	mux.Handle("DELETE /api/bridges/{id}/endpoints/{endpointID}", protect(s.handleDeleteEndpoint))

	mux.Handle("POST /api/bridges/{id}/tokens", protect(s.handleIssueToken))
	mux.Handle("GET /api/bridges/{id}/tokens", protect(s.handleListTokens))
	mux.Handle("DELETE /api/bridges/{id}/tokens/{tokenID}", protect(s.handleRevokeToken))

	mux.Handle("GET /api/bridges/{id}/logs", protect(s.handleListLogs))

	mux.Handle("POST /api/openapi/import", protect(s.handleOpenAPIImport))

	// Token validation authenticates by the token being validated.
	mux.HandleFunc("POST /api/auth/validate", s.handleValidateToken)
}

// envelope is the uniform response shape.
type envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// respond writes a success envelope.
func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	s.write(w, status, envelope{Success: true, Data: data})
}

// respondError writes a failure envelope.
func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.write(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ownedBridge loads a bridge and verifies the authenticated user owns it.
// Writes the error response itself; callers bail on nil.
func (s *Server) ownedBridge(w http.ResponseWriter, r *http.Request) *store.Bridge {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	b, err := s.store.GetBridge(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "bridge not found")
			return nil
		}
		s.logger.Error("bridge lookup failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if b.UserID != user.ID {
		// Hide other users' bridges rather than admitting they exist.
		s.respondError(w, http.StatusNotFound, "bridge not found")
		return nil
	}
	return b
}
