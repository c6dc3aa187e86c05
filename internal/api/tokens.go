// ABOUTME: Access token issuance, listing, and revocation handlers
// ABOUTME: Token secrets are returned once at issuance, then elided from listings

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// issueTokenRequest is the write shape for token issuance.
type issueTokenRequest struct {
	Name          string                  `json:"name"`
	Permissions   []store.TokenPermission `json:"permissions"`
	ExpiresInDays int                     `json:"expiresInDays"`
}

// tokenView is the read shape. Secret is populated only at issuance.
type tokenView struct {
	ID          string                  `json:"id"`
	BridgeID    string                  `json:"bridgeId"`
	Name        string                  `json:"name"`
	Secret      string                  `json:"secret,omitempty"`
	Permissions []store.TokenPermission `json:"permissions"`
	ExpiresAt   *time.Time              `json:"expiresAt,omitempty"`
	IsActive    bool                    `json:"isActive"`
	CreatedAt   time.Time               `json:"createdAt"`
	LastUsedAt  *time.Time              `json:"lastUsedAt,omitempty"`
}

func tokenViewOf(t *store.AccessToken, includeSecret bool) tokenView {
	v := tokenView{
		ID:          t.ID,
		BridgeID:    t.BridgeID,
		Name:        t.Name,
		Permissions: t.Permissions,
		ExpiresAt:   t.ExpiresAt,
		IsActive:    t.IsActive,
		CreatedAt:   t.CreatedAt,
		LastUsedAt:  t.LastUsedAt,
	}
	if includeSecret {
		v.Secret = t.Secret
	}
	return v
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}

	var req issueTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	token, err := s.authority.Issue(r.Context(), b.ID, req.Name, req.Permissions, req.ExpiresInDays)
	if err != nil {
		s.logger.Error("issuing token failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusCreated, tokenViewOf(token, true))
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}

	tokens, err := s.store.ListAccessTokens(r.Context(), b.ID)
	if err != nil {
		s.logger.Error("listing tokens failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]tokenView, len(tokens))
	for i, t := range tokens {
		views[i] = tokenViewOf(t, false)
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}

	tokenID := r.PathValue("tokenID")
	token, err := s.store.GetAccessToken(r.Context(), tokenID)
	if err != nil || token.BridgeID != b.ID {
		s.respondError(w, http.StatusNotFound, "token not found")
		return
	}

	if err := s.authority.Revoke(r.Context(), tokenID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "token not found")
			return
		}
		s.logger.Error("revoking token failed", "error", err, "token_id", tokenID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"revoked": true})
}
