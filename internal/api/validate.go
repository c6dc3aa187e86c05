// ABOUTME: Token validation endpoint for services checking a bridge token
// ABOUTME: Response shape is fixed: {valid, permissions?, rateLimited?, remainingRequests?, error?}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// validateRequest is the input to POST /api/auth/validate.
type validateRequest struct {
	Token    string `json:"token"`
	BridgeID string `json:"bridgeId"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Endpoint string `json:"endpoint"`
}

// validateResponse is the fixed output shape. This endpoint predates the
// envelope convention and its consumers depend on the flat shape.
type validateResponse struct {
	Valid             bool                    `json:"valid"`
	Permissions       []store.TokenPermission `json:"permissions,omitempty"`
	RateLimited       bool                    `json:"rateLimited,omitempty"`
	RemainingRequests *int                    `json:"remainingRequests,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeValidation(w, http.StatusUnauthorized, validateResponse{Valid: false, Error: "invalid request body"})
		return
	}
	if req.Token == "" {
		s.writeValidation(w, http.StatusUnauthorized, validateResponse{Valid: false, Error: "token is required"})
		return
	}
	if req.Resource == "" {
		req.Resource = store.PermissionTools
	}
	if req.Action == "" {
		req.Action = "execute"
	}

	token, perm, err := s.authority.Validate(r.Context(), req.Token, req.BridgeID, req.Resource, req.Action, req.Endpoint)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		s.writeValidation(w, status, validateResponse{Valid: false, Error: err.Error()})
		return
	}

	// The rate window that would apply to this token on a real call: the
	// permission's own ceiling when declared, capped by the owner's tier.
	limit := 0
	if b, err := s.store.GetBridge(r.Context(), token.BridgeID); err == nil {
		tier := store.TierRegular
		if user, err := s.store.GetUser(r.Context(), b.UserID); err == nil {
			tier = user.Tier
		}
		limit = quota.LimitsForTier(tier).RequestsPerMinute
	}
	if perm != nil && perm.RateLimit > 0 && (limit == 0 || perm.RateLimit < limit) {
		limit = perm.RateLimit
	}

	rate, err := s.quota.CheckRate(r.Context(), "token:"+token.ID, limit)
	if err != nil {
		s.logger.Error("rate check failed", "error", err)
		s.writeValidation(w, http.StatusInternalServerError, validateResponse{Valid: false, Error: "internal error"})
		return
	}
	if !rate.Allowed {
		zero := 0
		s.writeValidation(w, http.StatusTooManyRequests, validateResponse{
			Valid:             false,
			RateLimited:       true,
			RemainingRequests: &zero,
			Error:             "rate limit exceeded",
		})
		return
	}

	resp := validateResponse{Valid: true, Permissions: token.Permissions}
	if rate.Remaining >= 0 {
		remaining := rate.Remaining
		resp.RemainingRequests = &remaining
	}
	s.writeValidation(w, http.StatusOK, resp)
}

func (s *Server) writeValidation(w http.ResponseWriter, status int, resp validateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode validation response", "error", err)
	}
}
