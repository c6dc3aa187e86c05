// ABOUTME: Bridge CRUD handlers with tier ceiling checks at creation time
// ABOUTME: Ceiling checks are advisory; store uniqueness constraints are the backstop

package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/bridge"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// slugPattern constrains bridge slugs to URL-safe lowercase names.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// bridgeRequest is the write shape for create and update.
type bridgeRequest struct {
	Slug         string              `json:"slug"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	BaseURL      string              `json:"baseUrl"`
	Enabled      *bool               `json:"enabled"`
	AuthRequired bool                `json:"authRequired"`
	APIKey       string              `json:"apiKey"`
	Auth         store.UpstreamAuth  `json:"auth"`
	Headers      map[string]string   `json:"headers"`
	Endpoints    []endpointRequest   `json:"endpoints"`
	Tools        []store.McpTool     `json:"tools"`
	Prompts      []store.McpPrompt   `json:"prompts"`
	Resources    []store.McpResource `json:"resources"`
}

// endpointRequest is the write shape for one endpoint.
type endpointRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Description string            `json:"description"`
	Parameters  []store.Parameter `json:"parameters"`
}

// bridgeView is the read shape. The static key hash never leaves the server.
type bridgeView struct {
	ID           string              `json:"id"`
	Slug         string              `json:"slug"`
	Name         string              `json:"name,omitempty"`
	Description  string              `json:"description,omitempty"`
	BaseURL      string              `json:"baseUrl"`
	Enabled      bool                `json:"enabled"`
	AuthRequired bool                `json:"authRequired"`
	Auth         store.UpstreamAuth  `json:"auth"`
	Headers      map[string]string   `json:"headers,omitempty"`
	Endpoints    []store.Endpoint    `json:"endpoints"`
	Tools        []store.McpTool     `json:"tools,omitempty"`
	Prompts      []store.McpPrompt   `json:"prompts,omitempty"`
	Resources    []store.McpResource `json:"resources,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func viewOf(b *store.Bridge) bridgeView {
	return bridgeView{
		ID:           b.ID,
		Slug:         b.Slug,
		Name:         b.Name,
		Description:  b.Description,
		BaseURL:      b.BaseURL,
		Enabled:      b.Enabled,
		AuthRequired: b.AuthRequired,
		Auth:         b.Auth,
		Headers:      b.Headers,
		Endpoints:    b.Endpoints,
		Tools:        b.Tools,
		Prompts:      b.Prompts,
		Resources:    b.Resources,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	bridges, err := s.store.ListBridges(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("listing bridges failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]bridgeView, len(bridges))
	for i, b := range bridges {
		views[i] = viewOf(b)
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req bridgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ceiling, err := s.quota.CheckResourceCeiling(r.Context(), user.ID, quota.ResourceBridges, "")
	if err != nil {
		s.logger.Error("ceiling check failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ceiling.Allowed {
		s.respondError(w, http.StatusForbidden, ceiling.Message)
		return
	}

	b, errMsg := s.buildBridge(user, &req)
	if errMsg != "" {
		s.respondError(w, http.StatusBadRequest, errMsg)
		return
	}

	limits := quota.LimitsForTier(user.Tier)
	if msg := checkDefinitionCeilings(b, limits); msg != "" {
		s.respondError(w, http.StatusForbidden, msg)
		return
	}

	if err := s.store.CreateBridge(r.Context(), b); err != nil {
		if errors.Is(err, store.ErrDuplicateSlug) {
			s.respondError(w, http.StatusConflict, "slug already in use")
			return
		}
		s.logger.Error("creating bridge failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("bridge created", "bridge_id", b.ID, "slug", b.Slug, "user_id", user.ID)
	s.respond(w, http.StatusCreated, viewOf(b))
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}
	s.respond(w, http.StatusOK, viewOf(b))
}

func (s *Server) handleUpdateBridge(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}
	user := auth.UserFromContext(r.Context())

	var req bridgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	updated, errMsg := s.buildBridge(user, &req)
	if errMsg != "" {
		s.respondError(w, http.StatusBadRequest, errMsg)
		return
	}
	updated.ID = b.ID
	updated.CreatedAt = b.CreatedAt
	if req.APIKey == "" {
		updated.APIKeyHash = b.APIKeyHash
	}
	if req.Enabled == nil {
		updated.Enabled = b.Enabled
	}

	limits := quota.LimitsForTier(user.Tier)
	if msg := checkDefinitionCeilings(updated, limits); msg != "" {
		s.respondError(w, http.StatusForbidden, msg)
		return
	}

	if err := s.store.UpdateBridge(r.Context(), updated); err != nil {
		if errors.Is(err, store.ErrDuplicateSlug) {
			s.respondError(w, http.StatusConflict, "slug already in use")
			return
		}
		s.logger.Error("updating bridge failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("bridge updated", "bridge_id", b.ID)
	s.respond(w, http.StatusOK, viewOf(updated))
}

// handleDisableBridge soft-deletes: bridges are disabled rather than removed
// while requests may be in flight.
func (s *Server) handleDisableBridge(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}
	if err := s.store.SetBridgeEnabled(r.Context(), b.ID, false); err != nil {
		s.logger.Error("disabling bridge failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("bridge disabled", "bridge_id", b.ID)
	s.respond(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleEnableBridge(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}
	if err := s.store.SetBridgeEnabled(r.Context(), b.ID, true); err != nil {
		s.logger.Error("enabling bridge failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("bridge enabled", "bridge_id", b.ID)
	s.respond(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}
	user := auth.UserFromContext(r.Context())

	var req endpointRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ceiling, err := s.quota.CheckResourceCeiling(r.Context(), user.ID, quota.ResourceEndpoints, b.ID)
	if err != nil {
		s.logger.Error("ceiling check failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ceiling.Allowed {
		s.respondError(w, http.StatusForbidden, ceiling.Message)
		return
	}

	ep := toEndpoint(b.ID, &req)
	all := append(append([]store.Endpoint{}, b.Endpoints...), *ep)
	if err := bridge.ValidateEndpoints(all); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		if errors.Is(err, store.ErrDuplicateEndpoint) {
			s.respondError(w, http.StatusConflict, "endpoint already exists")
			return
		}
		s.logger.Error("creating endpoint failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusCreated, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	b := s.ownedBridge(w, r)
	if b == nil {
		return
	}

	endpointID := r.PathValue("endpointID")
	owned := false
	for _, ep := range b.Endpoints {
		if ep.ID == endpointID {
			owned = true
			break
		}
	}
	if !owned {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	if err := s.store.DeleteEndpoint(r.Context(), endpointID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		s.logger.Error("deleting endpoint failed", "error", err, "endpoint_id", endpointID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

// buildBridge validates a write request and assembles the bridge. Returns a
// non-empty message on validation failure.
func (s *Server) buildBridge(user *store.User, req *bridgeRequest) (*store.Bridge, string) {
	if req.Slug == "" || !slugPattern.MatchString(req.Slug) {
		return nil, "slug must be 2-63 lowercase letters, digits, or hyphens"
	}
	if req.BaseURL == "" {
		return nil, "baseUrl is required"
	}
	if err := req.Auth.Validate(); err != nil {
		return nil, err.Error()
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	b := &store.Bridge{
		Slug:         req.Slug,
		UserID:       user.ID,
		Name:         req.Name,
		Description:  req.Description,
		BaseURL:      req.BaseURL,
		Enabled:      enabled,
		AuthRequired: req.AuthRequired,
		Auth:         req.Auth,
		Headers:      req.Headers,
		Tools:        req.Tools,
		Prompts:      req.Prompts,
		Resources:    req.Resources,
	}

	if req.APIKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.APIKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, "failed to process api key"
		}
		b.APIKeyHash = string(hash)
	}

	endpoints := make([]store.Endpoint, len(req.Endpoints))
	for i := range req.Endpoints {
		endpoints[i] = *toEndpoint("", &req.Endpoints[i])
	}
	if err := bridge.ValidateEndpoints(endpoints); err != nil {
		return nil, err.Error()
	}
	b.Endpoints = endpoints
	return b, ""
}

// toEndpoint converts a write request, auto-declaring path parameters for
// template placeholders the caller did not list.
func toEndpoint(bridgeID string, req *endpointRequest) *store.Endpoint {
	ep := &store.Endpoint{
		BridgeID:    bridgeID,
		Method:      req.Method,
		Path:        req.Path,
		Description: req.Description,
		Parameters:  req.Parameters,
	}

	declared := make(map[string]bool, len(ep.Parameters))
	for _, p := range ep.Parameters {
		if p.In == store.ParamInPath {
			declared[p.Name] = true
		}
	}
	for _, name := range bridge.PlaceholderNames(ep.Path) {
		if !declared[name] {
			ep.Parameters = append(ep.Parameters, store.Parameter{
				Name:     name,
				Type:     "string",
				Required: true,
				In:       store.ParamInPath,
			})
		}
	}
	return ep
}

// checkDefinitionCeilings enforces the tier's tool/prompt/resource and
// endpoint counts on an assembled bridge before it is written.
func checkDefinitionCeilings(b *store.Bridge, limits quota.TierLimits) string {
	switch {
	case len(b.Endpoints) > limits.MaxEndpoints:
		return fmt.Sprintf("endpoint limit reached (%d per bridge)", limits.MaxEndpoints)
	case len(b.Tools) > limits.MaxTools:
		return fmt.Sprintf("tools limit reached (%d)", limits.MaxTools)
	case len(b.Prompts) > limits.MaxPrompts:
		return fmt.Sprintf("prompts limit reached (%d)", limits.MaxPrompts)
	case len(b.Resources) > limits.MaxResources:
		return fmt.Sprintf("resources limit reached (%d)", limits.MaxResources)
	}
	return ""
}
