// ABOUTME: Gateway orchestrator for bridge traffic under /mcp/{bridgeIdOrSlug}
// ABOUTME: Looks up the bridge, authorizes, resolves the endpoint, and proxies

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/mcp-bridge/internal/audit"
	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// Audit action names recorded per request.
const (
	ActionProxyRequest = "proxy_request"
	ActionAuthDenied   = "auth_denied"
	ActionRateLimited  = "rate_limited"
	ActionToolCall     = "tool_call"
)

// RPCHandler handles bridge-scoped JSON-RPC requests. Implemented by the MCP
// server; injected after construction to keep the dependency one-way.
type RPCHandler interface {
	HandleRPC(w http.ResponseWriter, r *http.Request, b *store.Bridge, authRes *AuthResult)
}

// AuthResult is the outcome of the inbound access check.
type AuthResult struct {
	// Token is non-nil when the caller authenticated with an access token.
	// Nil means static-key auth or an open bridge; both grant full access.
	Token *store.AccessToken
	// Perm is the matched permission entry when a specific type/action was
	// required.
	Perm *store.TokenPermission
	// Identity keys the rate-limit window: token ID for token callers,
	// owner user ID otherwise.
	Identity string
	// Tier is the bridge owner's account tier.
	Tier store.Tier
}

// Config holds the gateway's collaborators.
type Config struct {
	Store     store.Store
	Authority *auth.Authority
	Quota     *quota.Manager
	Audit     *audit.Sink
	Client    *http.Client
	Logger    *slog.Logger
}

// Gateway translates inbound bridge calls into upstream HTTP requests.
// Stateless per request; quota and token state live in the injected stores.
type Gateway struct {
	store     store.Store
	authority *auth.Authority
	quota     *quota.Manager
	audit     *audit.Sink
	client    *http.Client
	logger    *slog.Logger
	rpc       RPCHandler
}

// New creates a gateway. Store, Authority, and Quota are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Authority == nil {
		return nil, errors.New("authority is required")
	}
	if cfg.Quota == nil {
		return nil, errors.New("quota manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Gateway{
		store:     cfg.Store,
		authority: cfg.Authority,
		quota:     cfg.Quota,
		audit:     cfg.Audit,
		client:    client,
		logger:    logger.With("component", "gateway"),
		rpc:       nil,
	}, nil
}

// SetRPCHandler injects the JSON-RPC handler for bare POST /mcp/{bridge}
// requests. Must be called before RegisterRoutes.
func (g *Gateway) SetRPCHandler(h RPCHandler) {
	g.rpc = h
}

// RegisterRoutes registers the bridge endpoint on the given ServeMux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp/", g.handleBridge)
}

// setCORSHeaders applies permissive CORS headers. Bridges are meant to be
// called from arbitrary AI clients, browser-based ones included.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, Mcp-Session-Id")
}

// splitBridgePath splits the URL path after /mcp/ into the bridge id-or-slug
// and the remaining sub-path.
func splitBridgePath(urlPath string) (idOrSlug, rest string) {
	trimmed := strings.TrimPrefix(urlPath, "/mcp/")
	if trimmed == urlPath {
		return "", ""
	}
	trimmed = strings.TrimLeft(trimmed, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], strings.Trim(trimmed[idx:], "/")
	}
	return trimmed, ""
}

// handleBridge is the single entry point for all /mcp/{bridge} traffic.
func (g *Gateway) handleBridge(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	// Preflight succeeds unconditionally, even for unknown bridges.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	idOrSlug, rest := splitBridgePath(r.URL.Path)
	if idOrSlug == "" {
		g.sendError(w, http.StatusNotFound, "missing bridge id or slug")
		return
	}

	b, err := g.FindBridge(r.Context(), idOrSlug)
	if err != nil {
		g.sendError(w, http.StatusNotFound, "bridge not found")
		return
	}
	if !b.Enabled {
		g.recordAuthFailure(b, nil, r, "bridge is disabled")
		g.sendError(w, http.StatusForbidden, "bridge is disabled")
		return
	}

	authRes, err := g.Authorize(r.Context(), b, r, "", "", "")
	if err != nil {
		g.recordAuthFailure(b, authRes, r, err.Error())
		g.sendAuthError(w, err)
		return
	}

	if rest == "" && r.Method == http.MethodPost {
		if g.rpc == nil {
			g.sendError(w, http.StatusNotFound, "MCP endpoint not configured")
			return
		}
		g.rpc.HandleRPC(w, r, b, authRes)
		return
	}

	g.handlePassthrough(w, r, b, authRes, "/"+rest)
}

// FindBridge looks up a bridge by id first, then by slug.
func (g *Gateway) FindBridge(ctx context.Context, idOrSlug string) (*store.Bridge, error) {
	b, err := g.store.GetBridge(ctx, idOrSlug)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up bridge: %w", err)
	}
	b, err = g.store.GetBridgeBySlug(ctx, idOrSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBridgeNotFound
		}
		return nil, fmt.Errorf("looking up bridge by slug: %w", err)
	}
	return b, nil
}

// extractCredential pulls the inbound credential from Authorization (Bearer
// or ApiKey scheme) or X-API-Key.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		for _, scheme := range []string{"Bearer ", "ApiKey "} {
			if strings.HasPrefix(h, scheme) {
				return strings.TrimPrefix(h, scheme)
			}
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

// Authorize enforces the bridge's inbound access control. With authRequired
// unset it only resolves the identity and tier. requiredType may be empty to
// check bridge-level access only (the JSON-RPC pre-gate).
func (g *Gateway) Authorize(ctx context.Context, b *store.Bridge, r *http.Request, requiredType, requiredAction, endpoint string) (*AuthResult, error) {
	res := &AuthResult{Identity: "user:" + b.UserID, Tier: store.TierRegular}
	if user, err := g.store.GetUser(ctx, b.UserID); err == nil {
		res.Tier = user.Tier
	}

	if !b.AuthRequired {
		return res, nil
	}

	credential := extractCredential(r)
	if credential == "" {
		return res, ErrUnauthorized
	}

	// Access tokens have a recognizable shape; everything else is compared
	// against the bridge's static key.
	if auth.LooksLikeToken(credential) {
		token, perm, err := g.authority.Validate(ctx, credential, b.ID, requiredType, requiredAction, endpoint)
		if err != nil {
			if errors.Is(err, auth.ErrPermissionDenied) {
				return res, ErrForbidden
			}
			return res, ErrUnauthorized
		}
		res.Token = token
		res.Perm = perm
		res.Identity = "token:" + token.ID
		return res, nil
	}

	if b.APIKeyHash == "" {
		return res, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(b.APIKeyHash), []byte(credential)); err != nil {
		return res, ErrUnauthorized
	}
	return res, nil
}

// CheckRequestRate counts this request against the caller's window. Token
// callers use the permission's own ceiling when one is declared; otherwise
// the owner tier's requests-per-minute applies. One authoritative limiter
// per identity, never both.
func (g *Gateway) CheckRequestRate(ctx context.Context, authRes *AuthResult) (quota.RateResult, error) {
	limits := quota.LimitsForTier(authRes.Tier)
	limit := limits.RequestsPerMinute
	if authRes.Perm != nil && authRes.Perm.RateLimit > 0 && authRes.Perm.RateLimit < limit {
		limit = authRes.Perm.RateLimit
	}
	return g.quota.CheckRate(ctx, authRes.Identity, limit)
}

// handlePassthrough forwards a REST request to the upstream API.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request, b *store.Bridge, authRes *AuthResult, reqPath string) {
	// Token callers need tools:execute for passthrough calls.
	if authRes.Token != nil && authRes.Perm == nil {
		perm := auth.MatchPermission(authRes.Token.Permissions, store.PermissionTools, "execute", reqPath)
		if perm == nil {
			g.recordAuthFailure(b, authRes, r, "token lacks tools:execute permission")
			g.sendError(w, http.StatusForbidden, "permission denied")
			return
		}
		authRes.Perm = perm
	}

	limits := quota.LimitsForTier(authRes.Tier)
	if !quota.MethodAllowed(limits, r.Method) {
		g.recordAuthFailure(b, authRes, r, fmt.Sprintf("method %s not allowed for %s tier", r.Method, authRes.Tier))
		g.sendError(w, http.StatusForbidden, fmt.Sprintf("method %s is not available on the %s tier", r.Method, authRes.Tier))
		return
	}

	rate, err := g.CheckRequestRate(r.Context(), authRes)
	if err != nil {
		g.logger.Error("rate check failed", "error", err)
		g.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	setRateHeaders(w, rate)
	if !rate.Allowed {
		g.record(b, authRes, &store.BridgeLog{
			Action: ActionRateLimited,
			Method: r.Method,
			Path:   reqPath,
			Error:  "rate limit exceeded",
		})
		g.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ep, ok := MatchEndpoint(b.Endpoints, r.Method, reqPath)
	if !ok {
		g.sendEndpointNotFound(w, b, r.Method, reqPath)
		return
	}

	g.proxy(w, r, b, authRes, ep, reqPath)
}

// setRateHeaders exposes the current window on the response.
func setRateHeaders(w http.ResponseWriter, rate quota.RateResult) {
	if rate.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	}
	if !rate.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rate.ResetAt.Unix(), 10))
		if secs := int(time.Until(rate.ResetAt).Seconds()) + 1; secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
}

// sendEndpointNotFound returns 404 listing the bridge's available endpoints.
// The list is already bridge-scoped, so this aids debugging without leaking
// anything the caller could not see via tools/list.
func (g *Gateway) sendEndpointNotFound(w http.ResponseWriter, b *store.Bridge, method, reqPath string) {
	available := make([]string, len(b.Endpoints))
	for i, ep := range b.Endpoints {
		available[i] = strings.ToUpper(ep.Method) + " " + ep.Path
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     fmt.Sprintf("no endpoint matches %s %s", method, reqPath),
		"available": available,
	})
}

// sendAuthError maps authorization errors to HTTP responses.
func (g *Gateway) sendAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		g.sendError(w, http.StatusForbidden, "permission denied")
	default:
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-bridge"`)
		g.sendError(w, http.StatusUnauthorized, "invalid or missing credential")
	}
}

// sendError writes a JSON error response.
func (g *Gateway) sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// recordAuthFailure audit-logs a denied request. Authorization failures are
// always logged; logging failures never surface to the caller.
func (g *Gateway) recordAuthFailure(b *store.Bridge, authRes *AuthResult, r *http.Request, reason string) {
	g.record(b, authRes, &store.BridgeLog{
		Action: ActionAuthDenied,
		Method: r.Method,
		Path:   r.URL.Path,
		Error:  reason,
	})
}

// RecordDenial audit-logs a denial raised outside the gateway's own
// handlers. The JSON-RPC layer uses it so its permission and rate-limit
// rejections reach the bridge log the same way passthrough denials do.
func (g *Gateway) RecordDenial(b *store.Bridge, authRes *AuthResult, action, method, path, reason string) {
	g.record(b, authRes, &store.BridgeLog{
		Action: action,
		Method: method,
		Path:   path,
		Error:  reason,
	})
}

// record fills common fields and hands the entry to the audit sink.
func (g *Gateway) record(b *store.Bridge, authRes *AuthResult, entry *store.BridgeLog) {
	if g.audit == nil {
		return
	}
	entry.BridgeID = b.ID
	if authRes != nil && authRes.Token != nil {
		id := authRes.Token.ID
		entry.TokenID = &id
	}
	g.audit.Record(entry)
}
