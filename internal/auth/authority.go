// ABOUTME: Access token issuance and validation for bridge MCP traffic
// ABOUTME: Tokens carry per-resource-type permissions with optional endpoint globs

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// Token errors
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenInactive    = errors.New("token is not active")
	ErrTokenExpired     = errors.New("token expired")
	ErrWrongBridge      = errors.New("token does not belong to this bridge")
	ErrPermissionDenied = errors.New("permission denied")
)

// tokenPrefix identifies bridge access tokens in the wild.
const tokenPrefix = "mbt"

// tokenSecretBytes is the random payload length; 32 bytes encodes to 43
// base64url characters.
const tokenSecretBytes = 32

// tokenPattern pre-validates token shape before any store lookup, as a cheap
// rejection of malformed input: <prefix>_<base36 timestamp>_<base64url payload>.
var tokenPattern = regexp.MustCompile(`^[a-z]+_[0-9a-z]+_[A-Za-z0-9_-]{43}$`)

// DefaultPermissions is the permission set applied when the caller supplies
// none: rate-limited tool execution plus read access to resources and prompts.
func DefaultPermissions() []store.TokenPermission {
	return []store.TokenPermission{
		{Type: store.PermissionTools, Actions: []string{"execute"}, RateLimit: 60},
		{Type: store.PermissionResources, Actions: []string{"read"}},
		{Type: store.PermissionPrompts, Actions: []string{"read", "execute"}},
	}
}

// Authority issues, validates, and revokes bridge access tokens.
type Authority struct {
	store  store.Store
	logger *slog.Logger
}

// NewAuthority creates a token authority over the given store.
func NewAuthority(st store.Store, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:  st,
		logger: logger.With("component", "auth"),
	}
}

// newSecret generates a token value: <prefix>_<base36 timestamp>_<random>.
func newSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token entropy: %w", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 36)
	payload := base64.RawURLEncoding.EncodeToString(buf)
	return tokenPrefix + "_" + ts + "_" + payload, nil
}

// Issue creates a new access token for a bridge. A nil permission list gets
// the default set; expiresInDays <= 0 means no expiry.
func (a *Authority) Issue(ctx context.Context, bridgeID, name string, permissions []store.TokenPermission, expiresInDays int) (*store.AccessToken, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	if permissions == nil {
		permissions = DefaultPermissions()
	}

	var expiresAt *time.Time
	if expiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, expiresInDays)
		expiresAt = &t
	}

	token := &store.AccessToken{
		BridgeID:    bridgeID,
		Name:        name,
		Secret:      secret,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}
	if err := a.store.CreateAccessToken(ctx, token); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	a.logger.Info("issued access token", "token_id", token.ID, "bridge_id", bridgeID, "name", name)
	return token, nil
}

// LooksLikeToken reports whether a credential matches the access token shape.
// Used to distinguish access tokens from bridge static keys before lookup.
func LooksLikeToken(credential string) bool {
	return tokenPattern.MatchString(credential)
}

// Validate checks a token secret against a required resource type and action,
// optionally constrained to an endpoint. The check is a conjunction: the
// token must be active, unexpired, belong to the bridge, carry a permission
// entry for requiredType whose actions include requiredAction or the
// wildcard, and, when the entry declares endpoint globs, the endpoint must
// match at least one.
//
// Returns the token and the matched permission on success. Last-used time is
// updated best-effort.
func (a *Authority) Validate(ctx context.Context, secret, bridgeID, requiredType, requiredAction, endpoint string) (*store.AccessToken, *store.TokenPermission, error) {
	if !tokenPattern.MatchString(secret) {
		return nil, nil, ErrMalformedToken
	}

	token, err := a.store.GetAccessTokenBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("looking up token: %w", err)
	}

	if bridgeID != "" && token.BridgeID != bridgeID {
		return nil, nil, ErrWrongBridge
	}
	if !token.IsActive {
		return nil, nil, ErrTokenInactive
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, nil, ErrTokenExpired
	}

	// An empty requiredType checks only bridge-level access, used as the
	// pre-gate before the JSON-RPC method is known.
	var perm *store.TokenPermission
	if requiredType != "" {
		perm = MatchPermission(token.Permissions, requiredType, requiredAction, endpoint)
		if perm == nil {
			return nil, nil, ErrPermissionDenied
		}
	}

	_ = a.store.TouchAccessToken(ctx, token.ID, time.Now())
	return token, perm, nil
}

// MatchPermission returns the permission entry satisfying the required type,
// action, and endpoint constraint, or nil when the permission set does not
// grant access.
func MatchPermission(perms []store.TokenPermission, requiredType, requiredAction, endpoint string) *store.TokenPermission {
	perm := findPermission(perms, requiredType)
	if perm == nil {
		return nil
	}
	if !actionAllowed(perm.Actions, requiredAction) {
		return nil
	}
	if len(perm.AllowedEndpoints) > 0 && !endpointAllowed(perm.AllowedEndpoints, endpoint) {
		return nil
	}
	return perm
}

// Revoke deactivates a token. Tokens are never implicitly reactivated.
func (a *Authority) Revoke(ctx context.Context, tokenID string) error {
	if err := a.store.SetAccessTokenActive(ctx, tokenID, false); err != nil {
		return err
	}
	a.logger.Info("revoked access token", "token_id", tokenID)
	return nil
}

// findPermission returns the permission entry for a resource type, or nil.
// Absence of an entry means no access to that type.
func findPermission(perms []store.TokenPermission, resourceType string) *store.TokenPermission {
	for i := range perms {
		if perms[i].Type == resourceType {
			return &perms[i]
		}
	}
	return nil
}

// actionAllowed reports whether the action list covers the required action.
func actionAllowed(actions []string, required string) bool {
	for _, action := range actions {
		if action == store.ActionWildcard || action == required {
			return true
		}
	}
	return false
}

// endpointAllowed reports whether the endpoint matches any of the glob
// patterns. Glob * is compiled to a .* regex; all other characters are
// matched literally.
func endpointAllowed(patterns []string, endpoint string) bool {
	for _, pattern := range patterns {
		re, err := globToRegexp(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(endpoint) {
			return true
		}
	}
	return false
}

// globToRegexp compiles a glob pattern ("*" wildcard only) to a regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	return regexp.Compile("^" + expr + "$")
}
