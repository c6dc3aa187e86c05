// ABOUTME: Store interface and data types for mcp-bridge persistence
// ABOUTME: Defines Bridge, Endpoint, AccessToken structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSlug is returned when creating a bridge whose slug is taken
var ErrDuplicateSlug = errors.New("bridge slug already exists")

// ErrDuplicateEndpoint is returned when an endpoint with the same method and
// path template already exists on the bridge
var ErrDuplicateEndpoint = errors.New("endpoint already exists")

// Tier is an account class determining quota ceilings.
type Tier string

const (
	TierDemo    Tier = "demo"
	TierRegular Tier = "regular"
)

// User represents an account that owns bridges.
type User struct {
	ID        string
	Email     string
	Tier      Tier
	CreatedAt time.Time
}

// AuthType identifies how the gateway authenticates against the upstream API.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apikey"
	AuthBasic  AuthType = "basic"
)

// UpstreamAuth is the tagged auth config for outbound requests.
// Exactly one scheme applies; fields irrelevant to Type stay empty.
type UpstreamAuth struct {
	Type       AuthType `json:"type"`
	Token      string   `json:"token,omitempty"`
	HeaderName string   `json:"header_name,omitempty"` // apikey header, defaults to X-API-Key
	InQuery    bool     `json:"in_query,omitempty"`    // apikey travels as a query parameter
	QueryParam string   `json:"query_param,omitempty"` // query parameter name when InQuery
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
}

// Validate checks the auth config at write time so request time never sees a
// malformed scheme.
func (a UpstreamAuth) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.New("bearer auth requires a token")
		}
	case AuthAPIKey:
		if a.Token == "" {
			return errors.New("apikey auth requires a token")
		}
		if a.InQuery && a.QueryParam == "" {
			return errors.New("apikey auth in query requires a parameter name")
		}
	case AuthBasic:
		if a.Username == "" {
			return errors.New("basic auth requires a username")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// Parameter source locations.
const (
	ParamInPath  = "path"
	ParamInQuery = "query"
	ParamInBody  = "body"
)

// Parameter describes one input to an endpoint.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, array, object
	Required    bool   `json:"required"`
	In          string `json:"in"` // path, query, body
	Description string `json:"description,omitempty"`
}

// Endpoint is one HTTP method + path template exposed by a bridge.
// The path template may contain {name} placeholders.
type Endpoint struct {
	ID          string      `json:"id"`
	BridgeID    string      `json:"bridge_id"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// McpTool is an MCP tool definition derived from an endpoint or an OpenAPI
// operation. InputSchema is a JSON-schema-shaped document.
type McpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// PromptArgument describes one argument of an MCP prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// McpPrompt is an MCP prompt definition.
type McpPrompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Template    string           `json:"template,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// McpResource is an MCP resource definition.
type McpResource struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// Bridge maps an MCP server identity to a target REST API.
// A disabled bridge never proxies traffic; bridges are disabled rather than
// hard-deleted while requests may be in flight.
type Bridge struct {
	ID           string
	Slug         string
	UserID       string
	Name         string
	Description  string
	BaseURL      string
	Enabled      bool
	AuthRequired bool
	APIKeyHash   string // bcrypt hash of the inbound static key
	Auth         UpstreamAuth
	Headers      map[string]string // custom headers overlaid on outbound requests
	Endpoints    []Endpoint
	Tools        []McpTool
	Prompts      []McpPrompt
	Resources    []McpResource
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Permission resource types.
const (
	PermissionTools     = "tools"
	PermissionResources = "resources"
	PermissionPrompts   = "prompts"
	PermissionAdmin     = "admin"
)

// ActionWildcard in an action list grants every action on the resource type.
const ActionWildcard = "*"

// TokenPermission grants actions on one resource type, optionally constrained
// by a rate ceiling and endpoint glob patterns. Absence of an entry for a
// resource type means no access to that type.
type TokenPermission struct {
	Type             string   `json:"type"` // tools, resources, prompts, admin
	Actions          []string `json:"actions"`
	RateLimit        int      `json:"rate_limit,omitempty"` // requests per minute, 0 = unlimited
	AllowedEndpoints []string `json:"allowed_endpoints,omitempty"`
}

// AccessToken is an opaque credential scoped to one bridge.
// Usable only while IsActive and (no expiry OR expiry in the future).
type AccessToken struct {
	ID          string
	BridgeID    string
	Name        string
	Secret      string // shown at issuance and on explicit reveal
	Permissions []TokenPermission
	ExpiresAt   *time.Time
	IsActive    bool
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// BridgeLog is one append-only record of an authorization decision or proxied
// call. Never mutated after creation.
type BridgeLog struct {
	ID         string
	BridgeID   string
	TokenID    *string
	Action     string
	Resource   string
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	Success    bool
	Error      string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// BridgeLogFilter specifies filtering options for listing bridge logs.
type BridgeLogFilter struct {
	BridgeID string
	Since    *time.Time
	Until    *time.Time
	Action   *string
	Limit    int // default 100, max 1000
}

// Store defines the interface for bridge, token, and log persistence.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Bridges
	CreateBridge(ctx context.Context, bridge *Bridge) error
	GetBridge(ctx context.Context, id string) (*Bridge, error)
	GetBridgeBySlug(ctx context.Context, slug string) (*Bridge, error)
	UpdateBridge(ctx context.Context, bridge *Bridge) error
	SetBridgeEnabled(ctx context.Context, id string, enabled bool) error
	ListBridges(ctx context.Context, userID string) ([]*Bridge, error)
	CountBridges(ctx context.Context, userID string) (int, error)

	// Endpoints
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	CountEndpoints(ctx context.Context, bridgeID string) (int, error)

	// Access tokens
	CreateAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)
	GetAccessTokenBySecret(ctx context.Context, secret string) (*AccessToken, error)
	ListAccessTokens(ctx context.Context, bridgeID string) ([]*AccessToken, error)
	SetAccessTokenActive(ctx context.Context, id string, active bool) error
	TouchAccessToken(ctx context.Context, id string, when time.Time) error
	DeleteAccessToken(ctx context.Context, id string) error

	// Bridge logs (append-only)
	AppendBridgeLogs(ctx context.Context, entries []*BridgeLog) error
	ListBridgeLogs(ctx context.Context, f BridgeLogFilter) ([]BridgeLog, error)

	// Close releases any resources held by the store
	Close() error
}
