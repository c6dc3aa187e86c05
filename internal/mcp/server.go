// ABOUTME: Bridge-scoped MCP server speaking JSON-RPC 2.0 over HTTP POST
// ABOUTME: Translates tools/call into upstream requests through the gateway

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/bridge"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// protocolVersion is advertised in initialize responses.
const protocolVersion = "2025-03-26"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Standard JSON-RPC error codes, plus the server-range code for exhausted
// rate windows.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRateLimited    = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolInfo is an MCP tool definition on the wire.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one content block in a tool or prompt result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptInfo is an MCP prompt definition on the wire.
type PromptInfo struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Arguments   []PromptArgumentInfo `json:"arguments,omitempty"`
}

// PromptArgumentInfo describes one prompt argument.
type PromptArgumentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult is the result for prompts/list.
type ListPromptsResult struct {
	Prompts []PromptInfo `json:"prompts"`
}

// GetPromptParams are the params for prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the result for prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is one message in a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ResourceInfo is an MCP resource definition on the wire.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the result for resources/list.
type ListResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
}

// ReadResourceParams are the params for resources/read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the result for resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceContents is one content entry in a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Server handles bridge-scoped JSON-RPC requests. It is injected into the
// gateway, which performs bridge lookup and the bridge-level access check
// before handing off.
type Server struct {
	gateway *bridge.Gateway
	logger  *slog.Logger
}

// NewServer creates an MCP server backed by the given gateway.
func NewServer(gw *bridge.Gateway, logger *slog.Logger) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gateway: gw,
		logger:  logger.With("component", "mcp"),
	}, nil
}

// HandleRPC processes one JSON-RPC message for a bridge. The gateway has
// already resolved the bridge and validated bridge-level access; method-level
// permission checks happen here once the JSON-RPC method is known.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request, b *store.Bridge, authRes *bridge.AuthResult) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	// Notifications are accepted and discarded with 202, no body.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.logger.Debug("rpc request", "bridge_id", b.ID, "method", req.Method)

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, b)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req, b, authRes)
	case "tools/call", "tools/invoke":
		s.handleToolsCall(w, r, req, b, authRes)
	case "prompts/list":
		s.handlePromptsList(w, req, b, authRes)
	case "prompts/get":
		s.handlePromptsGet(w, req, b, authRes)
	case "resources/list":
		s.handleResourcesList(w, req, b, authRes)
	case "resources/read":
		s.handleResourcesRead(w, req, b, authRes)
	default:
		s.sendError(w, req.ID, CodeMethodNotFound, "method not found")
	}
}

// handleInitialize answers the MCP handshake with the bridge's identity.
func (s *Server) handleInitialize(w http.ResponseWriter, req Request, b *store.Bridge) {
	name := b.Name
	if name == "" {
		name = b.Slug
	}
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    name,
			"version": "1.0.0",
		},
	}
	s.sendResult(w, req.ID, result)
}

// allowType reports whether the caller may touch a resource type at all.
// Callers without a token (static key or open bridge) have full access;
// token callers need a permission entry of that type.
func allowType(authRes *bridge.AuthResult, resourceType string) bool {
	if authRes.Token == nil {
		return true
	}
	for _, p := range authRes.Token.Permissions {
		if p.Type == resourceType {
			return true
		}
	}
	return false
}

// allowAction reports whether the caller may perform a specific action,
// optionally constrained to an endpoint path.
func allowAction(authRes *bridge.AuthResult, resourceType, action, endpoint string) *store.TokenPermission {
	if authRes.Token == nil {
		return &store.TokenPermission{Type: resourceType, Actions: []string{store.ActionWildcard}}
	}
	return auth.MatchPermission(authRes.Token.Permissions, resourceType, action, endpoint)
}

// denyError records the denial in the bridge log before answering with a
// JSON-RPC error, keeping authorization failures audit-logged on this path
// just as they are on passthrough.
func (s *Server) denyError(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult, action, method, path string, code int, message string) {
	s.gateway.RecordDenial(b, authRes, action, method, path, message)
	s.sendError(w, req.ID, code, message)
}

func (s *Server) handleToolsList(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	if !allowType(authRes, store.PermissionTools) {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, http.MethodPost, "tools/list",
			CodeInvalidRequest, "token lacks tools permission")
		return
	}

	tools := bridge.BridgeTools(b)
	result := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result.Tools[i] = ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}

	s.logger.Debug("tools/list", "bridge_id", b.ID, "count", len(result.Tools))
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, CodeInvalidParams, "tool name is required")
		return
	}

	ep, ok := bridge.FindToolEndpoint(b, params.Name)
	if !ok {
		s.sendError(w, req.ID, CodeInvalidParams, "tool not found")
		return
	}

	perm := allowAction(authRes, store.PermissionTools, "execute", ep.Path)
	if perm == nil {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, ep.Method, ep.Path,
			CodeInvalidRequest, "insufficient permissions for this tool")
		return
	}
	if authRes.Perm == nil {
		authRes.Perm = perm
	}

	limits := quota.LimitsForTier(authRes.Tier)
	if !quota.MethodAllowed(limits, ep.Method) {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, ep.Method, ep.Path,
			CodeInvalidRequest,
			"method "+strings.ToUpper(ep.Method)+" is not available on the "+string(authRes.Tier)+" tier")
		return
	}

	rate, err := s.gateway.CheckRequestRate(r.Context(), authRes)
	if err != nil {
		s.logger.Error("rate check failed", "error", err)
		s.sendError(w, req.ID, CodeInternalError, "internal error")
		return
	}
	if !rate.Allowed {
		s.denyError(w, req, b, authRes, bridge.ActionRateLimited, ep.Method, ep.Path,
			CodeRateLimited, "rate limit exceeded")
		return
	}

	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	result, err := s.gateway.CallEndpoint(r.Context(), b, ep, params.Arguments)
	if err != nil {
		s.logger.Warn("tool execution failed", "tool", params.Name, "bridge_id", b.ID, "error", err)
		if errors.Is(err, bridge.ErrUpstreamTransport) {
			s.sendError(w, req.ID, CodeInternalError, "upstream request failed")
			return
		}
		s.sendError(w, req.ID, CodeInvalidParams, err.Error())
		return
	}

	s.sendResult(w, req.ID, CallToolResult{
		Content: []Content{{Type: "text", Text: string(result.Body)}},
		IsError: result.StatusCode >= 400,
	})
}

func (s *Server) handlePromptsList(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	if !allowType(authRes, store.PermissionPrompts) {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, http.MethodPost, "prompts/list",
			CodeInvalidRequest, "token lacks prompts permission")
		return
	}

	result := ListPromptsResult{Prompts: make([]PromptInfo, len(b.Prompts))}
	for i, p := range b.Prompts {
		args := make([]PromptArgumentInfo, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = PromptArgumentInfo{Name: a.Name, Description: a.Description, Required: a.Required}
		}
		result.Prompts[i] = PromptInfo{Name: p.Name, Description: p.Description, Arguments: args}
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handlePromptsGet(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	var params GetPromptParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, CodeInvalidParams, "prompt name is required")
		return
	}

	if allowAction(authRes, store.PermissionPrompts, "read", "") == nil {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, http.MethodPost, "prompts/get",
			CodeInvalidRequest, "insufficient permissions for prompts")
		return
	}

	var prompt *store.McpPrompt
	for i := range b.Prompts {
		if b.Prompts[i].Name == params.Name {
			prompt = &b.Prompts[i]
			break
		}
	}
	if prompt == nil {
		s.sendError(w, req.ID, CodeInvalidParams, "prompt not found")
		return
	}

	text := renderPrompt(prompt.Template, params.Arguments)
	s.sendResult(w, req.ID, GetPromptResult{
		Description: prompt.Description,
		Messages: []PromptMessage{
			{Role: "user", Content: Content{Type: "text", Text: text}},
		},
	})
}

// renderPrompt substitutes {name} placeholders in a prompt template.
// Unsupplied placeholders are left intact.
func renderPrompt(template string, args map[string]string) string {
	out := template
	for name, val := range args {
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	return out
}

func (s *Server) handleResourcesList(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	if !allowType(authRes, store.PermissionResources) {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, http.MethodPost, "resources/list",
			CodeInvalidRequest, "token lacks resources permission")
		return
	}

	result := ListResourcesResult{Resources: make([]ResourceInfo, len(b.Resources))}
	for i, res := range b.Resources {
		result.Resources[i] = ResourceInfo{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		}
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleResourcesRead(w http.ResponseWriter, req Request, b *store.Bridge, authRes *bridge.AuthResult) {
	var params ReadResourceParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.URI == "" {
		s.sendError(w, req.ID, CodeInvalidParams, "resource uri is required")
		return
	}

	if allowAction(authRes, store.PermissionResources, "read", "") == nil {
		s.denyError(w, req, b, authRes, bridge.ActionAuthDenied, http.MethodPost, "resources/read",
			CodeInvalidRequest, "insufficient permissions for resources")
		return
	}

	var resource *store.McpResource
	for i := range b.Resources {
		if b.Resources[i].URI == params.URI {
			resource = &b.Resources[i]
			break
		}
	}
	if resource == nil {
		s.sendError(w, req.ID, CodeInvalidParams, "resource not found")
		return
	}

	mimeType := resource.MimeType
	if mimeType == "" {
		mimeType = "text/plain"
	}
	s.sendResult(w, req.ID, ReadResourceResult{
		Contents: []ResourceContents{
			{URI: resource.URI, MimeType: mimeType, Text: resource.Description},
		},
	})
}

// sendResult sends a successful JSON-RPC response.
func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := Response{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// sendError sends a JSON-RPC error response. HTTP status stays 200; the
// error travels in the JSON-RPC envelope.
func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode error response", "error", err)
	}
}
