// ABOUTME: Deterministic MCP tool definitions derived from bridge endpoints
// ABOUTME: Tool names are stable across restarts so clients can cache them

package bridge

import (
	"encoding/json"
	"strings"

	"github.com/2389/mcp-bridge/internal/store"
)

// ToolName derives the tool name for an endpoint: lowercased method plus the
// path segments joined by underscores, placeholder braces stripped.
// GET /repos/{owner}/{repo} becomes get_repos_owner_repo.
func ToolName(ep *store.Endpoint) string {
	parts := []string{strings.ToLower(ep.Method)}
	for _, seg := range splitPath(ep.Path) {
		seg = strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}")
		if seg != "" {
			parts = append(parts, strings.ToLower(seg))
		}
	}
	return strings.Join(parts, "_")
}

// jsonSchemaType maps a parameter's semantic type to a JSON schema type.
func jsonSchemaType(paramType string) string {
	switch strings.ToLower(paramType) {
	case "integer", "number", "float", "double":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "array":
		return "array"
	case "object":
		return "object"
	default:
		return "string"
	}
}

// toolInputSchema builds a JSON-schema object describing an endpoint's
// parameters.
func toolInputSchema(ep *store.Endpoint) json.RawMessage {
	properties := make(map[string]any, len(ep.Parameters))
	var required []string
	for _, p := range ep.Parameters {
		prop := map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required || p.In == store.ParamInPath {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// toolDescription prefers the endpoint's own description, falling back to a
// generated one.
func toolDescription(ep *store.Endpoint) string {
	if ep.Description != "" {
		return ep.Description
	}
	return strings.ToUpper(ep.Method) + " " + ep.Path
}

// DeriveTools generates one MCP tool per endpoint.
func DeriveTools(endpoints []store.Endpoint) []store.McpTool {
	tools := make([]store.McpTool, 0, len(endpoints))
	for i := range endpoints {
		ep := &endpoints[i]
		tools = append(tools, store.McpTool{
			Name:        ToolName(ep),
			Description: toolDescription(ep),
			InputSchema: toolInputSchema(ep),
		})
	}
	return tools
}

// BridgeTools returns the bridge's tool list: imported definitions when
// present, otherwise tools derived from the endpoints.
func BridgeTools(b *store.Bridge) []store.McpTool {
	if len(b.Tools) > 0 {
		return b.Tools
	}
	return DeriveTools(b.Endpoints)
}

// FindToolEndpoint resolves a tool name back to the endpoint it executes.
func FindToolEndpoint(b *store.Bridge, name string) (*store.Endpoint, bool) {
	for i := range b.Endpoints {
		if ToolName(&b.Endpoints[i]) == name {
			return &b.Endpoints[i], true
		}
	}
	return nil, false
}
