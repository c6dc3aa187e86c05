// Package mcp implements the per-bridge Model Context Protocol server.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. Each
// bridge is exposed as its own MCP server at POST /mcp/{bridgeIdOrSlug}:
// an AI client speaks JSON-RPC 2.0 against that endpoint and every
// tools/call is translated into an HTTP request to the bridge's upstream
// API by the gateway.
//
// # Protocol
//
// Supported JSON-RPC methods:
//
//   - initialize - handshake, advertises the bridge identity
//   - tools/list, tools/call (alias tools/invoke)
//   - prompts/list, prompts/get
//   - resources/list, resources/read
//   - notifications/* - accepted with HTTP 202, no body
//
// # Authentication
//
// The gateway validates the caller before handing the request to this
// package. Access-token callers are further checked per JSON-RPC method:
// the token must carry a permission entry for the resource type (tools,
// prompts, resources), and the action must be granted. Static-key callers
// and open bridges have full access.
//
// # Tool Discovery
//
// Tools come from the bridge configuration: definitions imported from an
// OpenAPI document, or derived on the fly from the bridge's endpoints when
// no imported definitions exist.
package mcp
