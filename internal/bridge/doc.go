// Package bridge is the request path between inbound callers and upstream
// REST APIs.
//
// The Gateway owns every /mcp/{bridgeIdOrSlug} request: it resolves the
// bridge by id or slug, enforces the bridge's inbound access control
// (static key or access token), applies tier rate limits, and then either
// hands JSON-RPC bodies to the injected RPCHandler or proxies REST
// passthrough calls upstream.
//
// Endpoints are matched against path templates ("/posts/{id}") by segment;
// the first declared match wins. Tool derivation lives here too so the MCP
// layer and the OpenAPI importer produce identical tool names for the same
// endpoint.
//
// Outbound requests carry exactly one upstream auth scheme (bearer, api
// key in header or query, or basic), with the bridge's custom headers
// overlaid last. Upstream responses are relayed unchanged; only transport
// failures are masked behind a generic error so connection details never
// reach the caller.
package bridge
