// ABOUTME: Error taxonomy for the bridge gateway request path
// ABOUTME: Authorization failures short-circuit before any upstream call

package bridge

import "errors"

var (
	// ErrBridgeNotFound means no bridge matches the given id or slug.
	ErrBridgeNotFound = errors.New("bridge not found")
	// ErrBridgeDisabled means the bridge exists but is disabled.
	// A disabled bridge never proxies traffic.
	ErrBridgeDisabled = errors.New("bridge is disabled")
	// ErrEndpointNotFound means no endpoint template matches the request.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrUnauthorized means the request carried a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential is valid but lacks permission.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited means the identity's request window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUpstreamTransport means the upstream call failed at the transport
	// level (DNS, connection refused, timeout). Upstream HTTP statuses are
	// relayed, never wrapped in this error.
	ErrUpstreamTransport = errors.New("upstream request failed")
)
