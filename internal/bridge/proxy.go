// ABOUTME: Outbound request construction and upstream execution
// ABOUTME: Joins base URL + resolved path, applies one auth scheme, relays responses

package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/mcp-bridge/internal/store"
)

// maxRelayBodySize caps how much of an upstream response is buffered (10MB).
const maxRelayBodySize = 10 << 20

// UpstreamResult is the relayed outcome of one upstream call.
type UpstreamResult struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// buildUpstreamURL joins the bridge base URL with the resolved path and
// merges query parameters. Inbound query parameters overwrite same-named
// defaults carried on the base URL.
func buildUpstreamURL(baseURL, resolvedPath string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}

	// resolvedPath may carry percent-escaped segment values (tool arguments
	// run through url.PathEscape); RawPath keeps an escaped %2F from turning
	// into a path separator on the wire.
	joined := strings.TrimSuffix(u.EscapedPath(), "/") + resolvedPath
	if decoded, err := url.PathUnescape(joined); err == nil {
		u.Path = decoded
		u.RawPath = joined
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + resolvedPath
	}

	merged := u.Query()
	for key, vals := range query {
		merged[key] = vals
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

// applyUpstreamAuth attaches exactly one authentication scheme to the
// outbound request.
func applyUpstreamAuth(req *http.Request, a store.UpstreamAuth) {
	switch a.Type {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case store.AuthAPIKey:
		if a.InQuery {
			q := req.URL.Query()
			q.Set(a.QueryParam, a.Token)
			req.URL.RawQuery = q.Encode()
			return
		}
		header := a.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.Token)
	case store.AuthBasic:
		credentials := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		req.Header.Set("Authorization", "Basic "+credentials)
	}
}

// methodCarriesBody reports whether the inbound body is forwarded verbatim.
func methodCarriesBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// buildUpstreamRequest constructs the outbound request for a passthrough
// call: resolved concrete path joined to the base URL, inbound query copied
// through, one auth scheme attached, bridge custom headers overlaid last
// (they may override auth headers; last write wins), and the original body
// forwarded for POST/PUT/PATCH only.
func (g *Gateway) buildUpstreamRequest(ctx context.Context, b *store.Bridge, ep *store.Endpoint, reqPath string, query url.Values, contentType string, body []byte) (*http.Request, error) {
	resolved := ResolvePath(ep.Path, reqPath)

	target, err := buildUpstreamURL(b.BaseURL, resolved, query)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if methodCarriesBody(ep.Method) && len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(ep.Method), target, reader)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	if reader != nil {
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	applyUpstreamAuth(req, b.Auth)

	for key, value := range b.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// execute performs the upstream call, measuring elapsed time. Any HTTP
// response (2xx-5xx) is a normal result; only transport failures error.
func (g *Gateway) execute(req *http.Request) (*UpstreamResult, error) {
	start := time.Now()
	resp, err := g.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamTransport, err)
	}

	return &UpstreamResult{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    elapsed,
	}, nil
}

// proxy forwards a passthrough request and relays the upstream response
// unchanged. Transport failures surface as a generic 500 without leaking
// upstream connection details.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, b *store.Bridge, authRes *AuthResult, ep *store.Endpoint, reqPath string) {
	var body []byte
	if methodCarriesBody(r.Method) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBodySize))
		if err != nil {
			g.sendError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		body = data
	}

	req, err := g.buildUpstreamRequest(r.Context(), b, ep, reqPath, r.URL.Query(), r.Header.Get("Content-Type"), body)
	if err != nil {
		g.logger.Error("failed to build upstream request", "bridge_id", b.ID, "error", err)
		g.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result, err := g.execute(req)
	if err != nil {
		g.logger.Warn("upstream call failed", "bridge_id", b.ID, "endpoint", ep.Method+" "+ep.Path, "error", err)
		g.record(b, authRes, &store.BridgeLog{
			Action:  ActionProxyRequest,
			Method:  ep.Method,
			Path:    reqPath,
			Success: false,
			Error:   "upstream request failed",
		})
		g.sendError(w, http.StatusInternalServerError, "upstream request failed")
		return
	}

	g.record(b, authRes, &store.BridgeLog{
		Action:     ActionProxyRequest,
		Method:     ep.Method,
		Path:       reqPath,
		Resource:   ep.Path,
		StatusCode: result.StatusCode,
		DurationMs: result.Duration.Milliseconds(),
		Success:    result.StatusCode < 400,
	})

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// CallEndpoint executes an endpoint on behalf of an MCP tool call. Arguments
// are routed by the endpoint's declared parameters: path parameters fill
// template placeholders, query parameters go on the URL, and the rest form
// the JSON body for methods that carry one.
func (g *Gateway) CallEndpoint(ctx context.Context, b *store.Bridge, ep *store.Endpoint, args map[string]any) (*UpstreamResult, error) {
	concrete := ep.Path
	for _, p := range ep.Parameters {
		if p.In != store.ParamInPath {
			continue
		}
		val, ok := args[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing required path parameter %q", p.Name)
		}
		// Escape so argument values cannot add path segments or a query
		// string to the upstream URL.
		concrete = strings.ReplaceAll(concrete, "{"+p.Name+"}", url.PathEscape(fmt.Sprintf("%v", val)))
	}

	query := url.Values{}
	bodyArgs := make(map[string]any)
	declared := make(map[string]string, len(ep.Parameters))
	for _, p := range ep.Parameters {
		declared[p.Name] = p.In
	}
	for name, val := range args {
		switch declared[name] {
		case store.ParamInPath:
			// already substituted
		case store.ParamInQuery:
			query.Set(name, fmt.Sprintf("%v", val))
		case store.ParamInBody:
			bodyArgs[name] = val
		default:
			// Undeclared arguments ride in the body when one exists,
			// otherwise as query parameters.
			if methodCarriesBody(ep.Method) {
				bodyArgs[name] = val
			} else {
				query.Set(name, fmt.Sprintf("%v", val))
			}
		}
	}

	var body []byte
	if methodCarriesBody(ep.Method) && len(bodyArgs) > 0 {
		data, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, fmt.Errorf("encoding tool arguments: %w", err)
		}
		body = data
	}

	req, err := g.buildUpstreamRequest(ctx, b, ep, concrete, query, "application/json", body)
	if err != nil {
		return nil, err
	}

	result, err := g.execute(req)
	if err != nil {
		g.record(b, nil, &store.BridgeLog{
			Action:  ActionToolCall,
			Method:  ep.Method,
			Path:    concrete,
			Success: false,
			Error:   "upstream request failed",
		})
		return nil, err
	}

	g.record(b, nil, &store.BridgeLog{
		Action:     ActionToolCall,
		Method:     ep.Method,
		Path:       concrete,
		Resource:   ep.Path,
		StatusCode: result.StatusCode,
		DurationMs: result.Duration.Milliseconds(),
		Success:    result.StatusCode < 400,
	})
	return result, nil
}
