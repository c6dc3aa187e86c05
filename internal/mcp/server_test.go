// ABOUTME: Tests for the bridge-scoped JSON-RPC server.
// ABOUTME: Drives the full gateway path with real stores and an httptest upstream.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-bridge/internal/audit"
	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/bridge"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

type rpcFixture struct {
	store     *store.MemoryStore
	authority *auth.Authority
	audit     *audit.Sink
	mux       *http.ServeMux
}

func newRPCFixture(t *testing.T) *rpcFixture {
	t.Helper()

	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := auth.NewAuthority(st, logger)
	sink := audit.New(st, logger, audit.Config{BatchSize: 1})
	t.Cleanup(sink.Close)

	gw, err := bridge.New(bridge.Config{
		Store:     st,
		Authority: authority,
		Quota:     quota.NewManager(quota.NewMemoryCounterStore(), st, logger),
		Audit:     sink,
		Logger:    logger,
	})
	require.NoError(t, err)

	srv, err := NewServer(gw, logger)
	require.NoError(t, err)
	gw.SetRPCHandler(srv)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	return &rpcFixture{store: st, authority: authority, audit: sink, mux: mux}
}

func (f *rpcFixture) seedBridge(t *testing.T, b *store.Bridge) *store.Bridge {
	t.Helper()
	user := &store.User{Email: "owner@example.com", Tier: store.TierRegular}
	require.NoError(t, f.store.CreateUser(context.Background(), user))
	b.UserID = user.ID
	require.NoError(t, f.store.CreateBridge(context.Background(), b))
	return b
}

// rpc posts a raw JSON-RPC payload to /mcp/{slug} and returns the recorder.
func (f *rpcFixture) rpc(slug, payload string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/mcp/"+slug, bytes.NewReader([]byte(payload)))
	r.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleRPC_Initialize(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", Name: "Blog Bridge", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
			Capabilities map[string]any `json:"capabilities"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, protocolVersion, resp.Result.ProtocolVersion)
	assert.Equal(t, "Blog Bridge", resp.Result.ServerInfo.Name)
	assert.Contains(t, resp.Result.Capabilities, "tools")
}

func TestHandleRPC_ToolsListDerivesFromEndpoints(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "GET", Path: "/posts/{id}", Description: "Fetch one post",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "get_posts_id", resp.Result.Tools[0].Name)
	assert.Equal(t, "Fetch one post", resp.Result.Tools[0].Description)
	assert.NotEmpty(t, resp.Result.Tools[0].InputSchema)
}

func TestHandleRPC_ToolsCall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/posts/42", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42,"title":"hello"}`))
	}))
	defer upstream.Close()

	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "GET", Path: "/posts/{id}",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_posts_id","arguments":{"id":"42"}}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Result.Content, 1)
	assert.False(t, resp.Result.IsError)
	assert.JSONEq(t, `{"id":42,"title":"hello"}`, resp.Result.Content[0].Text)
}

func TestHandleRPC_ToolsCallUpstreamErrorIsToolError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such post"}`))
	}))
	defer upstream.Close()

	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_posts"}}`, nil)
	resp := decodeResponse(t, w)

	// Upstream HTTP errors are tool results, not JSON-RPC errors.
	require.Nil(t, resp.Error)
	var result CallToolResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError)
}

func TestHandleRPC_ToolsCallTransportFailure(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://127.0.0.1:1", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_posts"}}`, nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Equal(t, "upstream request failed", resp.Error.Message)
}

func TestHandleRPC_ToolsCallUnknownTool(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestHandleRPC_InvalidJSON(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{not json`, nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestHandleRPC_WrongVersion(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandleRPC_UnknownMethod(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"frobnicate"}`, nil)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestHandleRPC_NotificationGets202(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleRPC_Ping(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, nil)
	resp := decodeResponse(t, w)
	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("7"), resp.ID)
}

func TestHandleRPC_PromptsRoundTrip(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
		Prompts: []store.McpPrompt{{
			Name:        "summarize",
			Description: "Summarize recent posts",
			Template:    "Summarize the last {count} posts.",
			Arguments:   []store.PromptArgument{{Name: "count", Required: true}},
		}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, nil)
	var listResp struct {
		Result ListPromptsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Result.Prompts, 1)
	assert.Equal(t, "summarize", listResp.Result.Prompts[0].Name)

	w = f.rpc("blog", `{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"summarize","arguments":{"count":"5"}}}`, nil)
	var getResp struct {
		Result GetPromptResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &getResp))
	require.Len(t, getResp.Result.Messages, 1)
	assert.Equal(t, "user", getResp.Result.Messages[0].Role)
	assert.Equal(t, "Summarize the last 5 posts.", getResp.Result.Messages[0].Content.Text)
}

func TestHandleRPC_PromptUnsuppliedArgumentLeftIntact(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
		Prompts: []store.McpPrompt{{
			Name:     "summarize",
			Template: "Summarize the last {count} posts.",
		}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"summarize"}}`, nil)
	var resp struct {
		Result GetPromptResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Summarize the last {count} posts.", resp.Result.Messages[0].Content.Text)
}

func TestHandleRPC_ResourcesRoundTrip(t *testing.T) {
	f := newRPCFixture(t)
	f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
		Resources: []store.McpResource{{
			Name:        "Blog overview",
			URI:         "openapi://blog/overview",
			Description: "A blog about bridges.",
		}},
	})

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, nil)
	var listResp struct {
		Result ListResourcesResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Result.Resources, 1)

	w = f.rpc("blog", `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"openapi://blog/overview"}}`, nil)
	var readResp struct {
		Result ReadResourceResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readResp))
	require.Len(t, readResp.Result.Contents, 1)
	assert.Equal(t, "A blog about bridges.", readResp.Result.Contents[0].Text)
	assert.Equal(t, "text/plain", readResp.Result.Contents[0].MimeType)
}

func TestHandleRPC_TokenScoping(t *testing.T) {
	f := newRPCFixture(t)
	b := f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		AuthRequired: true,
		Endpoints:    []store.Endpoint{{Method: "GET", Path: "/posts"}},
		Prompts:      []store.McpPrompt{{Name: "summarize", Template: "Summarize."}},
	})

	perms := []store.TokenPermission{
		{Type: store.PermissionPrompts, Actions: []string{"read"}},
	}
	token, err := f.authority.Issue(context.Background(), b.ID, "prompts-only", perms, 0)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Secret)

	// Prompts are visible to this token.
	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`, header)
	resp := decodeResponse(t, w)
	assert.Nil(t, resp.Error)

	// Tools are not.
	w = f.rpc("blog", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, header)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	w = f.rpc("blog", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_posts"}}`, header)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
}

func TestHandleRPC_DeniedCallIsAuditLogged(t *testing.T) {
	f := newRPCFixture(t)
	b := f.seedBridge(t, &store.Bridge{
		Slug: "blog", BaseURL: "http://upstream.invalid", Enabled: true,
		AuthRequired: true,
		Endpoints:    []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	perms := []store.TokenPermission{
		{Type: store.PermissionPrompts, Actions: []string{"read"}},
	}
	token, err := f.authority.Issue(context.Background(), b.ID, "prompts-only", perms, 0)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Secret)

	w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_posts"}}`, header)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)

	f.audit.Close()

	logs, err := f.store.ListBridgeLogs(context.Background(), store.BridgeLogFilter{BridgeID: b.ID})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, bridge.ActionAuthDenied, logs[0].Action)
	assert.Equal(t, "/posts", logs[0].Path)
	require.NotNil(t, logs[0].TokenID)
	assert.Equal(t, token.ID, *logs[0].TokenID)
}

func TestHandleRPC_RateLimitedCallReturnsServerError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newRPCFixture(t)
	user := &store.User{Email: "demo@example.com", Tier: store.TierDemo}
	require.NoError(t, f.store.CreateUser(context.Background(), user))
	b := &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	}
	require.NoError(t, f.store.CreateBridge(context.Background(), b))

	sawLimit := false
	for i := 0; i < 35; i++ {
		w := f.rpc("blog", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_posts"}}`, nil)
		resp := decodeResponse(t, w)
		if resp.Error != nil && resp.Error.Code == CodeRateLimited {
			sawLimit = true
			assert.Equal(t, http.StatusOK, w.Code)
		}
	}
	assert.True(t, sawLimit)

	f.audit.Close()

	action := bridge.ActionRateLimited
	logs, err := f.store.ListBridgeLogs(context.Background(), store.BridgeLogFilter{BridgeID: b.ID, Action: &action})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}
