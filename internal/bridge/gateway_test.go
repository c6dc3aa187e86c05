// ABOUTME: Tests for the bridge gateway request path.
// ABOUTME: Covers lookup, auth, rate limiting, passthrough proxying, and upstream auth.

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

type gatewayFixture struct {
	store     *store.MemoryStore
	authority *auth.Authority
	counters  *quota.MemoryCounterStore
	gateway   *Gateway
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := auth.NewAuthority(st, logger)
	counters := quota.NewMemoryCounterStore()

	gw, err := New(Config{
		Store:     st,
		Authority: authority,
		Quota:     quota.NewManager(counters, st, logger),
		Logger:    logger,
	})
	require.NoError(t, err)

	return &gatewayFixture{store: st, authority: authority, counters: counters, gateway: gw}
}

func (f *gatewayFixture) createUser(t *testing.T, tier store.Tier) *store.User {
	t.Helper()
	u := &store.User{Email: string(tier) + "@example.com", Tier: tier}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *gatewayFixture) createBridge(t *testing.T, b *store.Bridge) *store.Bridge {
	t.Helper()
	require.NoError(t, f.store.CreateBridge(context.Background(), b))
	return b
}

func (f *gatewayFixture) serve(r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	f.gateway.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestGateway_UnknownBridge(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/no-such-bridge/posts", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGateway_DisabledBridgeNeverProxies(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "api", UserID: user.ID, BaseURL: "http://upstream.invalid", Enabled: false,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/api/posts", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestGateway_OptionsPreflightAlwaysSucceeds(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.serve(httptest.NewRequest(http.MethodOptions, "/mcp/anything/at/all", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGateway_Passthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/posts/42", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("detail"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "GET", Path: "/posts/{id}",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts/42?detail=full", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":42}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestGateway_PassthroughByID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/"+b.ID+"/posts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateway_EndpointNotFoundListsAvailable(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/users", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error     string   `json:"error"`
		Available []string `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"GET /posts"}, body.Available)
}

func TestGateway_UpstreamStatusRelayedUnchanged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream exploded", w.Body.String())
}

func TestGateway_TransportFailureIsGeneric500(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: "http://127.0.0.1:1", Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	// Connection details never leak to the caller.
	assert.NotContains(t, w.Body.String(), "127.0.0.1")
}

func TestGateway_StaticKeyAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		AuthRequired: true, APIKeyHash: string(hash),
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	// Missing credential
	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	// Wrong key
	r := httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil)
	r.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.serve(r).Code)

	// Right key via each supported header shape
	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekrit") },
		func(r *http.Request) { r.Header.Set("Authorization", "ApiKey sekrit") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "sekrit") },
	} {
		r := httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil)
		set(r)
		assert.Equal(t, http.StatusOK, f.serve(r).Code)
	}
}

func TestGateway_AccessTokenAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		AuthRequired: true,
		Endpoints:    []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	token, err := f.authority.Issue(context.Background(), b.ID, "ci", nil, 0)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil)
	r.Header.Set("Authorization", "Bearer "+token.Secret)
	assert.Equal(t, http.StatusOK, f.serve(r).Code)
}

func TestGateway_TokenWithoutToolsPermissionForbidden(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: "http://upstream.invalid", Enabled: true,
		AuthRequired: true,
		Endpoints:    []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	perms := []store.TokenPermission{
		{Type: store.PermissionResources, Actions: []string{"read"}},
	}
	token, err := f.authority.Issue(context.Background(), b.ID, "readonly", perms, 0)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil)
	r.Header.Set("Authorization", "Bearer "+token.Secret)
	assert.Equal(t, http.StatusForbidden, f.serve(r).Code)
}

func TestGateway_DemoTierMethodRestriction(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierDemo)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "DELETE", Path: "/posts/{id}",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	w := f.serve(httptest.NewRequest(http.MethodDelete, "/mcp/blog/posts/42", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "demo")
}

func TestGateway_RateLimitWindow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	now := time.Now()
	f.counters.SetClock(func() time.Time { return now })

	user := f.createUser(t, store.TierDemo) // 30 requests per minute
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	rejected := 0
	for i := 0; i < 35; i++ {
		w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
		if w.Code == http.StatusTooManyRequests {
			rejected++
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		}
	}
	assert.GreaterOrEqual(t, rejected, 5)

	// After the window elapses the counter resets unconditionally.
	now = now.Add(quota.Window + time.Second)
	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateway_UpstreamAuthSchemes(t *testing.T) {
	var gotHeader http.Header
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotQuery = r.URL.Query().Get("api_key")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)

	tests := []struct {
		name  string
		auth  store.UpstreamAuth
		check func(t *testing.T)
	}{
		{
			name: "bearer",
			auth: store.UpstreamAuth{Type: store.AuthBearer, Token: "tok"},
			check: func(t *testing.T) {
				assert.Equal(t, "Bearer tok", gotHeader.Get("Authorization"))
			},
		},
		{
			name: "apikey header",
			auth: store.UpstreamAuth{Type: store.AuthAPIKey, Token: "tok", HeaderName: "X-Custom-Key"},
			check: func(t *testing.T) {
				assert.Equal(t, "tok", gotHeader.Get("X-Custom-Key"))
			},
		},
		{
			name: "apikey query",
			auth: store.UpstreamAuth{Type: store.AuthAPIKey, Token: "tok", InQuery: true, QueryParam: "api_key"},
			check: func(t *testing.T) {
				assert.Equal(t, "tok", gotQuery)
			},
		},
		{
			name: "basic",
			auth: store.UpstreamAuth{Type: store.AuthBasic, Username: "u", Password: "p"},
			check: func(t *testing.T) {
				want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
				assert.Equal(t, want, gotHeader.Get("Authorization"))
			},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slug := "auth-" + strings.Repeat("x", i+1)
			f.createBridge(t, &store.Bridge{
				Slug: slug, UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
				Auth:      tt.auth,
				Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
			})

			w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/"+slug+"/posts", nil))
			require.Equal(t, http.StatusOK, w.Code)
			tt.check(t)
		})
	}
}

func TestGateway_CustomHeadersOverlayLast(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Auth:    store.UpstreamAuth{Type: store.AuthBearer, Token: "from-auth"},
		Headers: map[string]string{"Authorization": "custom-wins", "X-Extra": "1"},
		Endpoints: []store.Endpoint{{Method: "GET", Path: "/posts"}},
	})

	w := f.serve(httptest.NewRequest(http.MethodGet, "/mcp/blog/posts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "custom-wins", got.Get("Authorization"))
	assert.Equal(t, "1", got.Get("X-Extra"))
}

func TestGateway_BodyForwardedForPost(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{Method: "POST", Path: "/posts"}},
	})

	r := httptest.NewRequest(http.MethodPost, "/mcp/blog/posts", strings.NewReader(`{"title":"hi"}`))
	r.Header.Set("Content-Type", "application/json")
	w := f.serve(r)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"title":"hi"}`, string(gotBody))
}

func TestGateway_CallEndpoint_ArgumentRouting(t *testing.T) {
	var gotPath, gotQuery string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("verbose")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "POST", Path: "/posts/{id}/comments",
			Parameters: []store.Parameter{
				{Name: "id", Type: "string", Required: true, In: store.ParamInPath},
				{Name: "verbose", Type: "boolean", In: store.ParamInQuery},
				{Name: "text", Type: "string", Required: true, In: store.ParamInBody},
			},
		}},
	})

	result, err := f.gateway.CallEndpoint(context.Background(), b, &b.Endpoints[0], map[string]any{
		"id":      "42",
		"verbose": true,
		"text":    "nice post",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "/posts/42/comments", gotPath)
	assert.Equal(t, "true", gotQuery)
	assert.JSONEq(t, `{"text":"nice post"}`, string(gotBody))
}

func TestGateway_CallEndpoint_PathParamValueIsEscaped(t *testing.T) {
	var gotRawPath, gotRawQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawPath = r.URL.EscapedPath()
		gotRawQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: upstream.URL, Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "GET", Path: "/posts/{id}",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	// A value with separators must stay one path segment and must not grow
	// a query string.
	_, err := f.gateway.CallEndpoint(context.Background(), b, &b.Endpoints[0], map[string]any{
		"id": "42/9?x=1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/posts/42%2F9%3Fx=1", gotRawPath)
	assert.Empty(t, gotRawQuery)
}

func TestGateway_CallEndpoint_MissingPathParam(t *testing.T) {
	f := newGatewayFixture(t)
	user := f.createUser(t, store.TierRegular)
	b := f.createBridge(t, &store.Bridge{
		Slug: "blog", UserID: user.ID, BaseURL: "http://upstream.invalid", Enabled: true,
		Endpoints: []store.Endpoint{{
			Method: "GET", Path: "/posts/{id}",
			Parameters: []store.Parameter{{Name: "id", Type: "string", Required: true, In: store.ParamInPath}},
		}},
	})

	_, err := f.gateway.CallEndpoint(context.Background(), b, &b.Endpoints[0], map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}
