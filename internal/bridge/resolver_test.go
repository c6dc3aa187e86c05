// ABOUTME: Tests for path template matching and resolution.
// ABOUTME: Validates placeholder matching, positional substitution, and save-time checks.

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-bridge/internal/store"
)

func TestMatchTemplate_Placeholders(t *testing.T) {
	tests := []struct {
		template string
		path     string
		want     bool
	}{
		{"/posts/{id}", "/posts/42", true},
		{"/posts/{id}", "/posts/abc", true},
		{"/posts/{id}", "/posts/42/comments", false},
		{"/posts/{id}", "/posts", false},
		{"/posts/{id}", "/users/42", false},
		{"/repos/{owner}/{repo}", "/repos/golang/go", true},
		{"/repos/{owner}/{repo}", "/repos/golang", false},
		{"/health", "/health", true},
		{"/health", "/healthz", false},
		{"/", "/", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, matchTemplate(tt.template, tt.path),
			"matchTemplate(%q, %q)", tt.template, tt.path)
	}
}

func TestMatchEndpoint_FirstMatchWins(t *testing.T) {
	endpoints := []store.Endpoint{
		{ID: "a", Method: "GET", Path: "/posts/latest"},
		{ID: "b", Method: "GET", Path: "/posts/{id}"},
		{ID: "c", Method: "DELETE", Path: "/posts/{id}"},
	}

	ep, ok := MatchEndpoint(endpoints, "GET", "/posts/latest")
	require.True(t, ok)
	assert.Equal(t, "a", ep.ID)

	ep, ok = MatchEndpoint(endpoints, "GET", "/posts/42")
	require.True(t, ok)
	assert.Equal(t, "b", ep.ID)

	ep, ok = MatchEndpoint(endpoints, "DELETE", "/posts/42")
	require.True(t, ok)
	assert.Equal(t, "c", ep.ID)

	_, ok = MatchEndpoint(endpoints, "PUT", "/posts/42")
	assert.False(t, ok)
}

func TestMatchEndpoint_MethodCaseInsensitive(t *testing.T) {
	endpoints := []store.Endpoint{{ID: "a", Method: "get", Path: "/posts"}}

	_, ok := MatchEndpoint(endpoints, "GET", "/posts")
	assert.True(t, ok)
}

func TestResolvePath_SubstitutesEveryPlaceholder(t *testing.T) {
	tests := []struct {
		template string
		path     string
		want     string
	}{
		{"/posts/{id}", "/posts/42", "/posts/42"},
		{"/repos/{owner}/{repo}", "/repos/golang/go", "/repos/golang/go"},
		{"/repos/{owner}/{repo}/issues", "/repos/golang/go/issues", "/repos/golang/go/issues"},
		{"/static/path", "/static/path", "/static/path"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.template, tt.path))
	}
}

func TestResolvePath_CountMismatchReturnsTemplate(t *testing.T) {
	// Segment count mismatch is an endpoint-definition bug; the template
	// comes back unresolved rather than erroring.
	assert.Equal(t, "/posts/{id}", ResolvePath("/posts/{id}", "/posts/42/comments"))
}

func TestPathParams(t *testing.T) {
	params := PathParams("/repos/{owner}/{repo}", "/repos/golang/go")
	assert.Equal(t, map[string]string{"owner": "golang", "repo": "go"}, params)

	assert.Nil(t, PathParams("/repos/{owner}/{repo}", "/repos/golang"))
}

func TestValidateEndpoints_DuplicateTemplate(t *testing.T) {
	endpoints := []store.Endpoint{
		{Method: "GET", Path: "/posts"},
		{Method: "get", Path: "/posts"},
	}
	err := ValidateEndpoints(endpoints)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateEndpoints_UndeclaredPlaceholder(t *testing.T) {
	endpoints := []store.Endpoint{
		{Method: "GET", Path: "/posts/{id}"},
	}
	err := ValidateEndpoints(endpoints)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{id}")
}

func TestValidateEndpoints_Valid(t *testing.T) {
	endpoints := []store.Endpoint{
		{Method: "GET", Path: "/posts/{id}", Parameters: []store.Parameter{
			{Name: "id", Type: "string", Required: true, In: store.ParamInPath},
		}},
		{Method: "POST", Path: "/posts"},
	}
	assert.NoError(t, ValidateEndpoints(endpoints))
}
