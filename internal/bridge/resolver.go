// ABOUTME: Path template matching and resolution for bridge endpoints
// ABOUTME: Templates like /repos/{owner}/{repo} match one non-slash segment per placeholder

package bridge

import (
	"fmt"
	"strings"

	"github.com/2389/mcp-bridge/internal/store"
)

// isPlaceholder reports whether a template segment is a {name} placeholder.
func isPlaceholder(segment string) bool {
	return len(segment) > 1 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

// splitPath splits a URL path into its segments, ignoring leading and
// trailing slashes. "/posts/42" -> ["posts", "42"].
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchTemplate reports whether a concrete path matches a path template.
// Each {name} placeholder matches exactly one non-slash segment; literal
// segments must match exactly; differing segment counts never match.
func matchTemplate(template, path string) bool {
	tSegs := splitPath(template)
	pSegs := splitPath(path)
	if len(tSegs) != len(pSegs) {
		return false
	}
	for i, tSeg := range tSegs {
		if isPlaceholder(tSeg) {
			continue
		}
		if tSeg != pSegs[i] {
			return false
		}
	}
	return true
}

// MatchEndpoint finds the first endpoint whose method and path template match
// the request. Duplicate templates are a configuration error rejected at save
// time, so first match wins here.
func MatchEndpoint(endpoints []store.Endpoint, method, path string) (*store.Endpoint, bool) {
	method = strings.ToUpper(method)
	for i := range endpoints {
		ep := &endpoints[i]
		if !strings.EqualFold(ep.Method, method) {
			continue
		}
		if matchTemplate(ep.Path, path) {
			return ep, true
		}
	}
	return nil, false
}

// ResolvePath substitutes each {name} placeholder in the template with the
// corresponding segment of the concrete request path, taken positionally.
// If the segment counts differ the template is returned unresolved; callers
// treat that as an endpoint-definition bug, not a client error.
func ResolvePath(template, path string) string {
	tSegs := splitPath(template)
	pSegs := splitPath(path)
	if len(tSegs) != len(pSegs) {
		return template
	}

	resolved := make([]string, len(tSegs))
	for i, tSeg := range tSegs {
		if isPlaceholder(tSeg) {
			resolved[i] = pSegs[i]
		} else {
			resolved[i] = tSeg
		}
	}
	return "/" + strings.Join(resolved, "/")
}

// PathParams extracts placeholder values from a concrete path by position.
// Returns nil if the path does not match the template shape.
func PathParams(template, path string) map[string]string {
	tSegs := splitPath(template)
	pSegs := splitPath(path)
	if len(tSegs) != len(pSegs) {
		return nil
	}

	params := make(map[string]string)
	for i, tSeg := range tSegs {
		if isPlaceholder(tSeg) {
			name := tSeg[1 : len(tSeg)-1]
			params[name] = pSegs[i]
		}
	}
	return params
}

// PlaceholderNames returns the placeholder names declared in a template.
func PlaceholderNames(template string) []string {
	var names []string
	for _, seg := range splitPath(template) {
		if isPlaceholder(seg) {
			names = append(names, seg[1:len(seg)-1])
		}
	}
	return names
}

// ValidateEndpoints rejects endpoint sets that would be ambiguous or broken
// at request time: duplicate (method, template) pairs, and placeholders
// without a declared path parameter. Called at save time.
func ValidateEndpoints(endpoints []store.Endpoint) error {
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		key := strings.ToUpper(ep.Method) + " " + ep.Path
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate endpoint %s", key)
		}
		seen[key] = struct{}{}

		declared := make(map[string]struct{})
		for _, p := range ep.Parameters {
			if p.In == store.ParamInPath {
				declared[p.Name] = struct{}{}
			}
		}
		for _, name := range PlaceholderNames(ep.Path) {
			if _, ok := declared[name]; !ok {
				return fmt.Errorf("endpoint %s: placeholder {%s} has no declared path parameter", key, name)
			}
		}
	}
	return nil
}
