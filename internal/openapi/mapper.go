// ABOUTME: Maps OpenAPI/Swagger documents to bridge endpoints and MCP definitions
// ABOUTME: Pure parse; never touches existing bridge state

package openapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/mcp-bridge/internal/bridge"
	"github.com/2389/mcp-bridge/internal/store"
)

// maxDocumentSize caps fetched OpenAPI documents (5MB).
const maxDocumentSize = 5 << 20

// Parse errors. Non-fatal problems are collected as warnings instead.
var (
	ErrUnparseable   = errors.New("document is not valid JSON or YAML")
	ErrNotOpenAPI    = errors.New("document is missing the openapi or swagger version field")
	ErrNoPaths       = errors.New("document declares no paths")
	ErrFetchFailed   = errors.New("failed to fetch document")
	ErrUnsupportedOp = errors.New("unsupported operation")
)

// Result is everything extracted from one document. Read-only output: the
// caller decides whether to merge or replace existing bridge configuration.
type Result struct {
	Name        string
	Description string
	BaseURL     string
	Auth        store.UpstreamAuth
	Endpoints   []store.Endpoint
	Tools       []store.McpTool
	Prompts     []store.McpPrompt
	Resources   []store.McpResource
	Warnings    []string
}

// document mirrors the subset of OpenAPI 3.x and Swagger 2.0 we consume.
// YAML is a superset of JSON, so one decode path covers both serializations.
type document struct {
	OpenAPI  string              `yaml:"openapi"`
	Swagger  string              `yaml:"swagger"`
	Info     documentInfo        `yaml:"info"`
	Servers  []documentServer    `yaml:"servers"`
	Host     string              `yaml:"host"`
	BasePath string              `yaml:"basePath"`
	Schemes  []string            `yaml:"schemes"`
	Tags     []documentTag       `yaml:"tags"`
	Paths    map[string]pathItem `yaml:"paths"`

	Components struct {
		SecuritySchemes map[string]securityScheme `yaml:"securitySchemes"`
	} `yaml:"components"`
	SecurityDefinitions map[string]securityScheme `yaml:"securityDefinitions"`
	Security            []map[string][]string     `yaml:"security"`
}

type documentInfo struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

type documentServer struct {
	URL string `yaml:"url"`
}

type documentTag struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type pathItem struct {
	Get        *operation  `yaml:"get"`
	Post       *operation  `yaml:"post"`
	Put        *operation  `yaml:"put"`
	Delete     *operation  `yaml:"delete"`
	Patch      *operation  `yaml:"patch"`
	Parameters []parameter `yaml:"parameters"`
}

type operation struct {
	OperationID string      `yaml:"operationId"`
	Summary     string      `yaml:"summary"`
	Description string      `yaml:"description"`
	Parameters  []parameter `yaml:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema *schema `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
}

type parameter struct {
	Name        string  `yaml:"name"`
	In          string  `yaml:"in"`
	Required    bool    `yaml:"required"`
	Type        string  `yaml:"type"` // Swagger 2.0 inline type
	Schema      *schema `yaml:"schema"`
	Description string  `yaml:"description"`
}

type schema struct {
	Type        string             `yaml:"type"`
	Required    any                `yaml:"required"` // bool on a property, []string on an object
	Properties  map[string]*schema `yaml:"properties"`
	Description string             `yaml:"description"`
}

// FetchAndParse retrieves a document from a URL and parses it.
func FetchAndParse(ctx context.Context, client *http.Client, url string) (*Result, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return Parse(data)
}

// Parse maps one OpenAPI/Swagger document to endpoints, upstream auth, and
// MCP definitions. Structurally invalid documents error; everything
// recoverable becomes a warning on the result.
func Parse(data []byte) (*Result, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if doc.OpenAPI == "" && doc.Swagger == "" {
		return nil, ErrNotOpenAPI
	}
	if len(doc.Paths) == 0 {
		return nil, ErrNoPaths
	}

	res := &Result{
		Name:        doc.Info.Title,
		Description: doc.Info.Description,
	}
	if res.Name == "" {
		res.Name = "Imported API"
		res.Warnings = append(res.Warnings, "document has no info.title")
	}

	res.BaseURL = baseURL(&doc)
	if res.BaseURL == "" {
		res.Warnings = append(res.Warnings, "document declares no server URL; base URL must be set manually")
	}

	res.Auth = mapSecurity(&doc, res)
	res.Endpoints = mapEndpoints(&doc, res)
	res.Tools = bridge.DeriveTools(res.Endpoints)
	res.Prompts = mapPrompts(&doc)
	res.Resources = mapResources(&doc)
	return res, nil
}

// baseURL resolves the upstream base from OAS3 servers or Swagger 2.0
// host/basePath/schemes.
func baseURL(doc *document) string {
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		return strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	if doc.Host == "" {
		return ""
	}
	scheme := "https"
	if len(doc.Schemes) > 0 {
		scheme = doc.Schemes[0]
	}
	return scheme + "://" + doc.Host + strings.TrimSuffix(doc.BasePath, "/")
}

// mapSecurity picks the first resolvable security scheme and maps it onto
// the bridge auth union. Token values are never present in a spec; the
// caller fills them in afterwards.
func mapSecurity(doc *document, res *Result) store.UpstreamAuth {
	schemes := doc.Components.SecuritySchemes
	if len(schemes) == 0 {
		schemes = doc.SecurityDefinitions
	}
	if len(schemes) == 0 {
		return store.UpstreamAuth{Type: store.AuthNone}
	}

	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := schemes[name]
		switch {
		case sc.Type == "http" && strings.EqualFold(sc.Scheme, "bearer"):
			return store.UpstreamAuth{Type: store.AuthBearer}
		case sc.Type == "http" && strings.EqualFold(sc.Scheme, "basic"), sc.Type == "basic":
			return store.UpstreamAuth{Type: store.AuthBasic}
		case sc.Type == "apiKey" && sc.In == "query":
			return store.UpstreamAuth{Type: store.AuthAPIKey, InQuery: true, QueryParam: sc.Name}
		case sc.Type == "apiKey":
			return store.UpstreamAuth{Type: store.AuthAPIKey, HeaderName: sc.Name}
		}
	}

	res.Warnings = append(res.Warnings,
		fmt.Sprintf("unsupported security scheme %q; upstream auth left unset", names[0]))
	return store.UpstreamAuth{Type: store.AuthNone}
}

type securityScheme struct {
	Type   string `yaml:"type"`
	Scheme string `yaml:"scheme"`
	Name   string `yaml:"name"`
	In     string `yaml:"in"`
}

// mapEndpoints walks every path item and produces one endpoint per
// operation. Path-level parameters are inherited by each operation.
func mapEndpoints(doc *document, res *Result) []store.Endpoint {
	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var endpoints []store.Endpoint
	for _, path := range paths {
		item := doc.Paths[path]
		for method, op := range map[string]*operation{
			"GET":    item.Get,
			"POST":   item.Post,
			"PUT":    item.Put,
			"DELETE": item.Delete,
			"PATCH":  item.Patch,
		} {
			if op == nil {
				continue
			}
			ep := mapOperation(method, path, op, item.Parameters, res)
			endpoints = append(endpoints, ep)
		}
	}

	// Map iteration above is unordered per path; keep output deterministic.
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Path != endpoints[j].Path {
			return endpoints[i].Path < endpoints[j].Path
		}
		return endpoints[i].Method < endpoints[j].Method
	})
	return endpoints
}

// mapOperation converts one operation into an endpoint with typed parameters.
func mapOperation(method, path string, op *operation, inherited []parameter, res *Result) store.Endpoint {
	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s %s has no description", method, path))
	}

	var params []store.Parameter
	seen := make(map[string]bool)
	for _, p := range append(append([]parameter{}, inherited...), op.Parameters...) {
		if p.Name == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		params = append(params, store.Parameter{
			Name:        p.Name,
			Type:        mapType(paramType(p), res, p.Name),
			Required:    p.Required || p.In == "path",
			In:          paramSource(p.In),
			Description: p.Description,
		})
	}

	// Request body properties become body parameters. Required-ness comes
	// from each property's own required flag, not the object-level list.
	if op.RequestBody != nil {
		for _, content := range op.RequestBody.Content {
			if content.Schema == nil || len(content.Schema.Properties) == 0 {
				continue
			}
			names := make([]string, 0, len(content.Schema.Properties))
			for name := range content.Schema.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if seen[name] {
					continue
				}
				seen[name] = true
				prop := content.Schema.Properties[name]
				required, _ := prop.Required.(bool)
				params = append(params, store.Parameter{
					Name:        name,
					Type:        mapType(prop.Type, res, name),
					Required:    required,
					In:          store.ParamInBody,
					Description: prop.Description,
				})
			}
			break
		}
	}

	return store.Endpoint{
		Method:      method,
		Path:        normalizePath(path),
		Description: description,
		Parameters:  params,
	}
}

// paramType resolves a parameter's type from either the OAS3 schema or the
// Swagger 2.0 inline field.
func paramType(p parameter) string {
	if p.Schema != nil && p.Schema.Type != "" {
		return p.Schema.Type
	}
	return p.Type
}

// mapType normalizes an OpenAPI type onto the bridge's parameter types.
func mapType(t string, res *Result, name string) string {
	switch strings.ToLower(t) {
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "array"
	case "object":
		return "object"
	case "string":
		return "string"
	case "":
		return "string"
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("parameter %q has ambiguous type %q, using string", name, t))
		return "string"
	}
}

// paramSource maps an OpenAPI "in" onto the endpoint parameter source.
func paramSource(in string) string {
	switch in {
	case "path":
		return store.ParamInPath
	case "query":
		return store.ParamInQuery
	default:
		return store.ParamInBody
	}
}

// normalizePath guarantees a leading slash and no trailing one.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// mapPrompts generates one guiding prompt per documented tag.
func mapPrompts(doc *document) []store.McpPrompt {
	var prompts []store.McpPrompt
	for _, tag := range doc.Tags {
		if tag.Name == "" {
			continue
		}
		description := tag.Description
		if description == "" {
			description = "Work with " + tag.Name
		}
		prompts = append(prompts, store.McpPrompt{
			Name:        "use_" + strings.ToLower(strings.ReplaceAll(tag.Name, " ", "_")),
			Description: description,
			Template:    "Use the " + doc.Info.Title + " API to {task} in " + tag.Name + ".",
			Arguments: []store.PromptArgument{
				{Name: "task", Description: "What to accomplish", Required: true},
			},
		})
	}
	return prompts
}

// mapResources exposes the document's own description as an overview
// resource when one exists.
func mapResources(doc *document) []store.McpResource {
	if doc.Info.Description == "" {
		return nil
	}
	slug := strings.ToLower(strings.ReplaceAll(doc.Info.Title, " ", "-"))
	if slug == "" {
		slug = "api"
	}
	return []store.McpResource{
		{
			Name:        doc.Info.Title + " overview",
			URI:         "openapi://" + slug + "/overview",
			Description: doc.Info.Description,
			MimeType:    "text/markdown",
		},
	}
}
