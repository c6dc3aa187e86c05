// ABOUTME: OpenAPI import handler producing a parsed bridge configuration
// ABOUTME: Parse by default; ?apply=bridgeID&confirm=true replaces a bridge's config

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389/mcp-bridge/internal/auth"
	"github.com/2389/mcp-bridge/internal/openapi"
	"github.com/2389/mcp-bridge/internal/quota"
	"github.com/2389/mcp-bridge/internal/store"
)

// maxImportSize caps uploaded and pasted documents (5MB).
const maxImportSize = 5 << 20

// importRequest accepts a URL or a pasted JSON/YAML document. File uploads
// arrive as multipart instead.
type importRequest struct {
	URL  string `json:"url"`
	Spec string `json:"spec"`
}

// importView is the parsed configuration returned for confirmation. The
// caller decides whether to create a bridge from it or merge into one;
// nothing is written here.
type importView struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	BaseURL     string              `json:"baseUrl,omitempty"`
	Auth        store.UpstreamAuth  `json:"auth"`
	Endpoints   []store.Endpoint    `json:"endpoints"`
	Tools       []store.McpTool     `json:"tools"`
	Prompts     []store.McpPrompt   `json:"prompts,omitempty"`
	Resources   []store.McpResource `json:"resources,omitempty"`
}

func (s *Server) handleOpenAPIImport(w http.ResponseWriter, r *http.Request) {
	data, fromURL, errMsg := s.importSource(r)
	if errMsg != "" {
		s.respondError(w, http.StatusBadRequest, errMsg)
		return
	}

	var result *openapi.Result
	var err error
	if fromURL != "" {
		result, err = openapi.FetchAndParse(r.Context(), s.client, fromURL)
	} else {
		result, err = openapi.Parse(data)
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if applyID := r.URL.Query().Get("apply"); applyID != "" {
		s.applyImport(w, r, applyID, result)
		return
	}

	view := importView{
		Name:        result.Name,
		Description: result.Description,
		BaseURL:     result.BaseURL,
		Auth:        result.Auth,
		Endpoints:   result.Endpoints,
		Tools:       result.Tools,
		Prompts:     result.Prompts,
		Resources:   result.Resources,
	}

	s.write(w, http.StatusOK, envelope{Success: true, Data: view, Warnings: result.Warnings})
}

// applyImport replaces an existing bridge's endpoints, tools, prompts, and
// resources with the parsed document. Destructive, so it demands an explicit
// confirm flag on top of the apply target.
func (s *Server) applyImport(w http.ResponseWriter, r *http.Request, bridgeID string, result *openapi.Result) {
	if r.URL.Query().Get("confirm") != "true" {
		s.respondError(w, http.StatusBadRequest, "applying an import replaces the bridge configuration; pass confirm=true")
		return
	}

	user := auth.UserFromContext(r.Context())
	b, err := s.store.GetBridge(r.Context(), bridgeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "bridge not found")
			return
		}
		s.logger.Error("bridge lookup failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b.UserID != user.ID {
		s.respondError(w, http.StatusNotFound, "bridge not found")
		return
	}

	b.Description = result.Description
	b.Endpoints = result.Endpoints
	b.Tools = result.Tools
	b.Prompts = result.Prompts
	b.Resources = result.Resources
	if result.BaseURL != "" {
		b.BaseURL = result.BaseURL
	}
	// Credential material never appears in a spec document; the auth scheme
	// switches only when the document declares one, and tokens stay blank
	// until the owner fills them in.
	if result.Auth.Type != store.AuthNone {
		b.Auth = result.Auth
	}

	limits := quota.LimitsForTier(user.Tier)
	if msg := checkDefinitionCeilings(b, limits); msg != "" {
		s.respondError(w, http.StatusForbidden, msg)
		return
	}

	if err := s.store.UpdateBridge(r.Context(), b); err != nil {
		s.logger.Error("applying import failed", "error", err, "bridge_id", b.ID)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("import applied", "bridge_id", b.ID, "endpoints", len(b.Endpoints), "tools", len(b.Tools))
	s.write(w, http.StatusOK, envelope{Success: true, Data: viewOf(b), Warnings: result.Warnings})
}

// importSource extracts the document from the request: multipart file
// upload, or a JSON body carrying a URL or pasted spec.
func (s *Server) importSource(r *http.Request) (data []byte, url string, errMsg string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, "", "missing file field in upload"
		}
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(io.LimitReader(file, maxImportSize))
		if err != nil {
			return nil, "", "failed to read uploaded file"
		}
		return data, "", ""
	}

	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, "", "invalid request body: " + err.Error()
	}
	switch {
	case req.URL != "":
		return nil, req.URL, ""
	case req.Spec != "":
		return []byte(req.Spec), "", ""
	default:
		return nil, "", "either url or spec is required"
	}
}
