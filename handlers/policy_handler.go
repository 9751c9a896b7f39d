package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/earlence-security/stateful-auth/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	// maxDocumentSize bounds an uploaded policy document
	maxDocumentSize = 1 << 20
)

// PolicyResponse represents a stored policy in API responses
type PolicyResponse struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Document    json.RawMessage `json:"document"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// PolicyListResponse lists stored policies and the names served from files
type PolicyListResponse struct {
	Policies []PolicyResponse `json:"policies"`
	Files    []string         `json:"files"`
}

// PolicyHandler handles policy document management
type PolicyHandler struct {
	policies *policy.PolicyService
	logger   *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policies *policy.PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policies: policies,
		logger:   logger,
	}
}

// HandleListPolicies handles GET /v1/policies
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	stored, err := h.policies.ListPolicies(r.Context(), limit, offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	resp := PolicyListResponse{
		Policies: make([]PolicyResponse, len(stored)),
		Files:    h.policies.FileNames(),
	}
	for i, p := range stored {
		resp.Policies[i] = policyToResponse(p)
	}

	_ = utils.WriteOK(w, resp)
}

// HandleCreatePolicy handles POST /v1/policies. The body is the policy
// document itself, JSON or YAML according to Content-Type.
func (h *PolicyHandler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	in, ok := h.documentInput(w, r)
	if !ok {
		return
	}

	created, err := h.policies.CreatePolicy(r.Context(), in, middleware.AuditMeta(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy created",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("policy", created.Name))

	_ = utils.WriteCreated(w, policyToResponse(created))
}

// HandleGetPolicy handles GET /v1/policies/{name}
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	stored, err := h.policies.GetPolicy(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, policyToResponse(stored))
}

// HandleUpdatePolicy handles PUT /v1/policies/{name}
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	in, ok := h.documentInput(w, r)
	if !ok {
		return
	}

	updated, err := h.policies.UpdatePolicy(r.Context(), chi.URLParam(r, "name"), in, middleware.AuditMeta(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, policyToResponse(updated))
}

// HandleDeletePolicy handles DELETE /v1/policies/{name}
func (h *PolicyHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.DeletePolicy(r.Context(), chi.URLParam(r, "name"), middleware.AuditMeta(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// documentInput reads the uploaded document plus the description and
// enabled query parameters.
func (h *PolicyHandler) documentInput(w http.ResponseWriter, r *http.Request) (policy.DocumentInput, bool) {
	var in policy.DocumentInput

	data, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		h.logger.Warn("failed to read policy document", zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return in, false
	}
	if len(data) == 0 {
		_ = utils.WriteBadRequest(w, "Policy document is required", nil)
		return in, false
	}
	if len(data) > maxDocumentSize {
		_ = utils.WriteBadRequest(w, "Policy document too large", map[string]interface{}{"limit": maxDocumentSize})
		return in, false
	}

	in.Document = data
	in.Format = formatFromContentType(r.Header.Get("Content-Type"))
	in.Description = r.URL.Query().Get("description")

	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid enabled parameter", nil)
			return in, false
		}
		in.Enabled = &enabled
	}
	return in, true
}

func formatFromContentType(contentType string) models.PolicyFormat {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return models.PolicyFormatJSON
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return models.PolicyFormatYAML
	default:
		return models.PolicyFormatJSON
	}
}

func pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, offset := defaultPageSize, 0
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = utils.WriteBadRequest(w, "Invalid limit parameter", nil)
			return 0, 0, false
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "Invalid offset parameter", nil)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// policyToResponse converts a Policy model to a PolicyResponse
func policyToResponse(p *models.Policy) PolicyResponse {
	return PolicyResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Document:    p.Document,
		Enabled:     p.Enabled,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.Format(time.RFC3339),
	}
}
