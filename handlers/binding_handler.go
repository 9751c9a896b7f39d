package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/services/history"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/earlence-security/stateful-auth/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SetBindingRequest is the body of PUT /v1/capabilities/{capability}/policy
type SetBindingRequest struct {
	Policy string `json:"policy" validate:"required,max=255"`
}

// CapabilityHandler manages per-capability state: the bound policy and the
// recorded history.
type CapabilityHandler struct {
	policies *policy.PolicyService
	history  *history.HistoryService
	logger   *zap.Logger
}

// NewCapabilityHandler creates a new CapabilityHandler. historyService may
// be nil when no history store is configured.
func NewCapabilityHandler(policies *policy.PolicyService, historyService *history.HistoryService, logger *zap.Logger) *CapabilityHandler {
	return &CapabilityHandler{
		policies: policies,
		history:  historyService,
		logger:   logger,
	}
}

// HandleSetBinding handles PUT /v1/capabilities/{capability}/policy
func (h *CapabilityHandler) HandleSetBinding(w http.ResponseWriter, r *http.Request) {
	var req SetBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse binding body", zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	binding, err := h.policies.SetBinding(r.Context(), chi.URLParam(r, "capability"), req.Policy, middleware.AuditMeta(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, binding)
}

// HandleGetBinding handles GET /v1/capabilities/{capability}/policy
func (h *CapabilityHandler) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := h.policies.GetBinding(r.Context(), chi.URLParam(r, "capability"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, binding)
}

// HandleRemoveBinding handles DELETE /v1/capabilities/{capability}/policy
func (h *CapabilityHandler) HandleRemoveBinding(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.RemoveBinding(r.Context(), chi.URLParam(r, "capability"), middleware.AuditMeta(r)); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleGetHistory handles GET /v1/capabilities/{capability}/history
func (h *CapabilityHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		_ = utils.WriteNotFound(w, "History store is not configured")
		return
	}
	hm, err := h.history.LoadAll(r.Context(), chi.URLParam(r, "capability"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, hm)
}
