package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditHandler exposes the audit trail read-only
type AuditHandler struct {
	auditRepo repositories.AuditRepository
	logger    *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(auditRepo repositories.AuditRepository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		auditRepo: auditRepo,
		logger:    logger,
	}
}

// HandleListAuditLogs handles GET /v1/audit-logs
//
// Exactly one filter is required: capability, action, or a since/until
// RFC 3339 range.
func (h *AuditHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var (
		logs []*models.AuditLog
		err  error
	)
	switch {
	case q.Get("capability") != "":
		logs, err = h.auditRepo.GetByCapability(r.Context(), q.Get("capability"), limit, offset)
	case q.Get("action") != "":
		logs, err = h.auditRepo.GetByAction(r.Context(), models.AuditAction(q.Get("action")), limit, offset)
	case q.Get("since") != "":
		start, perr := time.Parse(time.RFC3339, q.Get("since"))
		if perr != nil {
			_ = utils.WriteBadRequest(w, "Invalid since parameter", nil)
			return
		}
		end := time.Now()
		if raw := q.Get("until"); raw != "" {
			if end, perr = time.Parse(time.RFC3339, raw); perr != nil {
				_ = utils.WriteBadRequest(w, "Invalid until parameter", nil)
				return
			}
		}
		logs, err = h.auditRepo.GetByDateRange(r.Context(), start, end, limit, offset)
	default:
		_ = utils.WriteBadRequest(w, "One of capability, action or since is required", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to list audit logs", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve audit logs")
		return
	}

	_ = utils.WriteOK(w, logs)
}

// HandleGetAuditLog handles GET /v1/audit-logs/{id}
func (h *AuditHandler) HandleGetAuditLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid audit log ID", nil)
		return
	}

	log, err := h.auditRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			_ = utils.WriteNotFound(w, "Audit log not found")
			return
		}
		h.logger.Error("failed to get audit log", zap.String("id", id.String()), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "Failed to retrieve audit log")
		return
	}

	_ = utils.WriteOK(w, log)
}
