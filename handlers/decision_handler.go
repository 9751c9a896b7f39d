package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/earlence-security/stateful-auth/internal/history"
	"github.com/earlence-security/stateful-auth/internal/observability"
	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/services"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/earlence-security/stateful-auth/utils"
	"go.uber.org/zap"
)

// DecisionRequest is the body of POST /v1/decisions. Request and History
// keep their raw encoding so decode failures can be reported as ParseErrors.
type DecisionRequest struct {
	Policy     string          `json:"policy"`
	Capability string          `json:"capability"`
	Request    json.RawMessage `json:"request" validate:"required"`
	History    json.RawMessage `json:"history"`
}

// AdvanceRequest is the body of POST /v1/history/advance
type AdvanceRequest struct {
	Request json.RawMessage `json:"request" validate:"required"`
	History json.RawMessage `json:"history"`
}

// DecisionHandler serves the stateless decision and history endpoints
type DecisionHandler struct {
	policies *policy.PolicyService
	metrics  observability.Metrics
	logger   *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler
func NewDecisionHandler(policies *policy.PolicyService, metrics observability.Metrics, logger *zap.Logger) *DecisionHandler {
	if metrics == nil {
		metrics = observability.Nop{}
	}
	return &DecisionHandler{
		policies: policies,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleDecide handles POST /v1/decisions
//
// With ?format=text the response body is the bare decision token.
// Malformed request or history encodings are rejected with 400 and a Deny
// decision in the error details.
func (h *DecisionHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.WithRequest(ctx, h.logger)

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Warn("failed to parse decision body", zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", denyDetails())
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, log)
		return
	}

	req, hm, err := decodeCall(body.Request, body.History)
	if err != nil {
		log.Info("rejecting malformed decision input", zap.Error(err))
		_ = utils.WriteBadRequest(w, err.Error(), denyDetails())
		return
	}

	capability := body.Capability
	if capability == "" {
		capability = middleware.GetCapabilityFromContext(ctx)
	}
	if body.Policy == "" && capability == "" {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation, "policy or capability is required", nil), log)
		return
	}

	result, err := h.policies.Evaluate(ctx, policy.EvaluationRequest{
		Capability: capability,
		PolicyName: body.Policy,
		Request:    req,
		History:    hm,
		Meta:       middleware.AuditMeta(r),
	})
	if err != nil {
		HandleServiceError(w, err, log)
		return
	}

	h.metrics.RecordDecision(observability.DecisionLabels{
		Policy:   result.Policy,
		Decision: result.Decision.String(),
		Source:   "api",
	})

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(result.Decision.String()))
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleAdvance handles POST /v1/history/advance. It is a pure computation:
// nothing is stored.
func (h *DecisionHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	log := observability.WithRequest(r.Context(), h.logger)

	var body AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Warn("failed to parse advance body", zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, log)
		return
	}

	req, hm, err := decodeCall(body.Request, body.History)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	next := history.Advance(req, hm)
	log.Debug("history advanced",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("buckets", len(next)))

	_ = utils.WriteOK(w, next)
}

// decodeCall decodes the request and history halves of a call. An absent
// history is the empty map.
func decodeCall(rawReq, rawHist json.RawMessage) (*models.Request, models.HistoryMap, error) {
	req, err := models.DecodeRequest(rawReq)
	if err != nil {
		return nil, nil, err
	}
	if len(rawHist) == 0 || string(rawHist) == "null" {
		return req, models.HistoryMap{}, nil
	}
	hm, err := models.DecodeHistory(rawHist)
	if err != nil {
		return nil, nil, err
	}
	return req, hm, nil
}

func denyDetails() map[string]interface{} {
	return map[string]interface{}{"decision": models.DecisionDeny.String()}
}
