package handlers

import (
	"net/http"

	"github.com/earlence-security/stateful-auth/internal/observability"
	"github.com/earlence-security/stateful-auth/services/audit"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/earlence-security/stateful-auth/utils"
)

// StatsResponse is the body of GET /v1/stats
type StatsResponse struct {
	PolicyCache policy.CacheStats      `json:"policy_cache"`
	Audit       *audit.Stats           `json:"audit,omitempty"`
	Counters    observability.Snapshot `json:"counters"`
}

// StatsHandler reports in-process counters
type StatsHandler struct {
	policies *policy.PolicyService
	audit    *audit.AuditService
	counters *observability.Counters
}

// NewStatsHandler creates a new StatsHandler. auditService may be nil.
func NewStatsHandler(policies *policy.PolicyService, auditService *audit.AuditService, counters *observability.Counters) *StatsHandler {
	return &StatsHandler{
		policies: policies,
		audit:    auditService,
		counters: counters,
	}
}

// HandleStats handles GET /v1/stats
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		PolicyCache: h.policies.GetCacheStats(),
	}
	if h.audit != nil {
		stats := h.audit.GetStats()
		resp.Audit = &stats
	}
	if h.counters != nil {
		resp.Counters = h.counters.Snapshot()
	}
	_ = utils.WriteOK(w, resp)
}
