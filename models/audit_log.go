package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionDecisionAccepted AuditAction = "decision_accepted"
	AuditActionDecisionDenied   AuditAction = "decision_denied"
	AuditActionHistoryRecorded  AuditAction = "history_recorded"
	AuditActionHistoryForgotten AuditAction = "history_forgotten"
	AuditActionHistoryRejected  AuditAction = "history_rejected"
	AuditActionPolicyCreated    AuditAction = "policy_created"
	AuditActionPolicyUpdated    AuditAction = "policy_updated"
	AuditActionPolicyDeleted    AuditAction = "policy_deleted"
	AuditActionBindingSet       AuditAction = "binding_set"
	AuditActionBindingRemoved   AuditAction = "binding_removed"
)

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Capability   string          `json:"capability,omitempty" db:"capability"`
	PolicyName   string          `json:"policy_name,omitempty" db:"policy_name"`
	Action       AuditAction     `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"` // request, policy, binding, history
	Method       string          `json:"method,omitempty" db:"method"`
	Path         string          `json:"path,omitempty" db:"path"`
	Details      json.RawMessage `json:"details" db:"details"` // JSONB for flexible metadata
	IPAddress    string          `json:"ip_address" db:"ip_address"`
	UserAgent    string          `json:"user_agent" db:"user_agent"`
	RequestID    string          `json:"request_id" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`

	StatusCode   *int    `json:"status_code,omitempty" db:"status_code"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(action AuditAction, resourceType string) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		Timestamp:    time.Now(),
	}
}

// WithCapability sets the capability the action was performed under
func (a *AuditLog) WithCapability(capability string) *AuditLog {
	a.Capability = capability
	return a
}

// WithPolicy sets the policy name
func (a *AuditLog) WithPolicy(name string) *AuditLog {
	a.PolicyName = name
	return a
}

// WithCall sets the intercepted method and route
func (a *AuditLog) WithCall(method, path string) *AuditLog {
	a.Method = method
	a.Path = path
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}

// WithError sets error information
func (a *AuditLog) WithError(statusCode int, errorMessage string) *AuditLog {
	a.StatusCode = &statusCode
	a.ErrorMessage = &errorMessage
	return a
}
