package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PolicyFormat is the encoding of a stored policy document.
type PolicyFormat string

const (
	PolicyFormatJSON PolicyFormat = "json"
	PolicyFormatYAML PolicyFormat = "yaml"
)

// Policy is a stored, named policy document. The document is compiled into
// an evaluator pipeline by the policy engine; it is kept verbatim here.
type Policy struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description,omitempty" db:"description"`
	Document    json.RawMessage `json:"document" db:"document"` // JSONB
	Enabled     bool            `json:"enabled" db:"enabled"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Policy model
func (Policy) TableName() string {
	return "policies"
}

// NewPolicy creates a new Policy instance
func NewPolicy(name, description string, document json.RawMessage) *Policy {
	now := time.Now()
	return &Policy{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		Document:    document,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CapabilityBinding attaches a policy to a capability (access token identity).
type CapabilityBinding struct {
	Capability string    `json:"capability" db:"capability"`
	PolicyName string    `json:"policy_name" db:"policy_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the CapabilityBinding model
func (CapabilityBinding) TableName() string {
	return "capability_bindings"
}

// NewCapabilityBinding creates a new CapabilityBinding instance
func NewCapabilityBinding(capability, policyName string) *CapabilityBinding {
	now := time.Now()
	return &CapabilityBinding{
		Capability: capability,
		PolicyName: policyName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HistoryRecord is the persisted action log of one object for one capability.
type HistoryRecord struct {
	ObjectID   string         `json:"object_id" db:"object_id"`
	Capability string         `json:"capability" db:"capability"`
	Entries    []HistoryEntry `json:"entries" db:"entries"` // JSONB
	Digest     string         `json:"digest" db:"digest"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the HistoryRecord model
func (HistoryRecord) TableName() string {
	return "history_records"
}
