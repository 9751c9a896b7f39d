package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by repositories when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned when an optimistic update lost every retry.
	ErrConflict = errors.New("concurrent modification")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicyRepository stores named policy documents
type PolicyRepository interface {
	// Create creates a new policy
	Create(ctx context.Context, policy *models.Policy) error

	// GetByID retrieves a policy by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error)

	// GetByName retrieves a policy by its unique name
	GetByName(ctx context.Context, name string) (*models.Policy, error)

	// List retrieves policies ordered by name
	List(ctx context.Context, limit, offset int) ([]*models.Policy, error)

	// Update updates a policy
	Update(ctx context.Context, policy *models.Policy) error

	// Delete deletes a policy by name
	Delete(ctx context.Context, name string) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicyRepository
}

// BindingRepository maps capabilities to policy names
type BindingRepository interface {
	// Get retrieves the binding for a capability
	Get(ctx context.Context, capability string) (*models.CapabilityBinding, error)

	// Upsert creates or replaces the binding for a capability
	Upsert(ctx context.Context, binding *models.CapabilityBinding) error

	// Delete removes the binding for a capability
	Delete(ctx context.Context, capability string) error
}

// HistoryMutator computes the next version of the selected buckets.
// It receives the current buckets (missing ones are empty) and returns the
// buckets to write back.
type HistoryMutator func(current models.HistoryMap) (models.HistoryMap, error)

// HistoryRepository stores per-object action logs of a capability.
//
// Update is the only way to change a log: implementations must make the
// read-modify-write of the named buckets atomic with respect to concurrent
// Updates for the same capability and objects.
type HistoryRepository interface {
	// Load returns the buckets for objectIDs. Unknown objects are omitted.
	Load(ctx context.Context, capability string, objectIDs []string) ([]*models.HistoryRecord, error)

	// LoadAll returns every bucket recorded for the capability.
	LoadAll(ctx context.Context, capability string) ([]*models.HistoryRecord, error)

	// Update atomically applies fn to the buckets for objectIDs and stores the result.
	Update(ctx context.Context, capability string, objectIDs []string, fn HistoryMutator) ([]*models.HistoryRecord, error)

	// Delete removes the buckets for objectIDs.
	Delete(ctx context.Context, capability string, objectIDs []string) (int, error)
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// GetByID retrieves an audit log by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error)

	// GetByCapability retrieves audit logs for a capability with pagination
	GetByCapability(ctx context.Context, capability string, limit, offset int) ([]*models.AuditLog, error)

	// GetByDateRange retrieves audit logs within a date range
	GetByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditLog, error)

	// GetByAction retrieves audit logs by action type
	GetByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// Repositories holds all repository instances
type Repositories struct {
	Policies  PolicyRepository
	Bindings  BindingRepository
	History   HistoryRepository
	AuditLogs AuditRepository
}
