package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const policyColumns = `id, name, description, document, enabled, created_at, updated_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new policy
func (r *PolicyRepository) Create(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		policy.ID,
		policy.Name,
		policy.Description,
		[]byte(policy.Document),
		policy.Enabled,
		policy.CreatedAt,
		policy.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy %q: %w", policy.Name, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create policy: %w", err)
	}

	r.logger.Debug("policy created", zap.String("id", policy.ID.String()), zap.String("name", policy.Name))
	return nil
}

// GetByID retrieves a policy by ID
func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByName retrieves a policy by its unique name
func (r *PolicyRepository) GetByName(ctx context.Context, name string) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE name = $1`
	return r.getOne(ctx, query, name)
}

// List retrieves policies ordered by name
func (r *PolicyRepository) List(ctx context.Context, limit, offset int) ([]*models.Policy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM policies
		ORDER BY name
		LIMIT $1 OFFSET $2
	`
	return r.queryPolicies(ctx, query, limit, offset)
}

// Update replaces the document, description and enabled flag of the named policy
func (r *PolicyRepository) Update(ctx context.Context, policy *models.Policy) error {
	query := `
		UPDATE policies
		SET description = $2,
		    document = $3,
		    enabled = $4,
		    updated_at = $5
		WHERE name = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		policy.Name,
		policy.Description,
		[]byte(policy.Document),
		policy.Enabled,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("policy %q: %w", policy.Name, repositories.ErrNotFound)
	}

	r.logger.Debug("policy updated", zap.String("name", policy.Name))
	return nil
}

// Delete deletes a policy by name
func (r *PolicyRepository) Delete(ctx context.Context, name string) error {
	query := `DELETE FROM policies WHERE name = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("policy %q: %w", name, repositories.ErrNotFound)
	}

	r.logger.Debug("policy deleted", zap.String("name", name))
	return nil
}

// WithTx returns a new repository instance bound to the transaction.
// Queries pick the transaction up from the context passed by InTransaction.
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func (r *PolicyRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Policy, error) {
	executor := GetExecutor(ctx, r.db)
	policy, err := scanPolicy(executor.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %v: %w", arg, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// queryPolicies is a helper method to query multiple policies
func (r *PolicyRepository) queryPolicies(ctx context.Context, query string, args ...interface{}) ([]*models.Policy, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}

	return policies, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*models.Policy, error) {
	policy := &models.Policy{}
	var document []byte
	err := row.Scan(
		&policy.ID,
		&policy.Name,
		&policy.Description,
		&document,
		&policy.Enabled,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	policy.Document = append([]byte(nil), document...)
	return policy, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
