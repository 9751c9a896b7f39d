package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"go.uber.org/zap"
)

// BindingRepository implements the repositories.BindingRepository interface
type BindingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBindingRepository creates a new capability binding repository
func NewBindingRepository(db *DB, logger *zap.Logger) repositories.BindingRepository {
	return &BindingRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the binding for a capability
func (r *BindingRepository) Get(ctx context.Context, capability string) (*models.CapabilityBinding, error) {
	query := `
		SELECT capability, policy_name, created_at, updated_at
		FROM capability_bindings
		WHERE capability = $1
	`

	binding := &models.CapabilityBinding{}
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query, capability).Scan(
		&binding.Capability,
		&binding.PolicyName,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("binding: %w", repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	return binding, nil
}

// Upsert creates or replaces the binding for a capability
func (r *BindingRepository) Upsert(ctx context.Context, binding *models.CapabilityBinding) error {
	query := `
		INSERT INTO capability_bindings (capability, policy_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (capability) DO UPDATE
		SET policy_name = EXCLUDED.policy_name,
		    updated_at = EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query,
		binding.Capability,
		binding.PolicyName,
		binding.CreatedAt,
		binding.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert binding: %w", err)
	}

	r.logger.Debug("capability bound", zap.String("policy", binding.PolicyName))
	return nil
}

// Delete removes the binding for a capability
func (r *BindingRepository) Delete(ctx context.Context, capability string) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM capability_bindings WHERE capability = $1`, capability)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("binding: %w", repositories.ErrNotFound)
	}

	return nil
}
