package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/earlence-security/stateful-auth/internal/history"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// HistoryRepository implements repositories.HistoryRepository on the
// history_records table, one row per (capability, object).
type HistoryRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
	now    func() time.Time
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *DB, tm repositories.TransactionManager, logger *zap.Logger) repositories.HistoryRepository {
	return &HistoryRepository{
		db:     db,
		tm:     tm,
		logger: logger,
		now:    time.Now,
	}
}

// Load returns the stored buckets for objectIDs
func (r *HistoryRepository) Load(ctx context.Context, capability string, objectIDs []string) ([]*models.HistoryRecord, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT object_id, capability, entries, digest, updated_at
		FROM history_records
		WHERE capability = $1 AND object_id = ANY($2)
		ORDER BY object_id
	`
	return r.queryRecords(ctx, query, capability, pq.Array(objectIDs))
}

// LoadAll returns every bucket recorded for the capability
func (r *HistoryRepository) LoadAll(ctx context.Context, capability string) ([]*models.HistoryRecord, error) {
	query := `
		SELECT object_id, capability, entries, digest, updated_at
		FROM history_records
		WHERE capability = $1
		ORDER BY object_id
	`
	return r.queryRecords(ctx, query, capability)
}

// Update locks the capability's rows, applies fn and upserts the result in a
// single transaction. The advisory lock also covers objects that have no row yet.
func (r *HistoryRepository) Update(ctx context.Context, capability string, objectIDs []string, fn repositories.HistoryMutator) ([]*models.HistoryRecord, error) {
	var written []*models.HistoryRecord

	err := r.tm.InTransaction(ctx, func(txCtx context.Context, tx repositories.Transaction) error {
		executor := GetExecutor(txCtx, r.db)

		if _, err := executor.ExecContext(txCtx, `SELECT pg_advisory_xact_lock(hashtext($1))`, capability); err != nil {
			return fmt.Errorf("failed to lock history: %w", err)
		}

		current, err := r.queryRecords(txCtx, `
			SELECT object_id, capability, entries, digest, updated_at
			FROM history_records
			WHERE capability = $1 AND object_id = ANY($2)
			ORDER BY object_id
			FOR UPDATE
		`, capability, pq.Array(objectIDs))
		if err != nil {
			return err
		}

		next, err := fn(history.Ensure(history.FromRecords(current), objectIDs))
		if err != nil {
			return err
		}

		records, err := history.Records(capability, next, r.now().UTC())
		if err != nil {
			return err
		}

		for _, rec := range records {
			if err := r.upsert(txCtx, executor, rec); err != nil {
				return err
			}
		}
		written = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("history updated", zap.Int("buckets", len(written)))
	return written, nil
}

// Delete removes the buckets for objectIDs
func (r *HistoryRepository) Delete(ctx context.Context, capability string, objectIDs []string) (int, error) {
	if len(objectIDs) == 0 {
		return 0, nil
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx,
		`DELETE FROM history_records WHERE capability = $1 AND object_id = ANY($2)`,
		capability, pq.Array(objectIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (r *HistoryRepository) upsert(ctx context.Context, executor Executor, rec *models.HistoryRecord) error {
	entries, err := json.Marshal(rec.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO history_records (capability, object_id, entries, digest, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (capability, object_id) DO UPDATE
		SET entries = EXCLUDED.entries,
		    digest = EXCLUDED.digest,
		    updated_at = EXCLUDED.updated_at
	`, rec.Capability, rec.ObjectID, entries, rec.Digest, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store history for %q: %w", rec.ObjectID, err)
	}
	return nil
}

func (r *HistoryRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.HistoryRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*models.HistoryRecord
	for rows.Next() {
		rec := &models.HistoryRecord{}
		var entries []byte
		if err := rows.Scan(&rec.ObjectID, &rec.Capability, &entries, &rec.Digest, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if err := json.Unmarshal(entries, &rec.Entries); err != nil {
			return nil, fmt.Errorf("corrupt history for %q: %w", rec.ObjectID, err)
		}
		if rec.Entries == nil {
			rec.Entries = []models.HistoryEntry{}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}

	return records, nil
}
