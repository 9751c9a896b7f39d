// Package redis stores per-object histories in Redis hashes, one hash per
// capability with one field per object.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/earlence-security/stateful-auth/config"
	"github.com/earlence-security/stateful-auth/internal/history"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HistoryRepository implements repositories.HistoryRepository with
// WATCH/MULTI optimistic transactions.
type HistoryRepository struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

type storedRecord struct {
	Entries   []models.HistoryEntry `json:"entries"`
	Digest    string                `json:"digest"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewClient opens a go-redis client for the configured server.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewHistoryRepository creates a Redis backed history repository
func NewHistoryRepository(client redis.UniversalClient, prefix string, maxRetries int, logger *zap.Logger) *HistoryRepository {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &HistoryRepository{
		client:     client,
		prefix:     prefix,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// Ping checks connectivity, used by readiness checks
func (r *HistoryRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *HistoryRepository) key(capability string) string {
	return r.prefix + ":" + capability
}

// Load returns the stored buckets for objectIDs
func (r *HistoryRepository) Load(ctx context.Context, capability string, objectIDs []string) ([]*models.HistoryRecord, error) {
	if len(objectIDs) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, r.key(capability), objectIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return decodeFields(capability, objectIDs, vals)
}

// LoadAll returns every bucket recorded for the capability
func (r *HistoryRepository) LoadAll(ctx context.Context, capability string) ([]*models.HistoryRecord, error) {
	all, err := r.client.HGetAll(ctx, r.key(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = all[id]
	}
	return decodeFields(capability, ids, vals)
}

// Update applies fn under WATCH on the capability's hash and writes the
// result in a MULTI block, retrying when another writer got there first.
func (r *HistoryRepository) Update(ctx context.Context, capability string, objectIDs []string, fn repositories.HistoryMutator) ([]*models.HistoryRecord, error) {
	key := r.key(capability)
	var written []*models.HistoryRecord

	txf := func(tx *redis.Tx) error {
		var current []*models.HistoryRecord
		if len(objectIDs) > 0 {
			vals, err := tx.HMGet(ctx, key, objectIDs...).Result()
			if err != nil {
				return err
			}
			if current, err = decodeFields(capability, objectIDs, vals); err != nil {
				return err
			}
		}

		next, err := fn(history.Ensure(history.FromRecords(current), objectIDs))
		if err != nil {
			return err
		}
		records, err := history.Records(capability, next, r.now().UTC())
		if err != nil {
			return err
		}

		fields := make([]interface{}, 0, 2*len(records))
		for _, rec := range records {
			data, err := json.Marshal(storedRecord{Entries: rec.Entries, Digest: rec.Digest, UpdatedAt: rec.UpdatedAt})
			if err != nil {
				return fmt.Errorf("failed to encode history: %w", err)
			}
			fields = append(fields, rec.ObjectID, data)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields...)
			}
			return nil
		})
		if err == nil {
			written = records
		}
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			r.logger.Debug("history updated", zap.Int("buckets", len(written)), zap.Int("attempt", attempt+1))
			return written, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.logger.Debug("history update raced, retrying", zap.Int("attempt", attempt+1))
	}

	return nil, fmt.Errorf("history update for %d objects: %w", len(objectIDs), repositories.ErrConflict)
}

// Delete removes the buckets for objectIDs
func (r *HistoryRepository) Delete(ctx context.Context, capability string, objectIDs []string) (int, error) {
	if len(objectIDs) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.key(capability), objectIDs...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete history: %w", err)
	}
	return int(n), nil
}

// decodeFields turns HMGET results into records; nil values are objects
// with no stored history and are skipped.
func decodeFields(capability string, ids []string, vals []interface{}) ([]*models.HistoryRecord, error) {
	var out []*models.HistoryRecord
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected history value type %T", v)
		}
		var stored storedRecord
		if err := json.Unmarshal([]byte(s), &stored); err != nil {
			return nil, fmt.Errorf("corrupt history for %q: %w", ids[i], err)
		}
		if stored.Entries == nil {
			stored.Entries = []models.HistoryEntry{}
		}
		out = append(out, &models.HistoryRecord{
			ObjectID:   ids[i],
			Capability: capability,
			Entries:    stored.Entries,
			Digest:     stored.Digest,
			UpdatedAt:  stored.UpdatedAt,
		})
	}
	return out, nil
}
