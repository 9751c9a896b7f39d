// Package history keeps the per-capability action logs that policies consult.
//
// Callers must not run their own read-modify-write cycles against stored
// logs; Record goes through the repository's atomic Update so concurrent
// requests on the same object are serialized.
package history

import (
	"context"
	"errors"

	engine "github.com/earlence-security/stateful-auth/internal/history"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/services"
	"github.com/earlence-security/stateful-auth/services/audit"
	"go.uber.org/zap"
)

// HistoryService loads, verifies and advances stored histories
type HistoryService struct {
	repo   repositories.HistoryRepository
	audit  *audit.AuditService
	logger *zap.Logger
}

// NewHistoryService creates a new HistoryService instance
func NewHistoryService(repo repositories.HistoryRepository, auditService *audit.AuditService, logger *zap.Logger) *HistoryService {
	return &HistoryService{
		repo:   repo,
		audit:  auditService,
		logger: logger,
	}
}

// Load returns the history of capability restricted to objectIDs. Objects
// with no stored log get an empty bucket.
func (s *HistoryService) Load(ctx context.Context, capability string, objectIDs []string) (models.HistoryMap, error) {
	if capability == "" {
		return nil, services.ErrMissingCapability
	}
	records, err := s.repo.Load(ctx, capability, objectIDs)
	if err != nil {
		return nil, services.WrapInternal("failed to load history", err)
	}
	return engine.Select(engine.ForCapability(capability, records), objectIDs), nil
}

// LoadAll returns every bucket recorded for capability
func (s *HistoryService) LoadAll(ctx context.Context, capability string) (models.HistoryMap, error) {
	if capability == "" {
		return nil, services.ErrMissingCapability
	}
	records, err := s.repo.LoadAll(ctx, capability)
	if err != nil {
		return nil, services.WrapInternal("failed to load history", err)
	}
	return engine.ForCapability(capability, records), nil
}

// Verify checks a client-carried history against the stored digests. Every
// bucket in carried and every id in objectIDs is checked; an object with no
// stored log only matches an empty bucket. It returns the carried buckets
// for objectIDs.
func (s *HistoryService) Verify(ctx context.Context, capability string, objectIDs []string, carried models.HistoryMap, req *models.Request, meta audit.Meta) (models.HistoryMap, error) {
	if capability == "" {
		return nil, services.ErrMissingCapability
	}

	ids := unionIDs(objectIDs, carried)
	records, err := s.repo.Load(ctx, capability, ids)
	if err != nil {
		return nil, services.WrapInternal("failed to load history", err)
	}
	stored := make(map[string]string, len(records))
	for _, rec := range records {
		stored[rec.ObjectID] = rec.Digest
	}

	for _, id := range ids {
		got, err := engine.Digest(carried[id])
		if err != nil {
			return nil, services.NewDomainError(services.ErrorTypeValidation, "malformed history", err)
		}
		want, ok := stored[id]
		if !ok {
			want = engine.EmptyDigest
		}
		if got != want {
			s.logger.Warn("carried history does not match stored digest",
				zap.String("capability", capability),
				zap.String("object_id", id))
			if err := s.audit.LogHistory(models.AuditActionHistoryRejected, capability, req, []string{id}, meta); err != nil {
				s.logger.Warn("failed to audit history rejection", zap.Error(err))
			}
			return nil, services.NewDomainError(services.ErrorTypeForbidden, "history does not match stored digest", nil).
				WithDetail("object_id", id)
		}
	}

	return engine.Select(carried, objectIDs), nil
}

// Record applies a successful request to the logs of objectIDs and returns
// the resulting buckets.
func (s *HistoryService) Record(ctx context.Context, capability string, req *models.Request, objectIDs []string, meta audit.Meta) (models.HistoryMap, error) {
	if capability == "" {
		return nil, services.ErrMissingCapability
	}
	if req == nil {
		return nil, services.ErrInvalidRequest
	}
	if len(objectIDs) == 0 {
		return models.HistoryMap{}, nil
	}

	records, err := s.repo.Update(ctx, capability, objectIDs, func(current models.HistoryMap) (models.HistoryMap, error) {
		return engine.Advance(req, current), nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, services.NewDomainError(services.ErrorTypeConflict, "concurrent update detected", err)
		}
		return nil, services.WrapInternal("failed to record history", err)
	}

	s.logger.Debug("history recorded",
		zap.String("capability", capability),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Strings("objects", objectIDs))
	if err := s.audit.LogHistory(models.AuditActionHistoryRecorded, capability, req, objectIDs, meta); err != nil {
		s.logger.Warn("failed to audit history update", zap.Error(err))
	}

	return engine.FromRecords(records), nil
}

// Forget drops the logs of objectIDs, used after a successful DELETE
func (s *HistoryService) Forget(ctx context.Context, capability string, req *models.Request, objectIDs []string, meta audit.Meta) (int, error) {
	if capability == "" {
		return 0, services.ErrMissingCapability
	}
	if len(objectIDs) == 0 {
		return 0, nil
	}

	n, err := s.repo.Delete(ctx, capability, objectIDs)
	if err != nil {
		return 0, services.WrapInternal("failed to forget history", err)
	}

	s.logger.Debug("history forgotten",
		zap.String("capability", capability),
		zap.Strings("objects", objectIDs),
		zap.Int("deleted", n))
	if err := s.audit.LogHistory(models.AuditActionHistoryForgotten, capability, req, objectIDs, meta); err != nil {
		s.logger.Warn("failed to audit history removal", zap.Error(err))
	}
	return n, nil
}

func unionIDs(ids []string, hm models.HistoryMap) []string {
	seen := make(map[string]bool, len(ids)+len(hm))
	out := make([]string, 0, len(ids)+len(hm))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range hm.Buckets() {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
