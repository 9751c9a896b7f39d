package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"go.uber.org/zap"
)

// AuditEvent represents an event to be audited
type AuditEvent struct {
	Log *models.AuditLog
}

// Meta carries the HTTP request metadata copied into audit rows.
type Meta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// AuditService writes audit logs asynchronously through a worker pool.
// A nil *AuditService is valid and discards every event.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	eventChan   chan *AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.RWMutex // guards started/stopped and sends on eventChan
	started bool
	stopped bool
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 4,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *AuditService {
	ctx, cancel := context.WithCancel(context.Background())
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		eventChan:   make(chan *AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for queued ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	pending := len(s.eventChan)
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking; a full buffer drops the event
func (s *AuditService) LogEvent(event *AuditEvent) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(event.Log.Action)),
			zap.String("policy", event.Log.PolicyName))
		return fmt.Errorf("audit event buffer full")
	}
}

// LogEventBlocking waits until the event is queued or ctx is done
func (s *AuditService) LogEventBlocking(ctx context.Context, event *AuditEvent) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("audit service stopped")
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(event.Log.Action)))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event.Log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int  `json:"buffer_size"`
	PendingEvents int  `json:"pending_events"`
	WorkerCount   int  `json:"worker_count"`
	Started       bool `json:"started"`
}

// LogDecision records the outcome of evaluating a policy for one request
func (s *AuditService) LogDecision(capability, policyName string, req *models.Request, decision models.Decision, reason string, meta Meta) error {
	if s == nil {
		return nil
	}
	action := models.AuditActionDecisionDenied
	if decision.Allowed() {
		action = models.AuditActionDecisionAccepted
	}

	log := models.NewAuditLog(action, "request").
		WithCapability(capability).
		WithPolicy(policyName).
		WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent).
		WithDetails(map[string]interface{}{
			"decision": decision,
			"reason":   reason,
		})
	if req != nil {
		log.WithCall(req.Method, req.Path)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogHistory records a change to (or rejection of) stored histories
func (s *AuditService) LogHistory(action models.AuditAction, capability string, req *models.Request, objectIDs []string, meta Meta) error {
	if s == nil {
		return nil
	}
	log := models.NewAuditLog(action, "history").
		WithCapability(capability).
		WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent).
		WithDetails(map[string]interface{}{"objects": objectIDs})
	if req != nil {
		log.WithCall(req.Method, req.Path)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogPolicyChange records creation, update or deletion of a stored policy
func (s *AuditService) LogPolicyChange(action models.AuditAction, policy *models.Policy, meta Meta) error {
	if s == nil {
		return nil
	}
	log := models.NewAuditLog(action, "policy").
		WithPolicy(policy.Name).
		WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent).
		WithDetails(map[string]interface{}{
			"id":      policy.ID,
			"enabled": policy.Enabled,
		})

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogBindingChange records a capability binding being set or removed
func (s *AuditService) LogBindingChange(action models.AuditAction, capability, policyName string, meta Meta) error {
	if s == nil {
		return nil
	}
	log := models.NewAuditLog(action, "binding").
		WithCapability(capability).
		WithPolicy(policyName).
		WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent)

	return s.LogEvent(&AuditEvent{Log: log})
}
