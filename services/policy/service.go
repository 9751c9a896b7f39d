package policy

import (
	"context"
	"errors"
	"sort"
	"time"

	engine "github.com/earlence-security/stateful-auth/internal/policy"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/services"
	"github.com/earlence-security/stateful-auth/services/audit"
	"go.uber.org/zap"
)

// EvaluationRequest is one decision to make. When PolicyName is empty the
// policy bound to Capability is used.
type EvaluationRequest struct {
	Capability string
	PolicyName string
	Request    *models.Request
	History    models.HistoryMap
	Meta       audit.Meta
}

// EvaluationResult represents the result of policy evaluation
type EvaluationResult struct {
	Decision      models.Decision `json:"decision"`
	Policy        string          `json:"policy"`
	PolicyVersion string          `json:"policy_version,omitempty"`
	Reason        string          `json:"reason"`
	Rule          int             `json:"rule"`
	FailedClosed  bool            `json:"failed_closed"`
}

// DocumentInput is a policy document submitted for storage
type DocumentInput struct {
	Document    []byte
	Format      models.PolicyFormat
	Description string
	Enabled     *bool
}

// Options configures where policies come from besides the repository
type Options struct {
	// Files are compiled policies loaded from the policy directory.
	Files map[string]*engine.Policy
	// DefaultPolicy applies to capabilities without a binding.
	DefaultPolicy string
}

// PolicyService resolves named policies and evaluates requests against them.
//
// Stored policies take precedence over policy files of the same name.
// Compiled stored policies are cached; writes through this service
// invalidate the cache entry.
type PolicyService struct {
	policyRepo  repositories.PolicyRepository
	bindingRepo repositories.BindingRepository
	txManager   repositories.TransactionManager
	cache       *PolicyCache
	files       map[string]*engine.Policy
	defaultName string
	audit       *audit.AuditService
	logger      *zap.Logger
}

// NewPolicyService creates a new PolicyService instance. policyRepo,
// bindingRepo and txManager may be nil for a file-only deployment.
func NewPolicyService(
	policyRepo repositories.PolicyRepository,
	bindingRepo repositories.BindingRepository,
	txManager repositories.TransactionManager,
	cache *PolicyCache,
	auditService *audit.AuditService,
	logger *zap.Logger,
	opts Options,
) *PolicyService {
	files := opts.Files
	if files == nil {
		files = make(map[string]*engine.Policy)
	}
	return &PolicyService{
		policyRepo:  policyRepo,
		bindingRepo: bindingRepo,
		txManager:   txManager,
		cache:       cache,
		files:       files,
		defaultName: opts.DefaultPolicy,
		audit:       auditService,
		logger:      logger,
	}
}

// Resolve returns the compiled policy with the given name
func (s *PolicyService) Resolve(ctx context.Context, name string) (*engine.Policy, error) {
	if name == "" {
		return nil, services.ErrPolicyNotFound
	}
	if p := s.cache.Get(name); p != nil {
		return p, nil
	}

	if s.policyRepo != nil {
		stored, err := s.policyRepo.GetByName(ctx, name)
		switch {
		case err == nil && stored.Enabled:
			p, err := engine.CompileBytes(stored.Document, models.PolicyFormatJSON)
			if err != nil {
				s.logger.Error("stored policy does not compile",
					zap.String("policy", name),
					zap.Error(err))
				return nil, services.WrapInternal("stored policy does not compile", err)
			}
			s.cache.Set(p)
			return p, nil
		case err == nil:
			s.logger.Debug("stored policy disabled", zap.String("policy", name))
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, services.WrapInternal("failed to load policy", err)
		}
	}

	if p, ok := s.files[name]; ok {
		return p, nil
	}
	return nil, services.NewDomainError(services.ErrorTypeNotFound, "policy not found", nil).
		WithDetail("policy", name)
}

// PolicyNameFor returns the policy name that governs capability: its
// binding, else the configured default.
func (s *PolicyService) PolicyNameFor(ctx context.Context, capability string) (string, error) {
	if s.bindingRepo != nil && capability != "" {
		binding, err := s.bindingRepo.Get(ctx, capability)
		if err == nil {
			return binding.PolicyName, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return "", services.WrapInternal("failed to load capability binding", err)
		}
	}
	if s.defaultName == "" {
		return "", services.NewDomainError(services.ErrorTypeNotFound, "no policy bound to capability", nil).
			WithDetail("capability", capability)
	}
	return s.defaultName, nil
}

// Evaluate decides one request. Errors mean no policy could be resolved;
// callers treat that as Deny.
func (s *PolicyService) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	if req.Request == nil {
		return nil, services.ErrInvalidRequest
	}

	name := req.PolicyName
	if name == "" {
		var err error
		if name, err = s.PolicyNameFor(ctx, req.Capability); err != nil {
			return nil, err
		}
	}

	p, err := s.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	verdict := p.Explain(req.Request, req.History)

	result := &EvaluationResult{
		Decision:      verdict.Decision,
		Policy:        p.Name(),
		PolicyVersion: p.Version(),
		Reason:        verdict.Reason(),
		Rule:          verdict.Rule,
		FailedClosed:  verdict.FailedClosed(),
	}

	s.logger.Debug("policy evaluated",
		zap.String("policy", p.Name()),
		zap.String("capability", req.Capability),
		zap.String("method", req.Request.Method),
		zap.String("path", req.Request.Path),
		zap.String("decision", verdict.Decision.String()),
		zap.String("reason", result.Reason),
		zap.Duration("took", time.Since(start)))
	if verdict.FailedClosed() {
		s.logger.Info("request denied on malformed input",
			zap.String("policy", p.Name()),
			zap.Error(verdict.Err))
	}

	if err := s.audit.LogDecision(req.Capability, p.Name(), req.Request, verdict.Decision, result.Reason, req.Meta); err != nil {
		s.logger.Warn("failed to audit decision", zap.Error(err))
	}

	return result, nil
}

// CreatePolicy validates and stores a new policy document
func (s *PolicyService) CreatePolicy(ctx context.Context, in DocumentInput, meta audit.Meta) (*models.Policy, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	doc, canonical, err := parseInput(in)
	if err != nil {
		return nil, err
	}

	policy := models.NewPolicy(doc.Name, in.Description, canonical)
	if policy.Description == "" {
		policy.Description = doc.Description
	}
	if in.Enabled != nil {
		policy.Enabled = *in.Enabled
	}

	created, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.Policy, error) {
		if err := s.policyRepo.WithTx(tx).Create(ctx, policy); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.ErrDuplicatePolicy
			}
			return nil, services.WrapInternal("failed to create policy", err)
		}
		return policy, nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(created.Name)
	s.logger.Info("policy created", zap.String("policy", created.Name), zap.String("id", created.ID.String()))
	if err := s.audit.LogPolicyChange(models.AuditActionPolicyCreated, created, meta); err != nil {
		s.logger.Warn("failed to audit policy change", zap.Error(err))
	}
	return created, nil
}

// GetPolicy returns a stored policy by name
func (s *PolicyService) GetPolicy(ctx context.Context, name string) (*models.Policy, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	policy, err := s.policyRepo.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrPolicyNotFound
		}
		return nil, services.WrapInternal("failed to load policy", err)
	}
	return policy, nil
}

// ListPolicies returns stored policies ordered by name. A file-only
// deployment has none.
func (s *PolicyService) ListPolicies(ctx context.Context, limit, offset int) ([]*models.Policy, error) {
	if s.policyRepo == nil {
		return []*models.Policy{}, nil
	}
	policies, err := s.policyRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list policies", err)
	}
	return policies, nil
}

// UpdatePolicy replaces the document of a stored policy. The document's
// name must match.
func (s *PolicyService) UpdatePolicy(ctx context.Context, name string, in DocumentInput, meta audit.Meta) (*models.Policy, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	doc, canonical, err := parseInput(in)
	if err != nil {
		return nil, err
	}
	if doc.Name != name {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "policy name cannot change", nil).
			WithDetail("name", name).
			WithDetail("document_name", doc.Name)
	}

	updated, err := services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.Policy, error) {
		repo := s.policyRepo.WithTx(tx)
		policy, err := repo.GetByName(ctx, name)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrPolicyNotFound
			}
			return nil, services.WrapInternal("failed to load policy", err)
		}

		policy.Document = canonical
		policy.Description = in.Description
		if policy.Description == "" {
			policy.Description = doc.Description
		}
		if in.Enabled != nil {
			policy.Enabled = *in.Enabled
		}
		policy.UpdatedAt = time.Now()

		if err := repo.Update(ctx, policy); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, services.ErrPolicyNotFound
			}
			return nil, services.WrapInternal("failed to update policy", err)
		}
		return policy, nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(name)
	s.logger.Info("policy updated", zap.String("policy", name))
	if err := s.audit.LogPolicyChange(models.AuditActionPolicyUpdated, updated, meta); err != nil {
		s.logger.Warn("failed to audit policy change", zap.Error(err))
	}
	return updated, nil
}

// DeletePolicy removes a stored policy. A policy file of the same name, if
// any, becomes visible again.
func (s *PolicyService) DeletePolicy(ctx context.Context, name string, meta audit.Meta) error {
	if err := s.requireStore(); err != nil {
		return err
	}
	var deleted *models.Policy
	err := services.WithTransaction(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.policyRepo.WithTx(tx)
		policy, err := repo.GetByName(ctx, name)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.ErrPolicyNotFound
			}
			return services.WrapInternal("failed to load policy", err)
		}
		if err := repo.Delete(ctx, name); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return services.ErrPolicyNotFound
			}
			return services.WrapInternal("failed to delete policy", err)
		}
		deleted = policy
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(name)
	s.logger.Info("policy deleted", zap.String("policy", name))
	if err := s.audit.LogPolicyChange(models.AuditActionPolicyDeleted, deleted, meta); err != nil {
		s.logger.Warn("failed to audit policy change", zap.Error(err))
	}
	return nil
}

// SetBinding binds capability to a policy that must currently resolve
func (s *PolicyService) SetBinding(ctx context.Context, capability, policyName string, meta audit.Meta) (*models.CapabilityBinding, error) {
	if s.bindingRepo == nil {
		return nil, services.NewDomainError(services.ErrorTypeInternal, "capability bindings are not configured", nil)
	}
	if capability == "" {
		return nil, services.ErrMissingCapability
	}
	if _, err := s.Resolve(ctx, policyName); err != nil {
		return nil, err
	}

	binding := models.NewCapabilityBinding(capability, policyName)
	if err := s.bindingRepo.Upsert(ctx, binding); err != nil {
		return nil, services.WrapInternal("failed to store capability binding", err)
	}

	s.logger.Info("capability bound",
		zap.String("capability", capability),
		zap.String("policy", policyName))
	if err := s.audit.LogBindingChange(models.AuditActionBindingSet, capability, policyName, meta); err != nil {
		s.logger.Warn("failed to audit binding change", zap.Error(err))
	}
	return binding, nil
}

// GetBinding returns the binding of capability
func (s *PolicyService) GetBinding(ctx context.Context, capability string) (*models.CapabilityBinding, error) {
	if s.bindingRepo == nil {
		return nil, services.ErrBindingNotFound
	}
	binding, err := s.bindingRepo.Get(ctx, capability)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrBindingNotFound
		}
		return nil, services.WrapInternal("failed to load capability binding", err)
	}
	return binding, nil
}

// RemoveBinding unbinds capability; it falls back to the default policy
func (s *PolicyService) RemoveBinding(ctx context.Context, capability string, meta audit.Meta) error {
	if s.bindingRepo == nil {
		return services.ErrBindingNotFound
	}
	if err := s.bindingRepo.Delete(ctx, capability); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrBindingNotFound
		}
		return services.WrapInternal("failed to remove capability binding", err)
	}

	s.logger.Info("capability unbound", zap.String("capability", capability))
	if err := s.audit.LogBindingChange(models.AuditActionBindingRemoved, capability, "", meta); err != nil {
		s.logger.Warn("failed to audit binding change", zap.Error(err))
	}
	return nil
}

// FileNames lists the policies loaded from the policy directory
func (s *PolicyService) FileNames() []string {
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCacheStats returns cache statistics
func (s *PolicyService) GetCacheStats() CacheStats {
	return s.cache.Stats()
}

// StartCacheCleanup starts a background worker to clean up expired cache entries
func (s *PolicyService) StartCacheCleanup(interval time.Duration, stopCh <-chan struct{}) {
	s.logger.Info("started cache cleanup worker",
		zap.Duration("interval", interval))
	s.cache.StartCleanupWorker(interval, stopCh)
}

func (s *PolicyService) requireStore() error {
	if s.policyRepo == nil || s.txManager == nil {
		return services.NewDomainError(services.ErrorTypeInternal, "policy storage is not configured", nil)
	}
	return nil
}

func parseInput(in DocumentInput) (*engine.Document, []byte, error) {
	format := in.Format
	if format == "" {
		format = models.PolicyFormatJSON
	}
	doc, canonical, err := engine.ParseDocument(in.Document, format)
	if err == nil {
		_, err = engine.Compile(doc)
	}
	if err != nil {
		var ce *engine.CompileError
		if errors.As(err, &ce) {
			return nil, nil, services.NewDomainError(services.ErrorTypeValidation, "invalid policy document", err).
				WithDetail("error", ce.Error())
		}
		return nil, nil, services.WrapInternal("failed to validate policy document", err)
	}
	if doc.Name == "" {
		return nil, nil, services.NewDomainError(services.ErrorTypeValidation, "policy document has no name", nil)
	}
	return doc, canonical, nil
}
