package handlers

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	engine "github.com/earlence-security/stateful-auth/internal/policy"
	"github.com/earlence-security/stateful-auth/models"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/services/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const meOnlyDoc = `{"name":"me-only","default":"deny","rules":[
	{"kind":"scope","prefix":"/","methods":["POST"],"rules":[{"kind":"decide","decision":"accept"}]}]}`

const modifyOnlyCreatedDoc = `{"name":"modify-only-created","default":"accept","rules":[
	{"kind":"scope","prefix":"/api/events","except_methods":["GET"],"rules":[
		{"kind":"create","paths":["/api/events"],"method":"POST"},
		{"kind":"ownership","apis":["/api/events"],"method":"POST","quantifier":"any"}]}]}`

// memPolicyRepo is an in-memory PolicyRepository
type memPolicyRepo struct {
	mu       sync.Mutex
	policies map[string]*models.Policy
}

func newMemPolicyRepo() *memPolicyRepo {
	return &memPolicyRepo{policies: make(map[string]*models.Policy)}
}

func (r *memPolicyRepo) Create(ctx context.Context, p *models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.Name]; ok {
		return repositories.ErrDuplicate
	}
	cp := *p
	r.policies[p.Name] = &cp
	return nil
}

func (r *memPolicyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.policies {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memPolicyRepo) GetByName(ctx context.Context, name string) (*models.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPolicyRepo) List(ctx context.Context, limit, offset int) ([]*models.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := []*models.Policy{}
	for i := offset; i < len(names) && len(out) < limit; i++ {
		cp := *r.policies[names[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memPolicyRepo) Update(ctx context.Context, p *models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.Name]; !ok {
		return repositories.ErrNotFound
	}
	cp := *p
	r.policies[p.Name] = &cp
	return nil
}

func (r *memPolicyRepo) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[name]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.policies, name)
	return nil
}

func (r *memPolicyRepo) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return r
}

// memBindingRepo is an in-memory BindingRepository
type memBindingRepo struct {
	mu       sync.Mutex
	bindings map[string]*models.CapabilityBinding
}

func newMemBindingRepo() *memBindingRepo {
	return &memBindingRepo{bindings: make(map[string]*models.CapabilityBinding)}
}

func (r *memBindingRepo) Get(ctx context.Context, capability string) (*models.CapabilityBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[capability]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *memBindingRepo) Upsert(ctx context.Context, b *models.CapabilityBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.bindings[b.Capability] = &cp
	return nil
}

func (r *memBindingRepo) Delete(ctx context.Context, capability string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[capability]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.bindings, capability)
	return nil
}

// fakeTx carries the caller context unchanged
type fakeTx struct {
	ctx context.Context
}

func (t *fakeTx) Commit() error { return nil }
func (t *fakeTx) Rollback() error { return nil }
func (t *fakeTx) Context() context.Context { return t.ctx }

type fakeTxManager struct{}

func (fakeTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &fakeTx{ctx: ctx}, nil
}

func (m fakeTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, _ := m.Begin(ctx)
	return fn(ctx, tx)
}

// memHistoryRepo is an in-memory HistoryRepository
type memHistoryRepo struct {
	mu      sync.Mutex
	records map[string]map[string]*models.HistoryRecord
}

func newMemHistoryRepo() *memHistoryRepo {
	return &memHistoryRepo{records: make(map[string]map[string]*models.HistoryRecord)}
}

func (r *memHistoryRepo) Load(ctx context.Context, capability string, ids []string) ([]*models.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.HistoryRecord
	for _, id := range ids {
		if rec, ok := r.records[capability][id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memHistoryRepo) LoadAll(ctx context.Context, capability string) ([]*models.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.HistoryRecord
	for _, rec := range r.records[capability] {
		out = append(out, rec)
	}
	return out, nil
}

func (r *memHistoryRepo) Update(ctx context.Context, capability string, ids []string, fn repositories.HistoryMutator) ([]*models.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := make(models.HistoryMap, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[capability][id]; ok {
			current[id] = rec.Entries
		} else {
			current[id] = []models.HistoryEntry{}
		}
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if r.records[capability] == nil {
		r.records[capability] = make(map[string]*models.HistoryRecord)
	}
	var out []*models.HistoryRecord
	for id, entries := range next {
		rec := &models.HistoryRecord{ObjectID: id, Capability: capability, Entries: entries, UpdatedAt: time.Now()}
		r.records[capability][id] = rec
		out = append(out, rec)
	}
	return out, nil
}

func (r *memHistoryRepo) Delete(ctx context.Context, capability string, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := r.records[capability][id]; ok {
			delete(r.records[capability], id)
			n++
		}
	}
	return n, nil
}

// newTestPolicyService builds a PolicyService over in-memory stores with
// the given documents available as policy files.
func newTestPolicyService(t *testing.T, docs ...string) (*policy.PolicyService, *memPolicyRepo, *memBindingRepo) {
	t.Helper()
	files := make(map[string]*engine.Policy, len(docs))
	for _, doc := range docs {
		p, err := engine.CompileBytes([]byte(doc), models.PolicyFormatJSON)
		require.NoError(t, err)
		files[p.Name()] = p
	}

	repo := newMemPolicyRepo()
	bindings := newMemBindingRepo()
	svc := policy.NewPolicyService(repo, bindings, fakeTxManager{}, policy.NewPolicyCache(16, time.Minute), nil, zap.NewNop(), policy.Options{
		Files: files,
	})
	return svc, repo, bindings
}
