package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// PlanStore is a durable store for plans and approvals.
type PlanStore interface {
	PlanRepository
	ApprovalRepository
}

// MemoryRepository is an in-process PlanStore. Writes are visible to every
// subsequent read in the same process. Stored and returned values are
// copies, so callers can never mutate repository state through them.
type MemoryRepository struct {
	mu        sync.RWMutex
	plans     map[string]*DeploymentPlan
	approvals map[string]*ApprovalRequest
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		plans:     make(map[string]*DeploymentPlan),
		approvals: make(map[string]*ApprovalRequest),
	}
}

// SavePlan inserts or replaces a plan.
func (r *MemoryRepository) SavePlan(ctx context.Context, plan *DeploymentPlan) error {
	if plan == nil || plan.PlanID == "" {
		return NewPermanentError("plan ID is required", nil).WithCode(ErrCodeValidation)
	}
	cp := plan.Clone()
	if cp == nil {
		return NewPermanentError("failed to copy plan", nil).WithResource(plan.PlanID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.PlanID] = cp
	return nil
}

// GetPlan returns a copy of the plan.
func (r *MemoryRepository) GetPlan(ctx context.Context, planID string) (*DeploymentPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan.Clone(), nil
}

// ListPlans returns copies of every plan, newest first.
func (r *MemoryRepository) ListPlans(ctx context.Context) ([]*DeploymentPlan, error) {
	r.mu.RLock()
	plans := make([]*DeploymentPlan, 0, len(r.plans))
	for _, p := range r.plans {
		plans = append(plans, p.Clone())
	}
	r.mu.RUnlock()

	sortPlans(plans)
	return plans, nil
}

// SaveApproval inserts or replaces the approval for a plan.
func (r *MemoryRepository) SaveApproval(ctx context.Context, approval *ApprovalRequest) error {
	if approval == nil || approval.PlanID == "" {
		return NewPermanentError("approval plan ID is required", nil).WithCode(ErrCodeValidation)
	}
	cp := *approval

	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[approval.PlanID] = &cp
	return nil
}

// ListPendingApprovals returns approvals still awaiting a decision.
func (r *MemoryRepository) ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make([]*ApprovalRequest, 0)
	for _, a := range r.approvals {
		if a.Decision == ApprovalPending {
			cp := *a
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].PlanID < pending[j].PlanID })
	return pending, nil
}

// CachedRepository fronts a durable store with a MemoryRepository. Reads
// are served from the cache when present; durable store failures are
// logged and the cache keeps the process consistent.
type CachedRepository struct {
	cache   *MemoryRepository
	durable PlanStore
	logger  zerolog.Logger
}

// NewCachedRepository creates a cached repository. A nil durable store
// makes it a plain in-memory repository.
func NewCachedRepository(durable PlanStore, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{
		cache:   NewMemoryRepository(),
		durable: durable,
		logger:  logger.With().Str("component", "repository").Logger(),
	}
}

// SavePlan writes to the cache, then the durable store.
func (r *CachedRepository) SavePlan(ctx context.Context, plan *DeploymentPlan) error {
	if err := r.cache.SavePlan(ctx, plan); err != nil {
		return err
	}
	if r.durable != nil {
		if err := r.durable.SavePlan(ctx, plan); err != nil {
			r.logger.Warn().Err(err).Str("plan_id", plan.PlanID).Msg("Durable plan save failed, keeping in memory")
		}
	}
	return nil
}

// GetPlan reads from the cache and falls back to the durable store.
func (r *CachedRepository) GetPlan(ctx context.Context, planID string) (*DeploymentPlan, error) {
	plan, err := r.cache.GetPlan(ctx, planID)
	if err == nil || r.durable == nil {
		return plan, err
	}

	plan, derr := r.durable.GetPlan(ctx, planID)
	if derr != nil {
		return nil, derr
	}
	_ = r.cache.SavePlan(ctx, plan)
	return plan, nil
}

// ListPlans merges durable plans with cached ones; cached copies win.
func (r *CachedRepository) ListPlans(ctx context.Context) ([]*DeploymentPlan, error) {
	cached, _ := r.cache.ListPlans(ctx)
	if r.durable == nil {
		return cached, nil
	}

	durable, err := r.durable.ListPlans(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Durable plan listing failed, using memory")
		return cached, nil
	}

	seen := make(map[string]bool, len(cached))
	for _, p := range cached {
		seen[p.PlanID] = true
	}
	merged := cached
	for _, p := range durable {
		if !seen[p.PlanID] {
			merged = append(merged, p)
		}
	}
	sortPlans(merged)
	return merged, nil
}

// SaveApproval writes to the cache, then the durable store.
func (r *CachedRepository) SaveApproval(ctx context.Context, approval *ApprovalRequest) error {
	if err := r.cache.SaveApproval(ctx, approval); err != nil {
		return err
	}
	if r.durable != nil {
		if err := r.durable.SaveApproval(ctx, approval); err != nil {
			r.logger.Warn().Err(err).Str("plan_id", approval.PlanID).Msg("Durable approval save failed, keeping in memory")
		}
	}
	return nil
}

// ListPendingApprovals merges durable and cached approvals; decisions made
// in this process win over durable rows.
func (r *CachedRepository) ListPendingApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	pending, _ := r.cache.ListPendingApprovals(ctx)
	if r.durable == nil {
		return pending, nil
	}

	durable, err := r.durable.ListPendingApprovals(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Durable approval listing failed, using memory")
		return pending, nil
	}

	r.cache.mu.RLock()
	for _, a := range durable {
		if _, known := r.cache.approvals[a.PlanID]; !known {
			pending = append(pending, a)
		}
	}
	r.cache.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].PlanID < pending[j].PlanID })
	return pending, nil
}

func sortPlans(plans []*DeploymentPlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].PlanID < plans[j].PlanID
		}
		return plans[i].CreatedAt.After(plans[j].CreatedAt)
	})
}
