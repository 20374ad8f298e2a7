package syncjob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows List results. Zero-valued fields are ignored.
type ListFilter struct {
	Status       Status
	Provider     string
	ConnectionID string
	EntityType   string
	Limit        int
	Offset       int
}

// Repository persists jobs. Claim is the only compare-and-swap
// operation: exactly one caller wins a given transition, which is what
// keeps a job from being executed twice and lets cancellation race
// safely with dispatch.
type Repository interface {
	Create(ctx context.Context, job *SyncJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncJob, error)
	// Claim atomically moves the job from the expected status to next,
	// returning false when another actor transitioned it first.
	Claim(ctx context.Context, id uuid.UUID, expect, next Status) (bool, error)
	// Update persists worker-side mutations (attempt counters, errors,
	// result, timestamps). Status changes must go through Claim.
	Update(ctx context.Context, job *SyncJob) error
	List(ctx context.Context, f ListFilter) ([]*SyncJob, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// Stale returns non-terminal jobs whose next_run_at has passed,
	// used to requeue work after a restart.
	Stale(ctx context.Context, before time.Time) ([]*SyncJob, error)
}

// InMemoryRepo is the map-backed Repository used by tests and
// single-node deployments.
type InMemoryRepo struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*SyncJob
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{jobs: make(map[uuid.UUID]*SyncJob)}
}

func (r *InMemoryRepo) Create(_ context.Context, job *SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *InMemoryRepo) Claim(_ context.Context, id uuid.UUID, expect, next Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != expect || !CanTransition(expect, next) {
		return false, nil
	}
	job.Status = next
	return true, nil
}

func (r *InMemoryRepo) Update(_ context.Context, job *SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	cp := *job
	// Status is owned by Claim; keep whatever transition last won.
	cp.Status = stored.Status
	r.jobs[job.ID] = &cp
	return nil
}

func (r *InMemoryRepo) List(_ context.Context, f ListFilter) ([]*SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SyncJob
	for _, job := range r.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Provider != "" && job.Provider != f.Provider {
			continue
		}
		if f.ConnectionID != "" && job.ConnectionID != f.ConnectionID {
			continue
		}
		if f.EntityType != "" && job.EntityType != f.EntityType {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *InMemoryRepo) CountByStatus(_ context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (r *InMemoryRepo) Stale(_ context.Context, before time.Time) ([]*SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SyncJob
	for _, job := range r.jobs {
		if job.Status.Terminal() {
			continue
		}
		if job.NextRunAt.After(before) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}
