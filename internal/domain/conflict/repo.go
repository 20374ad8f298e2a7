package conflict

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ListFilter narrows conflict queries for the review API.
type ListFilter struct {
	EntityID string
	Severity Severity
	Resolved *bool
	Archived *bool
}

// Repository persists conflicts through their review lifecycle.
type Repository interface {
	Create(ctx context.Context, c *Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error)
	Update(ctx context.Context, c *Conflict) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Conflict, int, error)
	// Archive marks a resolved-and-applied conflict immutable.
	Archive(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}

// InMemoryRepo is a thread-safe in-memory Repository used by tests and
// embedded runs.
type InMemoryRepo struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*Conflict
	order     []uuid.UUID
}

// NewInMemoryRepo creates an empty in-memory conflict repository.
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{conflicts: make(map[uuid.UUID]*Conflict)}
}

func (r *InMemoryRepo) Create(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	r.conflicts[c.ID] = &cp
	r.order = append(r.order, c.ID)
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepo) Update(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.conflicts[c.ID]
	if !ok {
		return fmt.Errorf("conflict %s not found", c.ID)
	}
	if stored.Archived {
		return fmt.Errorf("conflict %s is archived", c.ID)
	}
	cp := *c
	r.conflicts[c.ID] = &cp
	return nil
}

func (r *InMemoryRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Conflict, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*Conflict
	for _, id := range r.order {
		c := r.conflicts[id]
		if filter.EntityID != "" && c.EntityID != filter.EntityID {
			continue
		}
		if filter.Severity != "" && c.Severity != filter.Severity {
			continue
		}
		if filter.Resolved != nil && c.Resolved != *filter.Resolved {
			continue
		}
		if filter.Archived != nil && c.Archived != *filter.Archived {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	total := len(filtered)
	if offset >= total {
		return []*Conflict{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (r *InMemoryRepo) Archive(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return fmt.Errorf("conflict %s not found", id)
	}
	if !c.Resolved {
		return fmt.Errorf("conflict %s is not resolved", id)
	}
	c.Archived = true
	return nil
}

func (r *InMemoryRepo) CountPending(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conflicts {
		if !c.Resolved && !c.Archived {
			n++
		}
	}
	return n, nil
}
