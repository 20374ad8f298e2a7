package webhook

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Repository persists received webhook events. Create is the dedup
// point: implementations enforce a unique (provider, vendor_event_id)
// key and return ErrDuplicateEvent when it is already claimed.
type Repository interface {
	Create(ctx context.Context, e *Event) error
	Update(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	FindByVendorEvent(ctx context.Context, provider, vendorEventID string) (*Event, error)
	List(ctx context.Context, provider string, limit, offset int) ([]*Event, error)
}

// InMemoryRepo is the map-backed Repository used by tests.
type InMemoryRepo struct {
	mu       sync.RWMutex
	events   map[uuid.UUID]*Event
	byVendor map[string]uuid.UUID
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		events:   make(map[uuid.UUID]*Event),
		byVendor: make(map[string]uuid.UUID),
	}
}

func vendorKey(provider, vendorEventID string) string {
	return provider + "/" + vendorEventID
}

func (r *InMemoryRepo) Create(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := vendorKey(e.Provider, e.VendorEventID)
	if _, claimed := r.byVendor[key]; claimed {
		return ErrDuplicateEvent
	}
	cp := *e
	r.events[e.ID] = &cp
	r.byVendor[key] = e.ID
	return nil
}

func (r *InMemoryRepo) Update(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; !ok {
		return ErrEventNotFound
	}
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *InMemoryRepo) FindByVendorEvent(_ context.Context, provider, vendorEventID string) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byVendor[vendorKey(provider, vendorEventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *r.events[id]
	return &cp, nil
}

func (r *InMemoryRepo) List(_ context.Context, provider string, limit, offset int) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Event
	for _, e := range r.events {
		if provider != "" && e.Provider != provider {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
