package transform

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrVersionConflict is returned by Commit when the stored version moved
// past the expected one, signalling a lost-update race the caller must
// replay.
var ErrVersionConflict = errors.New("canonical record version conflict")

// ErrRecordNotFound is returned by Get when no snapshot exists.
var ErrRecordNotFound = errors.New("canonical record not found")

// RecordStore is the local source of truth for canonical records. Only
// the orchestrator's post-resolution commit step writes through it, via
// a single read-modify-write keyed by entity.
type RecordStore interface {
	Get(ctx context.Context, entityType EntityType, entityID string) (*CanonicalRecord, error)
	// Commit writes rec if the stored version still equals
	// expectedVersion (0 for a first write). ErrVersionConflict otherwise.
	Commit(ctx context.Context, rec *CanonicalRecord, expectedVersion int) error
}

// InMemoryRecordStore is a thread-safe RecordStore for tests and
// embedded runs.
type InMemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]*CanonicalRecord
}

// NewInMemoryRecordStore creates an empty in-memory record store.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[string]*CanonicalRecord)}
}

func recordKey(et EntityType, id string) string {
	return string(et) + "/" + id
}

func (s *InMemoryRecordStore) Get(_ context.Context, et EntityType, entityID string) (*CanonicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(et, entityID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryRecordStore) Commit(_ context.Context, rec *CanonicalRecord, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.EntityType, rec.EntityID)
	stored, exists := s.records[key]
	switch {
	case !exists && expectedVersion != 0:
		return fmt.Errorf("%w: no stored record but expected version %d", ErrVersionConflict, expectedVersion)
	case exists && stored.Version != expectedVersion:
		return fmt.Errorf("%w: stored version %d, expected %d", ErrVersionConflict, stored.Version, expectedVersion)
	}
	if rec.Version <= expectedVersion {
		rec.Version = expectedVersion + 1
	}
	s.records[key] = rec.Clone()
	return nil
}
