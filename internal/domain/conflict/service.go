package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sync/internal/domain/transform"
)

// CommitGate is consulted immediately before a manually resolved value
// is committed to the canonical record. A non-nil error aborts the
// apply and leaves the conflict pending. Deployments hang consent
// checks off this hook.
type CommitGate func(ctx context.Context, rec *transform.CanonicalRecord) error

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCommitGate installs a pre-commit hook for manual resolutions.
func WithCommitGate(g CommitGate) ServiceOption {
	return func(s *Service) { s.gate = g }
}

// Service coordinates the engine, the repository and the canonical
// record store for the review API and the orchestrator.
type Service struct {
	repo   Repository
	engine *Engine
	store  transform.RecordStore
	gate   CommitGate
}

// NewService creates a conflict service. The record store is written on
// manual resolution: a reviewer's decision is applied to the stored
// record, not just noted on the conflict row.
func NewService(repo Repository, engine *Engine, store transform.RecordStore, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, engine: engine, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine exposes the resolution engine to the orchestrator.
func (s *Service) Engine() *Engine { return s.engine }

// RecordPending persists conflicts awaiting manual review.
func (s *Service) RecordPending(ctx context.Context, conflicts []Conflict) error {
	for i := range conflicts {
		if err := s.repo.Create(ctx, &conflicts[i]); err != nil {
			return fmt.Errorf("record conflict for %s.%s: %w", conflicts[i].EntityID, conflicts[i].Field, err)
		}
	}
	return nil
}

// RecordResolved persists auto-resolved conflicts and archives them,
// since their values have already been applied by the sync commit.
func (s *Service) RecordResolved(ctx context.Context, conflicts []Conflict) error {
	for i := range conflicts {
		c := &conflicts[i]
		if err := s.repo.Create(ctx, c); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		if err := s.repo.Archive(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// Resolve applies an explicit manual decision to a pending conflict:
// the value is validated, committed to the canonical record under the
// version check, and the conflict is archived. A failed commit leaves
// the conflict pending and unchanged.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, value interface{}, resolvedBy string) (*Conflict, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Archived {
		return nil, fmt.Errorf("conflict %s is archived", id)
	}
	if err := s.engine.ResolveManually(c, value, resolvedBy); err != nil {
		return nil, err
	}
	if err := s.apply(ctx, c); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if err := s.repo.Archive(ctx, c.ID); err != nil {
		return nil, err
	}
	c.Archived = true
	return c, nil
}

// apply commits the resolved value to the stored record. Record-level
// conflicts (delete-vs-update) carry a boolean keep decision; field
// conflicts carry the field's new value.
func (s *Service) apply(ctx context.Context, c *Conflict) error {
	rec, err := s.store.Get(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return fmt.Errorf("load record for conflict %s: %w", c.ID, err)
	}
	expected := rec.Version
	now := time.Now()

	if c.Field == "_record" {
		keep, ok := c.ResolvedValue.(bool)
		if !ok {
			return fmt.Errorf("record-level conflict %s needs a boolean keep decision, got %T", c.ID, c.ResolvedValue)
		}
		rec.Deleted = !keep
	} else {
		rec.Data[c.Field] = c.ResolvedValue
		if rec.FieldModified == nil {
			rec.FieldModified = make(map[string]time.Time)
		}
		rec.FieldModified[c.Field] = now
	}
	rec.LastModified = now
	rec.Version = expected + 1

	if s.gate != nil {
		if err := s.gate(ctx, rec); err != nil {
			return fmt.Errorf("commit rejected: %w", err)
		}
	}
	if err := s.store.Commit(ctx, rec, expected); err != nil {
		return fmt.Errorf("apply resolution for conflict %s: %w", c.ID, err)
	}
	return nil
}

// Get returns one conflict.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns conflicts matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Conflict, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Archive marks an applied conflict immutable.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	return s.repo.Archive(ctx, id)
}

// PendingCount returns the number of conflicts awaiting review.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.repo.CountPending(ctx)
}
