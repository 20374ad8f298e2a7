package syncjob

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/conflict"
	"github.com/ehr/sync/internal/domain/transform"
)

// Service is the submission and query API in front of the
// orchestrator. Validation happens here; execution happens in the
// orchestrator's workers.
type Service struct {
	repo      Repository
	conns     *ConnectionRegistry
	conflicts *conflict.Service
	orch      *Orchestrator
	log       zerolog.Logger
}

func NewService(repo Repository, conns *ConnectionRegistry, conflicts *conflict.Service, orch *Orchestrator, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		conns:     conns,
		conflicts: conflicts,
		orch:      orch,
		log:       log.With().Str("component", "syncjob").Logger(),
	}
}

func (s *Service) validate(spec Spec) error {
	if !ValidJobType(spec.Type) {
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidSpec, spec.Type)
	}
	if spec.Direction != Inbound && spec.Direction != Outbound {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSpec, spec.Direction)
	}
	if !ValidPriority(spec.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSpec, spec.Priority)
	}
	if !transform.ValidEntityType(transform.EntityType(spec.EntityType)) {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidSpec, spec.EntityType)
	}
	if len(spec.EntityIDs) == 0 {
		return fmt.Errorf("%w: at least one entity id required", ErrInvalidSpec)
	}
	for _, id := range spec.EntityIDs {
		if id == "" {
			return fmt.Errorf("%w: empty entity id", ErrInvalidSpec)
		}
	}
	conn, err := s.conns.Get(spec.ConnectionID)
	if err != nil {
		return err
	}
	if !conn.Active {
		return fmt.Errorf("%w: %s", ErrInactiveConnection, spec.ConnectionID)
	}
	if conn.Provider != spec.Provider {
		return fmt.Errorf("%w: connection %s belongs to provider %s", ErrInvalidSpec, spec.ConnectionID, conn.Provider)
	}
	return nil
}

// Submit validates the spec, persists a QUEUED job and hands it to the
// orchestrator.
func (s *Service) Submit(ctx context.Context, spec Spec) (*SyncJob, error) {
	if err := s.validate(spec); err != nil {
		return nil, err
	}
	now := s.orch.now()
	job := &SyncJob{
		ID:           uuid.New(),
		Type:         spec.Type,
		Direction:    spec.Direction,
		Priority:     spec.Priority,
		Status:       StatusQueued,
		Provider:     spec.Provider,
		ConnectionID: spec.ConnectionID,
		EntityType:   spec.EntityType,
		EntityIDs:    append([]string(nil), spec.EntityIDs...),
		AllOrNothing: spec.AllOrNothing,
		MaxAttempts:  s.orch.MaxAttempts(),
		NextRunAt:    now,
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	s.orch.Enqueue(job)
	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("type", string(job.Type)).
		Str("priority", string(job.Priority)).
		Str("provider", job.Provider).
		Msg("job submitted")
	return job, nil
}

// Cancel moves a QUEUED or RETRYING job to CANCELLED. Running and
// terminal jobs are not cancellable; the claim race against dispatch
// is decided by the repository.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusQueued, StatusRetrying:
	default:
		if job.Status.Terminal() {
			return nil, fmt.Errorf("%w: status is %s", ErrTerminalState, job.Status)
		}
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}
	ok, err := s.repo.Claim(ctx, id, job.Status, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job changed state during cancel", ErrNotCancellable)
	}
	s.orch.RemoveQueued(id)
	job.Status = StatusCancelled
	now := s.orch.now()
	job.FinishedAt = &now
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info().Str("job_id", id.String()).Msg("job cancelled")
	return job, nil
}

// Retry resubmits a FAILED or CANCELLED job as a new job. Terminal
// states are immutable, so the original is left untouched.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed && job.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: only failed or cancelled jobs can be retried, status is %s", ErrInvalidSpec, job.Status)
	}
	return s.Submit(ctx, Spec{
		Type:         job.Type,
		Direction:    job.Direction,
		Priority:     job.Priority,
		Provider:     job.Provider,
		ConnectionID: job.ConnectionID,
		EntityType:   job.EntityType,
		EntityIDs:    job.EntityIDs,
		AllOrNothing: job.AllOrNothing,
	})
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*SyncJob, error) {
	return s.repo.List(ctx, f)
}

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	Jobs             map[Status]int `json:"jobs"`
	QueueDepth       int            `json:"queue_depth"`
	PendingConflicts int            `json:"pending_conflicts"`
}

// Stats aggregates job counts, queue depth and pending conflicts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.conflicts.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Jobs:             counts,
		QueueDepth:       s.orch.QueueDepth(),
		PendingConflicts: pending,
	}, nil
}
