package syncjob

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/conflict"
	"github.com/ehr/sync/internal/domain/transform"
	"github.com/ehr/sync/internal/platform/alerting"
	"github.com/ehr/sync/internal/platform/provider"
)

// CommitGate is consulted immediately before a canonical record is
// committed. A non-nil error aborts the commit; the sync fails as
// permanent. Deployments hang consent checks off this hook.
type CommitGate func(ctx context.Context, rec *transform.CanonicalRecord) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) { o.workers = n }
}

// WithMaxAttempts sets the default attempt ceiling for new jobs.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithBackoff sets the retry delay base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(o *Orchestrator) {
		o.backoffBase = base
		o.backoffCap = cap
	}
}

// WithRequestTimeout bounds each adapter call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithPromoteAfter sets the queue age-promotion interval.
func WithPromoteAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.promoteAfter = d }
}

// WithCommitGate installs a pre-commit hook.
func WithCommitGate(g CommitGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithJitter overrides the backoff jitter source, used by tests.
func WithJitter(fn func() float64) Option {
	return func(o *Orchestrator) { o.jitter = fn }
}

// Orchestrator runs sync jobs: it dequeues by priority, claims each job
// with a compare-and-swap so dispatch races safely with cancellation,
// serializes jobs per entity, and retries recoverable failures with
// capped exponential backoff.
type Orchestrator struct {
	repo      Repository
	adapters  *provider.Registry
	pipeline  *transform.Pipeline
	store     transform.RecordStore
	conflicts *conflict.Service
	conns     *ConnectionRegistry
	alerts    *alerting.Alerter
	log       zerolog.Logger

	workers        int
	maxAttempts    int
	backoffBase    time.Duration
	backoffCap     time.Duration
	requestTimeout time.Duration
	promoteAfter   time.Duration
	gate           CommitGate
	now            func() time.Time
	jitter         func() float64

	queue  *Queue
	locks  *keyedLocks
	notify chan struct{}
	wg     sync.WaitGroup
}

// New builds an Orchestrator. Call Start to begin processing.
func New(
	repo Repository,
	adapters *provider.Registry,
	pipeline *transform.Pipeline,
	store transform.RecordStore,
	conflicts *conflict.Service,
	conns *ConnectionRegistry,
	alerts *alerting.Alerter,
	log zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		repo:           repo,
		adapters:       adapters,
		pipeline:       pipeline,
		store:          store,
		conflicts:      conflicts,
		conns:          conns,
		alerts:         alerts,
		log:            log.With().Str("component", "orchestrator").Logger(),
		workers:        4,
		maxAttempts:    5,
		backoffBase:    2 * time.Second,
		backoffCap:     5 * time.Minute,
		requestTimeout: 30 * time.Second,
		promoteAfter:   5 * time.Minute,
		now:            time.Now,
		jitter:         rand.Float64,
		locks:          newKeyedLocks(),
		notify:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = NewQueue(o.promoteAfter)
	return o
}

// MaxAttempts returns the configured attempt ceiling.
func (o *Orchestrator) MaxAttempts() int { return o.maxAttempts }

// QueueDepth reports how many jobs are waiting to run.
func (o *Orchestrator) QueueDepth() int { return o.queue.Len() }

// Enqueue places a persisted job onto the dispatch queue.
func (o *Orchestrator) Enqueue(job *SyncJob) {
	o.queue.Enqueue(job.ID, job.Priority, job.NextRunAt)
	o.wake()
}

// RemoveQueued drops a job from the dispatch queue after a successful
// cancellation claim.
func (o *Orchestrator) RemoveQueued(id uuid.UUID) bool {
	return o.queue.Remove(id)
}

func (o *Orchestrator) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Drain waits for in-flight jobs to finish.
func (o *Orchestrator) Start(ctx context.Context) {
	o.requeueStale(ctx)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	o.log.Info().Int("workers", o.workers).Msg("orchestrator started")
}

// Drain blocks until all workers have stopped. Call after cancelling
// the Start context.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
	o.log.Info().Msg("orchestrator drained")
}

// requeueStale reloads non-terminal jobs from the repository so work
// survives a restart. Jobs found RUNNING were orphaned by a crash and
// go back through the retry path.
func (o *Orchestrator) requeueStale(ctx context.Context) {
	jobs, err := o.repo.Stale(ctx, o.now())
	if err != nil {
		o.log.Error().Err(err).Msg("stale job scan failed")
		return
	}
	for _, job := range jobs {
		if job.Status == StatusRunning {
			if ok, err := o.repo.Claim(ctx, job.ID, StatusRunning, StatusRetrying); err != nil || !ok {
				continue
			}
		}
		o.queue.Enqueue(job.ID, job.Priority, job.NextRunAt)
	}
	if len(jobs) > 0 {
		o.log.Info().Int("count", len(jobs)).Msg("requeued stale jobs")
	}
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	defer o.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		id, ok := o.queue.Dequeue()
		if ok {
			o.process(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, id uuid.UUID) {
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		o.log.Error().Err(err).Str("job_id", id.String()).Msg("dequeued job not loadable")
		return
	}
	// The claim is the cancellation check: if Cancel won the race the
	// job is already CANCELLED and the claim fails.
	claimed, err := o.repo.Claim(ctx, id, job.Status, StatusRunning)
	if err != nil || !claimed {
		return
	}
	job.Status = StatusRunning

	unlock := o.locks.lock(job)
	defer unlock()

	job.Attempt++
	now := o.now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := o.repo.Update(ctx, job); err != nil {
		o.log.Error().Err(err).Str("job_id", id.String()).Msg("job update failed")
	}

	log := o.log.With().
		Str("job_id", id.String()).
		Str("type", string(job.Type)).
		Str("provider", job.Provider).
		Int("attempt", job.Attempt).
		Logger()
	log.Info().Msg("job started")

	result, execErr := o.execute(ctx, job)
	job.Result = result
	if execErr == nil {
		o.finish(ctx, job, StatusSucceeded)
		log.Info().Msg("job succeeded")
		return
	}

	kind := provider.KindOf(execErr)
	job.Errors = append(job.Errors, JobError{
		Kind:    string(kind),
		Message: execErr.Error(),
		Attempt: job.Attempt,
		At:      o.now(),
	})
	if kind == provider.KindAuth {
		o.alerts.Raise(ctx, alerting.Alert{
			Kind:     alerting.KindAuthFailure,
			Provider: job.Provider,
			Subject:  "provider authentication failed",
			Detail:   execErr.Error(),
		})
	}

	if provider.Recoverable(execErr) && job.Attempt < job.MaxAttempts {
		delay := o.backoff(job.Attempt)
		job.NextRunAt = o.now().Add(delay)
		if ok, _ := o.repo.Claim(ctx, job.ID, StatusRunning, StatusRetrying); ok {
			job.Status = StatusRetrying
			if err := o.repo.Update(ctx, job); err != nil {
				log.Error().Err(err).Msg("retry bookkeeping failed")
			}
			o.queue.Enqueue(job.ID, job.Priority, job.NextRunAt)
			log.Warn().Err(execErr).Dur("delay", delay).Msg("job retrying")
		}
		return
	}

	o.finish(ctx, job, StatusFailed)
	log.Error().Err(execErr).Msg("job failed")
	o.alerts.Raise(ctx, alerting.Alert{
		Kind:     alerting.KindJobFailed,
		Provider: job.Provider,
		Subject:  fmt.Sprintf("sync job %s failed after %d attempts", job.ID, job.Attempt),
		Detail:   execErr.Error(),
	})
}

func (o *Orchestrator) finish(ctx context.Context, job *SyncJob, status Status) {
	if ok, _ := o.repo.Claim(ctx, job.ID, StatusRunning, status); !ok {
		return
	}
	job.Status = status
	now := o.now()
	job.FinishedAt = &now
	if err := o.repo.Update(ctx, job); err != nil {
		o.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("finish bookkeeping failed")
	}
}

// backoff computes the retry delay for the given attempt: base doubled
// per prior attempt, capped, with +/-20% jitter so synchronized
// failures fan out.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.backoffBase
	for i := 1; i < attempt && d < o.backoffCap; i++ {
		d *= 2
	}
	if d > o.backoffCap {
		d = o.backoffCap
	}
	factor := 0.8 + 0.4*o.jitter()
	return time.Duration(float64(d) * factor)
}

// execute runs every resource in the job and aggregates the outcomes.
// The returned error, when non-nil, is the job-level failure used for
// retry classification.
func (o *Orchestrator) execute(ctx context.Context, job *SyncJob) (*Result, error) {
	conn, err := o.conns.Get(job.ConnectionID)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, job.Provider, err.Error())
	}
	adapter, err := o.adapters.Get(job.Provider)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, job.Provider, err.Error())
	}

	result := &Result{}
	var (
		failures  []error
		succeeded int
	)
	for _, entityID := range job.EntityIDs {
		oc, err := o.syncOne(ctx, job, conn, adapter, entityID)
		result.Outcomes = append(result.Outcomes, oc)
		result.PendingConflicts += oc.PendingConflicts
		if err != nil {
			failures = append(failures, err)
			if job.AllOrNothing {
				// Atomic mode: stop at the first failure instead of
				// reporting per-resource outcomes.
				return result, fmt.Errorf("entity %s: %w", entityID, err)
			}
			continue
		}
		succeeded++
	}

	if len(failures) > 0 && succeeded == 0 {
		return result, fmt.Errorf("all %d resources failed: %w", len(failures), failures[0])
	}
	return result, nil
}

// syncOne synchronizes a single entity and reports its outcome. The
// error return carries retry classification; it is nil when the
// outcome succeeded.
func (o *Orchestrator) syncOne(ctx context.Context, job *SyncJob, conn *Connection, adapter provider.Adapter, entityID string) (ResourceOutcome, error) {
	oc := ResourceOutcome{EntityID: entityID}
	var err error
	switch job.Direction {
	case Outbound:
		err = o.syncOutbound(ctx, job, conn, adapter, entityID, &oc)
	default:
		err = o.syncInbound(ctx, job, conn, adapter, entityID, &oc)
	}
	if err != nil {
		oc.Success = false
		oc.Error = err.Error()
		return oc, err
	}
	oc.Success = true
	return oc, nil
}

func (o *Orchestrator) syncInbound(ctx context.Context, job *SyncJob, conn *Connection, adapter provider.Adapter, entityID string, oc *ResourceOutcome) error {
	callCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	payload, err := adapter.FetchEntity(callCtx, entityID)
	cancel()
	if err != nil {
		return err
	}

	et := transform.EntityType(job.EntityType)
	tres := o.pipeline.Transform(payload, transform.Context{
		Provider:         job.Provider,
		EntityType:       et,
		Direction:        transform.Inbound,
		Strict:           conn.StrictTransform,
		PreserveUnmapped: true,
	})
	for _, w := range tres.Warnings {
		oc.Warnings = append(oc.Warnings, w.Field+": "+w.Message)
	}
	if !tres.Success {
		// Bad mappings do not heal on retry.
		return provider.NewError(provider.KindPermanent, job.Provider,
			"transformation failed: "+issueSummary(tres.Errors))
	}

	now := o.now()
	local, err := o.store.Get(ctx, et, entityID)
	switch {
	case errors.Is(err, transform.ErrRecordNotFound):
		rec := &transform.CanonicalRecord{
			ID:           uuid.New(),
			EntityType:   et,
			EntityID:     entityID,
			LastModified: now,
			Data:         tres.Data,
			ExternalIDs:  map[string]string{job.Provider: entityID},
		}
		if err := o.commit(ctx, rec, 0); err != nil {
			return err
		}
		oc.CommittedVersion = rec.Version
		return nil
	case err != nil:
		return err
	}

	remote := &transform.CanonicalRecord{
		EntityType:    et,
		EntityID:      entityID,
		Version:       local.Version,
		LastModified:  now,
		Data:          tres.Data,
		FieldModified: stampFields(tres.Data, now),
	}

	found := conflict.Detect(local, remote)
	outcome := o.conflicts.Engine().ResolveAll(found, conn.Strategy, conn.CustomResolver)
	if err := o.conflicts.RecordResolved(ctx, outcome.Resolved); err != nil {
		return err
	}
	if err := o.conflicts.RecordPending(ctx, outcome.Pending); err != nil {
		return err
	}
	oc.PendingConflicts = len(outcome.Pending)
	if len(outcome.Pending) > 0 {
		o.alerts.Raise(ctx, alerting.Alert{
			Kind:     alerting.KindConflictReview,
			Provider: job.Provider,
			Subject:  fmt.Sprintf("%d conflicts awaiting review on %s/%s", len(outcome.Pending), job.EntityType, entityID),
		})
	}

	merged := conflict.Apply(local, outcome.Resolved)
	changed := merged.Version > local.Version
	for k, v := range remote.Data {
		if _, ok := merged.Data[k]; ok {
			continue
		}
		// Remote-only fields are additions, not conflicts.
		merged.Data[k] = v
		changed = true
	}
	if !changed {
		oc.CommittedVersion = local.Version
		return nil
	}
	if merged.Version == local.Version {
		merged.Version = local.Version + 1
	}
	merged.LastModified = now
	if err := o.commit(ctx, merged, local.Version); err != nil {
		return err
	}
	oc.CommittedVersion = merged.Version
	return nil
}

func (o *Orchestrator) syncOutbound(ctx context.Context, job *SyncJob, conn *Connection, adapter provider.Adapter, entityID string, oc *ResourceOutcome) error {
	et := transform.EntityType(job.EntityType)
	local, err := o.store.Get(ctx, et, entityID)
	if err != nil {
		if errors.Is(err, transform.ErrRecordNotFound) {
			return provider.NewError(provider.KindPermanent, job.Provider,
				"no canonical record for "+job.EntityType+"/"+entityID)
		}
		return err
	}

	tres := o.pipeline.Transform(local.Data, transform.Context{
		Provider:   job.Provider,
		EntityType: et,
		Direction:  transform.Outbound,
		Strict:     conn.StrictTransform,
	})
	for _, w := range tres.Warnings {
		oc.Warnings = append(oc.Warnings, w.Field+": "+w.Message)
	}
	if !tres.Success {
		return provider.NewError(provider.KindPermanent, job.Provider,
			"transformation failed: "+issueSummary(tres.Errors))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()
	remoteID, linked := local.ExternalIDs[job.Provider]
	if linked {
		if err := adapter.UpdateEntity(callCtx, remoteID, tres.Data); err != nil {
			return err
		}
		oc.CommittedVersion = local.Version
		return nil
	}
	newID, err := adapter.CreateEntity(callCtx, tres.Data)
	if err != nil {
		return err
	}
	// Persist the vendor-assigned id so the next push is an update.
	updated := local.Clone()
	if updated.ExternalIDs == nil {
		updated.ExternalIDs = make(map[string]string, 1)
	}
	updated.ExternalIDs[job.Provider] = newID
	if err := o.commit(ctx, updated, local.Version); err != nil {
		return err
	}
	oc.CommittedVersion = updated.Version
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, rec *transform.CanonicalRecord, expected int) error {
	if o.gate != nil {
		if err := o.gate(ctx, rec); err != nil {
			return provider.NewError(provider.KindPermanent, "", "commit rejected: "+err.Error())
		}
	}
	return o.store.Commit(ctx, rec, expected)
}

func stampFields(data map[string]interface{}, at time.Time) map[string]time.Time {
	stamps := make(map[string]time.Time, len(data))
	for k := range data {
		stamps[k] = at
	}
	return stamps
}

func issueSummary(issues []transform.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return strings.Join(parts, "; ")
}
