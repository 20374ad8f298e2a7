package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/syncjob"
	"github.com/ehr/sync/internal/platform/alerting"
)

// JobSubmitter is the slice of the sync job service the webhook
// receiver needs.
type JobSubmitter interface {
	Submit(ctx context.Context, spec syncjob.Spec) (*syncjob.SyncJob, error)
}

// connectionLookup resolves which connection serves a provider's
// events.
type connectionLookup func(providerName string) (connectionID string, ok bool)

// ServiceOption configures a webhook Service.
type ServiceOption func(*Service)

// WithSubmitRetries bounds how often a failed job submission is
// reattempted before the event is marked FAILED.
func WithSubmitRetries(n int) ServiceOption {
	return func(s *Service) { s.submitRetries = n }
}

// WithRetryDelays sets the waits between submission attempts. The last
// delay repeats when there are more retries than delays; an empty
// slice retries immediately.
func WithRetryDelays(delays ...time.Duration) ServiceOption {
	return func(s *Service) { s.retryDelays = delays }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service verifies, deduplicates and dispatches webhook deliveries.
type Service struct {
	repo    Repository
	secrets *SecretStore
	jobs    JobSubmitter
	connFor connectionLookup
	alerts  *alerting.Alerter
	log     zerolog.Logger

	submitRetries int
	retryDelays   []time.Duration
	now           func() time.Time
}

// NewService wires the webhook receiver. connFor maps a provider name
// to the connection its events dispatch under.
func NewService(repo Repository, secrets *SecretStore, jobs JobSubmitter, conns *syncjob.ConnectionRegistry, alerts *alerting.Alerter, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:    repo,
		secrets: secrets,
		jobs:    jobs,
		alerts:  alerts,
		log:     log.With().Str("component", "webhook").Logger(),

		submitRetries: 3,
		retryDelays:   []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		now:           time.Now,
	}
	s.connFor = func(providerName string) (string, bool) {
		for _, c := range conns.List() {
			if c.Provider == providerName && c.Active {
				return c.ID, true
			}
		}
		return "", false
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receive handles one delivery. The body must be the raw request bytes;
// the signature was computed over them. The returned bool is true when
// the event was already processed and no new job was dispatched.
func (s *Service) Receive(ctx context.Context, providerName string, body []byte, signature string) (*Event, bool, error) {
	if err := s.secrets.Verify(providerName, body, signature); err != nil {
		s.log.Warn().Str("provider", providerName).Err(err).Msg("webhook rejected")
		return nil, false, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventID == "" || env.EntityID == "" {
		return nil, false, fmt.Errorf("%w: event_id and entity_id are required", ErrMalformed)
	}
	rt, ok := eventRoutes[env.EventType]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownEvent, env.EventType)
	}

	// Vendors redeliver on their own retry schedule; the vendor event
	// id is the dedup key. Inserting the event row first claims it, so
	// concurrent redeliveries race on the unique key instead of a read.
	event := &Event{
		ID:            uuid.New(),
		Provider:      providerName,
		VendorEventID: env.EventID,
		EventType:     env.EventType,
		EntityID:      env.EntityID,
		Payload:       body,
		Signature:     signature,
		Status:        StatusReceived,
		ReceivedAt:    s.now(),
	}
	if err := s.repo.Create(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			prior, ferr := s.repo.FindByVendorEvent(ctx, providerName, env.EventID)
			if ferr != nil {
				return nil, false, ferr
			}
			s.log.Debug().
				Str("provider", providerName).
				Str("vendor_event_id", env.EventID).
				Msg("duplicate webhook ignored")
			return prior, true, nil
		}
		return nil, false, err
	}

	job, err := s.dispatch(ctx, providerName, env.EntityID, rt)
	if err != nil {
		event.Status = StatusFailed
		event.Error = err.Error()
		if uerr := s.repo.Update(ctx, event); uerr != nil {
			return nil, false, uerr
		}
		s.alerts.Raise(ctx, alerting.Alert{
			Kind:     alerting.KindWebhookDead,
			Provider: providerName,
			Subject:  "webhook event could not be dispatched",
			Detail:   err.Error(),
			Context:  map[string]string{"vendor_event_id": env.EventID, "event_type": env.EventType},
		})
		return event, false, err
	}

	event.Status = StatusDispatched
	event.DispatchedJobID = &job.ID
	if err := s.repo.Update(ctx, event); err != nil {
		return nil, false, err
	}
	s.log.Info().
		Str("provider", providerName).
		Str("event_type", env.EventType).
		Str("job_id", job.ID.String()).
		Msg("webhook dispatched")
	return event, false, nil
}

// dispatch submits the sync job with a bounded retry for transient
// submission failures.
func (s *Service) dispatch(ctx context.Context, providerName, entityID string, rt route) (*syncjob.SyncJob, error) {
	connID, ok := s.connFor(providerName)
	if !ok {
		return nil, fmt.Errorf("no active connection for provider %s", providerName)
	}
	spec := syncjob.Spec{
		Type:         syncjob.WebhookSync,
		Direction:    syncjob.Inbound,
		Priority:     rt.priority,
		Provider:     providerName,
		ConnectionID: connID,
		EntityType:   string(rt.entityType),
		EntityIDs:    []string{entityID},
	}
	var lastErr error
	for attempt := 0; attempt <= s.submitRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitRetry(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		job, err := s.jobs.Submit(ctx, spec)
		if err == nil {
			return job, nil
		}
		lastErr = err
		// Validation failures will not pass on a retry.
		if errors.Is(err, syncjob.ErrInvalidSpec) ||
			errors.Is(err, syncjob.ErrUnknownConnection) ||
			errors.Is(err, syncjob.ErrInactiveConnection) {
			break
		}
	}
	return nil, lastErr
}

// waitRetry sleeps for the configured delay before retry n, honouring
// cancellation.
func (s *Service) waitRetry(ctx context.Context, n int) error {
	if len(s.retryDelays) == 0 {
		return nil
	}
	if n >= len(s.retryDelays) {
		n = len(s.retryDelays) - 1
	}
	d := s.retryDelays[n]
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get returns a stored event by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns stored events, newest first.
func (s *Service) List(ctx context.Context, providerName string, limit, offset int) ([]*Event, error) {
	return s.repo.List(ctx, providerName, limit, offset)
}
