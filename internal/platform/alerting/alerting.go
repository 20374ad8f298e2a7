// Package alerting surfaces conditions that need a human: credential
// failures, permanently failed jobs, dead webhook events, and conflicts
// held for manual review. Senders are pluggable; the default logs.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind identifies what triggered an alert.
type Kind string

const (
	KindAuthFailure    Kind = "auth_failure"
	KindJobFailed      Kind = "job_failed"
	KindWebhookDead    Kind = "webhook_dead"
	KindConflictReview Kind = "conflict_review"
	KindPanic          Kind = "panic"
)

// Alert is one operator-facing notification.
type Alert struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Provider  string            `json:"provider,omitempty"`
	Subject   string            `json:"subject"`
	Detail    string            `json:"detail,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sender delivers alerts to operators. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// Alerter fans alerts out to its senders and keeps a bounded in-memory
// ring for the ops API.
type Alerter struct {
	mu      sync.RWMutex
	senders []Sender
	recent  []Alert
	keep    int
	log     zerolog.Logger
}

// New creates an Alerter keeping the most recent `keep` alerts.
func New(log zerolog.Logger, keep int, senders ...Sender) *Alerter {
	if keep <= 0 {
		keep = 200
	}
	return &Alerter{senders: senders, keep: keep, log: log}
}

// Raise records and delivers an alert. Delivery failures are logged,
// never propagated; alerting must not fail the work that raised it.
func (a *Alerter) Raise(ctx context.Context, alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	a.mu.Lock()
	a.recent = append(a.recent, alert)
	if len(a.recent) > a.keep {
		a.recent = a.recent[len(a.recent)-a.keep:]
	}
	senders := a.senders
	a.mu.Unlock()

	a.log.Warn().
		Str("alert_id", alert.ID).
		Str("kind", string(alert.Kind)).
		Str("provider", alert.Provider).
		Str("subject", alert.Subject).
		Msg("operator alert")

	for _, s := range senders {
		if err := s.Send(ctx, alert); err != nil {
			a.log.Error().Err(err).Str("alert_id", alert.ID).Msg("alert delivery failed")
		}
	}
}

// Recent returns up to limit of the most recent alerts, newest first.
func (a *Alerter) Recent(limit int) []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if limit <= 0 || limit > len(a.recent) {
		limit = len(a.recent)
	}
	out := make([]Alert, 0, limit)
	for i := len(a.recent) - 1; i >= len(a.recent)-limit; i-- {
		out = append(out, a.recent[i])
	}
	return out
}
