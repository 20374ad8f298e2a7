// Package provider defines the contract between the sync core and the
// per-vendor EHR adapters (Epic, Cerner, MEDITECH, ...). Adapters live
// outside this module; the core depends only on the Adapter interface and
// the typed error taxonomy so retry policy never needs vendor knowledge.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrorKind classifies an adapter failure so the orchestrator can decide
// between retry, immediate failure, and operator escalation.
type ErrorKind string

const (
	// KindAuth means credentials were rejected. Never retried automatically.
	KindAuth ErrorKind = "AUTH"
	// KindRateLimit means the vendor throttled the call. Retried with backoff.
	KindRateLimit ErrorKind = "RATE_LIMIT"
	// KindNotFound means the remote entity does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindTransient covers timeouts, 5xx responses, and connection resets.
	KindTransient ErrorKind = "TRANSIENT"
	// KindPermanent covers unmappable schemas and other unrecoverable failures.
	KindPermanent ErrorKind = "PERMANENT"
)

// Recoverable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Recoverable() bool {
	return k == KindTransient || k == KindRateLimit
}

// Error is the structured error adapters return across the component
// boundary. It carries enough context for logging and operator alerts
// without exposing vendor wire details to the core.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Provider   string    `json:"provider"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Kind, e.Message, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Provider)
}

// NewError constructs a provider error of the given kind.
func NewError(kind ErrorKind, providerName, message string) *Error {
	return &Error{Kind: kind, Provider: providerName, Message: message}
}

// KindOf extracts the ErrorKind from err. Errors that are not provider
// errors (context deadlines, raw network failures) are treated as
// transient so they are retried rather than terminally failing a job.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Recoverable reports whether err should be retried under the backoff policy.
func Recoverable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimit
}

// Adapter is implemented once per vendor. Payloads are vendor-shaped
// field maps; the transformation pipeline owns conversion to and from
// the canonical schema.
type Adapter interface {
	// FetchEntity retrieves the vendor representation of a remote entity.
	FetchEntity(ctx context.Context, remoteID string) (map[string]interface{}, error)
	// CreateEntity pushes a new entity and returns the vendor-assigned id.
	CreateEntity(ctx context.Context, payload map[string]interface{}) (string, error)
	// UpdateEntity overwrites an existing remote entity.
	UpdateEntity(ctx context.Context, remoteID string, payload map[string]interface{}) error
}

// Registry maps provider names to adapters. Registration happens once at
// process start; lookups are concurrency-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a provider name, replacing any previous binding.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get returns the adapter for the provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}
