// Package webhook ingests provider push notifications, verifies their
// signatures, deduplicates them by vendor event id and dispatches sync
// jobs for the referenced entities.
package webhook

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sync/internal/domain/syncjob"
	"github.com/ehr/sync/internal/domain/transform"
)

// EventStatus tracks what happened to a received webhook.
type EventStatus string

const (
	// StatusReceived is the claim row written before dispatch; the
	// unique (provider, vendor_event_id) key makes the insert the
	// dedup point.
	StatusReceived   EventStatus = "RECEIVED"
	StatusDispatched EventStatus = "DISPATCHED"
	StatusFailed     EventStatus = "FAILED"
)

// Event is one received webhook delivery. Payload keeps the raw body
// bytes exactly as received; the signature was computed over them.
type Event struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	Provider        string      `db:"provider" json:"provider"`
	VendorEventID   string      `db:"vendor_event_id" json:"vendor_event_id"`
	EventType       string      `db:"event_type" json:"event_type"`
	EntityID        string      `db:"entity_id" json:"entity_id"`
	Payload         []byte      `db:"payload" json:"-"`
	Signature       string      `db:"signature" json:"-"`
	Status          EventStatus `db:"status" json:"status"`
	DispatchedJobID *uuid.UUID  `db:"dispatched_job_id" json:"dispatched_job_id,omitempty"`
	Error           string      `db:"error" json:"error,omitempty"`
	ReceivedAt      time.Time   `db:"received_at" json:"received_at"`
}

// envelope is the vendor-agnostic JSON body every adapter's webhook
// relay posts to us.
type envelope struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	OccurredAt string `json:"occurred_at,omitempty"`
}

// route maps an event type to the job it triggers.
type route struct {
	entityType transform.EntityType
	priority   syncjob.Priority
}

// eventRoutes is the supported event catalogue: one created, updated
// and deleted event per canonical entity. Patient lifecycle and every
// deletion run at elevated priority.
var eventRoutes = map[string]route{
	"patient.created":     {transform.EntityPatient, syncjob.PriorityHigh},
	"patient.updated":     {transform.EntityPatient, syncjob.PriorityHigh},
	"patient.deleted":     {transform.EntityPatient, syncjob.PriorityHigh},
	"observation.created": {transform.EntityObservation, syncjob.PriorityNormal},
	"observation.updated": {transform.EntityObservation, syncjob.PriorityNormal},
	"observation.deleted": {transform.EntityObservation, syncjob.PriorityHigh},
	"medication.created":  {transform.EntityMedication, syncjob.PriorityNormal},
	"medication.updated":  {transform.EntityMedication, syncjob.PriorityNormal},
	"medication.deleted":  {transform.EntityMedication, syncjob.PriorityHigh},
	"allergy.created":     {transform.EntityAllergy, syncjob.PriorityNormal},
	"allergy.updated":     {transform.EntityAllergy, syncjob.PriorityNormal},
	"allergy.deleted":     {transform.EntityAllergy, syncjob.PriorityHigh},
	"condition.created":   {transform.EntityCondition, syncjob.PriorityNormal},
	"condition.updated":   {transform.EntityCondition, syncjob.PriorityNormal},
	"condition.deleted":   {transform.EntityCondition, syncjob.PriorityHigh},
}

// KnownEventType reports whether t is in the supported catalogue.
func KnownEventType(t string) bool {
	_, ok := eventRoutes[t]
	return ok
}

// EventTypes returns the supported event type names.
func EventTypes() []string {
	out := make([]string, 0, len(eventRoutes))
	for t := range eventRoutes {
		out = append(out, t)
	}
	return out
}

var (
	ErrUnknownProvider = errors.New("no webhook secret configured for provider")
	ErrBadSignature    = errors.New("webhook signature verification failed")
	ErrMalformed       = errors.New("malformed webhook payload")
	ErrUnknownEvent    = errors.New("unsupported webhook event type")
	ErrEventNotFound   = errors.New("webhook event not found")
	ErrDuplicateEvent  = errors.New("webhook event already received")
)
