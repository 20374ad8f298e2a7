// Package syncjob is the sync orchestrator: it accepts job submissions,
// enforces priority ordering, dispatches to a bounded worker pool,
// retries recoverable failures with capped exponential backoff, and
// commits resolved canonical records.
package syncjob

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sync/internal/domain/conflict"
)

// JobType enumerates what a job synchronizes.
type JobType string

const (
	FullSync        JobType = "FULL_SYNC"
	IncrementalSync JobType = "INCREMENTAL"
	PatientSync     JobType = "PATIENT_SYNC"
	ResourceSync    JobType = "RESOURCE_SYNC"
	WebhookSync     JobType = "WEBHOOK_SYNC"
)

// ValidJobType reports whether t is recognized.
func ValidJobType(t JobType) bool {
	switch t {
	case FullSync, IncrementalSync, PatientSync, ResourceSync, WebhookSync:
		return true
	default:
		return false
	}
}

// Direction of data flow for a job.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// Priority defines total dequeue order. Lower rank dequeues first.
type Priority string

const (
	PriorityCritical   Priority = "CRITICAL"
	PriorityHigh       Priority = "HIGH"
	PriorityNormal     Priority = "NORMAL"
	PriorityLow        Priority = "LOW"
	PriorityBackground Priority = "BACKGROUND"
)

var priorityRank = map[Priority]int{
	PriorityCritical:   0,
	PriorityHigh:       1,
	PriorityNormal:     2,
	PriorityLow:        3,
	PriorityBackground: 4,
}

// Rank returns the dequeue rank; unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Promote returns the next priority level up. Promotion never reaches
// CRITICAL so operator-critical work keeps a dedicated band.
func (p Priority) Promote() Priority {
	switch p {
	case PriorityBackground:
		return PriorityLow
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return p
	}
}

// ValidPriority reports whether p is recognized.
func ValidPriority(p Priority) bool {
	_, ok := priorityRank[p]
	return ok
}

// Status is the job lifecycle state. Transitions are monotonic and
// terminal states are immutable; a manual retry creates a new job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusRetrying
	case StatusRetrying:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	default:
		return false
	}
}

// Spec is a job submission.
type Spec struct {
	Type         JobType   `json:"type"`
	Direction    Direction `json:"direction"`
	Priority     Priority  `json:"priority"`
	Provider     string    `json:"provider"`
	ConnectionID string    `json:"connection_id"`
	EntityType   string    `json:"entity_type"`
	// EntityIDs lists the targeted entities. Single-resource job types
	// carry exactly one id.
	EntityIDs []string `json:"entity_ids"`
	// AllOrNothing makes a multi-resource job fail atomically instead
	// of reporting per-resource outcomes.
	AllOrNothing bool `json:"all_or_nothing,omitempty"`
}

// JobError is one recorded failure attempt.
type JobError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// ResourceOutcome is the per-resource result of a multi-resource job.
type ResourceOutcome struct {
	EntityID         string   `json:"entity_id"`
	Success          bool     `json:"success"`
	Error            string   `json:"error,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	PendingConflicts int      `json:"pending_conflicts,omitempty"`
	CommittedVersion int      `json:"committed_version,omitempty"`
}

// Result summarises a finished job.
type Result struct {
	Outcomes          []ResourceOutcome `json:"outcomes,omitempty"`
	ResolvedConflicts int               `json:"resolved_conflicts,omitempty"`
	PendingConflicts  int               `json:"pending_conflicts,omitempty"`
}

// SyncJob is one unit of synchronization work. Mutated only by the
// claiming worker after submission.
type SyncJob struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Type         JobType    `db:"type" json:"type"`
	Direction    Direction  `db:"direction" json:"direction"`
	Priority     Priority   `db:"priority" json:"priority"`
	Status       Status     `db:"status" json:"status"`
	Provider     string     `db:"provider" json:"provider"`
	ConnectionID string     `db:"connection_id" json:"connection_id"`
	EntityType   string     `db:"entity_type" json:"entity_type"`
	EntityIDs    []string   `db:"entity_ids" json:"entity_ids"`
	AllOrNothing bool       `db:"all_or_nothing" json:"all_or_nothing"`
	Attempt      int        `db:"attempt" json:"attempt"`
	MaxAttempts  int        `db:"max_attempts" json:"max_attempts"`
	NextRunAt    time.Time  `db:"next_run_at" json:"next_run_at"`
	Result       *Result    `db:"result" json:"result,omitempty"`
	Errors       []JobError `db:"errors" json:"errors,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// EntityKey identifies the serialization domain for a job: jobs sharing
// a key never run concurrently. Multi-resource jobs serialize on the
// whole connection.
func (j *SyncJob) EntityKey() string {
	if len(j.EntityIDs) == 1 {
		return j.ConnectionID + "/" + j.EntityType + "/" + j.EntityIDs[0]
	}
	return j.ConnectionID + "/*"
}

// Connection describes one configured link to a provider instance, with
// the sync policy that applies to its records.
type Connection struct {
	ID              string            `json:"id"`
	Provider        string            `json:"provider"`
	Active          bool              `json:"active"`
	Strategy        conflict.Strategy `json:"strategy"`
	CustomResolver  string            `json:"custom_resolver,omitempty"`
	StrictTransform bool              `json:"strict_transform"`
}

// Sentinel errors for submission and lifecycle violations.
var (
	ErrInvalidSpec        = errors.New("invalid job spec")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrInactiveConnection = errors.New("connection is inactive")
	ErrJobNotFound        = errors.New("job not found")
	ErrNotCancellable     = errors.New("job is not in a cancellable state")
	ErrTerminalState      = errors.New("job is in a terminal state")
)
