// Package conflict detects divergence between the locally stored
// canonical record and a freshly transformed remote record for the same
// entity, and resolves each divergent field per policy.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sync/internal/domain/transform"
)

// Type classifies how the two sides diverged.
type Type string

const (
	UpdateUpdate Type = "UPDATE_UPDATE"
	UpdateDelete Type = "UPDATE_DELETE" // local updated, remote deleted
	DeleteUpdate Type = "DELETE_UPDATE" // local deleted, remote updated
	CreateCreate Type = "CREATE_CREATE" // concurrent first writes
)

// Severity grades the clinical risk of applying the wrong value.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AutoResolvable reports whether policy permits resolving this severity
// without human review.
func (s Severity) AutoResolvable() bool {
	return s == SeverityLow || s == SeverityMedium
}

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	LastWriteWins  Strategy = "LAST_WRITE_WINS"
	FirstWriteWins Strategy = "FIRST_WRITE_WINS"
	LocalWins      Strategy = "LOCAL_WINS"
	RemoteWins     Strategy = "REMOTE_WINS"
	Merge          Strategy = "MERGE"
	Manual         Strategy = "MANUAL"
	Custom         Strategy = "CUSTOM"
)

// ValidStrategy reports whether s is a recognized strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case LastWriteWins, FirstWriteWins, LocalWins, RemoteWins, Merge, Manual, Custom:
		return true
	default:
		return false
	}
}

// Conflict is one divergent field between the local and remote snapshot
// of an entity. Exactly one local/remote value pair per field.
type Conflict struct {
	ID             uuid.UUID            `db:"id" json:"id"`
	EntityType     transform.EntityType `db:"entity_type" json:"entity_type"`
	EntityID       string               `db:"entity_id" json:"entity_id"`
	Field          string               `db:"field" json:"field"`
	LocalValue     interface{}          `db:"local_value" json:"local_value"`
	RemoteValue    interface{}          `db:"remote_value" json:"remote_value"`
	LocalVersion   int                  `db:"local_version" json:"local_version"`
	RemoteVersion  int                  `db:"remote_version" json:"remote_version"`
	LocalModified  time.Time            `db:"local_modified" json:"local_modified"`
	RemoteModified time.Time            `db:"remote_modified" json:"remote_modified"`
	Kind           Type                 `db:"kind" json:"kind"`
	Severity       Severity             `db:"severity" json:"severity"`
	Strategy       Strategy             `db:"strategy" json:"strategy"`
	ResolvedValue  interface{}          `db:"resolved_value" json:"resolved_value,omitempty"`
	Resolved       bool                 `db:"resolved" json:"resolved"`
	ResolvedBy     string               `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time           `db:"resolved_at" json:"resolved_at,omitempty"`
	Archived       bool                 `db:"archived" json:"archived"`
	Note           string               `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
}

// criticalFields lists fields per entity type whose conflicts always
// require manual review regardless of the configured strategy.
var criticalFields = map[transform.EntityType]map[string]bool{
	transform.EntityAllergy: {
		"substance": true,
		"reaction":  true,
		"severity":  true,
	},
	transform.EntityMedication: {
		"name":   true,
		"dosage": true,
		"route":  true,
	},
}

// identityFields always grade HIGH: silently swapping them risks
// attaching data to the wrong person.
var identityFields = map[string]bool{
	"familyName": true,
	"givenName":  true,
	"fullName":   true,
	"mrn":        true,
}

// demographicFields grade LOW.
var demographicFields = map[string]bool{
	"address":       true,
	"phone":         true,
	"email":         true,
	"maritalStatus": true,
	"language":      true,
}

// ClassifySeverity grades a field conflict for an entity type.
func ClassifySeverity(et transform.EntityType, field string) Severity {
	if criticalFields[et][field] {
		return SeverityCritical
	}
	if identityFields[field] {
		return SeverityHigh
	}
	if demographicFields[field] {
		return SeverityLow
	}
	return SeverityMedium
}

// immutableFields are excluded from divergence detection; they identify
// the record rather than describe its mutable state.
var immutableFields = map[string]bool{
	"id":                  true,
	transform.UnmappedKey: true,
}
