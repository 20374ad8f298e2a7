// Package transform converts records between vendor wire shapes and the
// platform's canonical schema in either direction. Conversion is driven
// by declarative transformation rules loaded once at pipeline
// construction; rule evaluation is pure and side-effect free.
package transform

import (
	"time"

	"github.com/google/uuid"
)

// EntityType identifies a canonical clinical entity kind.
type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntityObservation EntityType = "observation"
	EntityMedication  EntityType = "medication"
	EntityAllergy     EntityType = "allergy"
	EntityCondition   EntityType = "condition"
)

// ValidEntityType reports whether t is a recognized entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityPatient, EntityObservation, EntityMedication, EntityAllergy, EntityCondition:
		return true
	default:
		return false
	}
}

// CanonicalRecord is the platform-internal, vendor-agnostic representation
// of a clinical entity. Version is monotonically non-decreasing and only
// the orchestrator's commit step advances it.
type CanonicalRecord struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	EntityType    EntityType             `db:"entity_type" json:"entity_type"`
	EntityID      string                 `db:"entity_id" json:"entity_id"`
	Version       int                    `db:"version" json:"version"`
	LastModified  time.Time              `db:"last_modified" json:"last_modified"`
	Data          map[string]interface{} `db:"data" json:"data"`
	ExternalIDs   map[string]string      `db:"external_ids" json:"external_ids"`
	FieldModified map[string]time.Time   `db:"field_modified" json:"field_modified,omitempty"`
	Deleted       bool                   `db:"deleted" json:"deleted"`
}

// Clone returns a deep copy so detection and resolution never mutate the
// stored snapshot.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	cp := *r
	cp.Data = make(map[string]interface{}, len(r.Data))
	for k, v := range r.Data {
		cp.Data[k] = v
	}
	cp.ExternalIDs = make(map[string]string, len(r.ExternalIDs))
	for k, v := range r.ExternalIDs {
		cp.ExternalIDs[k] = v
	}
	if r.FieldModified != nil {
		cp.FieldModified = make(map[string]time.Time, len(r.FieldModified))
		for k, v := range r.FieldModified {
			cp.FieldModified[k] = v
		}
	}
	return &cp
}

// RuleKind enumerates the declarative mapping kinds.
type RuleKind string

const (
	KindMap         RuleKind = "MAP"
	KindConvert     RuleKind = "CONVERT"
	KindConcat      RuleKind = "CONCAT"
	KindSplit       RuleKind = "SPLIT"
	KindCalculate   RuleKind = "CALCULATE"
	KindConditional RuleKind = "CONDITIONAL"
	KindLookup      RuleKind = "LOOKUP"
	KindCustom      RuleKind = "CUSTOM"
)

// Rule is one immutable declarative mapping instruction. SourceFields is
// used by CONCAT, TargetFields by SPLIT; all other kinds use the scalar
// SourceField/TargetField pair. Params carries kind-specific settings:
//
//	CONVERT:     "type" (float|int|string|date|unit), "from_unit"/"to_unit",
//	             "source_layout"/"target_layout" for dates
//	CONCAT:      "separator"
//	SPLIT:       "separator"
//	CALCULATE:   "fn" (registered calculation name)
//	CONDITIONAL: "when_field", "equals"
//	LOOKUP:      "table" (reference table name)
//	CUSTOM:      "name" (registered custom func)
type Rule struct {
	ID           uuid.UUID         `db:"id" json:"id"`
	Provider     string            `db:"provider" json:"provider"`
	EntityType   EntityType        `db:"entity_type" json:"entity_type"`
	Kind         RuleKind          `db:"kind" json:"kind"`
	SourceField  string            `db:"source_field" json:"source_field"`
	SourceFields []string          `db:"source_fields" json:"source_fields,omitempty"`
	TargetField  string            `db:"target_field" json:"target_field"`
	TargetFields []string          `db:"target_fields" json:"target_fields,omitempty"`
	Params       map[string]string `db:"params" json:"params,omitempty"`
	Required     bool              `db:"required" json:"required"`
	DefaultValue *string           `db:"default_value" json:"default_value,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// Direction of a transformation run.
type Direction string

const (
	Inbound  Direction = "INBOUND"  // vendor shape -> canonical
	Outbound Direction = "OUTBOUND" // canonical -> vendor shape
)

// Context selects the rule set and modes for a single transform call.
type Context struct {
	Provider         string
	EntityType       EntityType
	Direction        Direction
	Strict           bool
	PreserveUnmapped bool
}

// Issue is a single validation or transformation finding.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a transform call. In non-strict mode Data is
// best-effort output even when warnings were recorded; in strict mode a
// single error clears Success and Data is nil.
type Result struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Errors   []Issue                `json:"errors,omitempty"`
	Warnings []Issue                `json:"warnings,omitempty"`
}

// UnmappedKey is the bucket canonical output keeps raw source fields
// under when PreserveUnmapped is set.
const UnmappedKey = "_unmapped"
