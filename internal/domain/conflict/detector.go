package conflict

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sync/internal/domain/transform"
)

// Detect compares the stored local snapshot with a freshly transformed
// remote record and returns one Conflict per divergent mutable field.
// Local may be nil when no snapshot exists yet; that case never
// conflicts, the remote record is simply new.
func Detect(local, remote *transform.CanonicalRecord) []Conflict {
	if local == nil || remote == nil {
		return nil
	}

	kind := classify(local, remote)
	now := time.Now()

	// Delete-vs-update divergence is a single whole-record conflict;
	// there is no meaningful per-field comparison against a tombstone.
	if kind == UpdateDelete || kind == DeleteUpdate {
		return []Conflict{{
			ID:             uuid.New(),
			EntityType:     local.EntityType,
			EntityID:       local.EntityID,
			Field:          "_record",
			LocalValue:     !local.Deleted,
			RemoteValue:    !remote.Deleted,
			LocalVersion:   local.Version,
			RemoteVersion:  remote.Version,
			LocalModified:  local.LastModified,
			RemoteModified: remote.LastModified,
			Kind:           kind,
			Severity:       SeverityHigh,
			CreatedAt:      now,
		}}
	}

	var conflicts []Conflict
	for field, remoteVal := range remote.Data {
		if immutableFields[field] {
			continue
		}
		localVal, exists := local.Data[field]
		if !exists {
			continue // remote-only field is an addition, not a conflict
		}
		if reflect.DeepEqual(localVal, remoteVal) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			ID:             uuid.New(),
			EntityType:     local.EntityType,
			EntityID:       local.EntityID,
			Field:          field,
			LocalValue:     localVal,
			RemoteValue:    remoteVal,
			LocalVersion:   local.Version,
			RemoteVersion:  remote.Version,
			LocalModified:  fieldStamp(local, field),
			RemoteModified: fieldStamp(remote, field),
			Kind:           kind,
			Severity:       ClassifySeverity(local.EntityType, field),
			CreatedAt:      now,
		})
	}
	return conflicts
}

func classify(local, remote *transform.CanonicalRecord) Type {
	switch {
	case local.Deleted && !remote.Deleted:
		return DeleteUpdate
	case !local.Deleted && remote.Deleted:
		return UpdateDelete
	case local.Version <= 1 && remote.Version <= 1:
		return CreateCreate
	default:
		return UpdateUpdate
	}
}

// fieldStamp returns the per-field last-modified time when the record
// carries one, falling back to the whole-record stamp.
func fieldStamp(r *transform.CanonicalRecord, field string) time.Time {
	if r.FieldModified != nil {
		if t, ok := r.FieldModified[field]; ok {
			return t
		}
	}
	return r.LastModified
}
