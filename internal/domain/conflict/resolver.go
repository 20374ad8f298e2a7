package conflict

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/transform"
)

// CustomResolver resolves a single conflict for strategies the built-in
// set cannot express. Returning an error leaves the conflict pending.
type CustomResolver func(c Conflict) (interface{}, error)

// ValidateFunc re-checks a resolved value against the target schema.
// A non-nil error blocks application and flags the conflict.
type ValidateFunc func(et transform.EntityType, field string, value interface{}) error

// Engine applies resolution strategies under the safety policy:
// LOW/MEDIUM conflicts with a non-MANUAL strategy auto-resolve; HIGH and
// CRITICAL are always surfaced for manual review regardless of the
// configured default.
type Engine struct {
	customs  map[string]CustomResolver
	validate ValidateFunc
	log      zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCustomResolver registers a CUSTOM strategy implementation by name.
func WithCustomResolver(name string, fn CustomResolver) EngineOption {
	return func(e *Engine) { e.customs[name] = fn }
}

// WithValidator sets the post-resolution schema validation gate.
func WithValidator(fn ValidateFunc) EngineOption {
	return func(e *Engine) { e.validate = fn }
}

// NewEngine creates a resolution engine. Without WithValidator all
// resolved values pass the schema gate.
func NewEngine(log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		customs:  make(map[string]CustomResolver),
		validate: func(transform.EntityType, string, interface{}) error { return nil },
		log:      log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Outcome reports how a batch of conflicts was handled.
type Outcome struct {
	Resolved []Conflict // auto-resolved and validated, safe to apply
	Pending  []Conflict // waiting for manual review or failed validation
}

// ResolveAll runs the configured strategy over each conflict.
// customName selects the CustomResolver when strategy is CUSTOM.
func (e *Engine) ResolveAll(conflicts []Conflict, strategy Strategy, customName string) Outcome {
	var out Outcome
	for _, c := range conflicts {
		resolved, err := e.resolveOne(&c, strategy, customName)
		if err != nil {
			c.Note = err.Error()
			e.log.Warn().
				Str("entity_id", c.EntityID).
				Str("field", c.Field).
				Str("severity", string(c.Severity)).
				Err(err).
				Msg("conflict left pending")
			out.Pending = append(out.Pending, c)
			continue
		}
		if !resolved {
			out.Pending = append(out.Pending, c)
			continue
		}
		out.Resolved = append(out.Resolved, c)
	}
	return out
}

// resolveOne applies the strategy to a single conflict. It returns
// false with nil error when the conflict must wait for manual action.
func (e *Engine) resolveOne(c *Conflict, strategy Strategy, customName string) (bool, error) {
	if !ValidStrategy(strategy) {
		return false, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	// Safety policy: HIGH/CRITICAL severity always goes to manual
	// review, overriding whatever strategy the connection configured.
	if !c.Severity.AutoResolvable() || strategy == Manual {
		c.Strategy = Manual
		return false, nil
	}
	c.Strategy = strategy

	var value interface{}
	switch strategy {
	case LastWriteWins:
		// Ties favor remote.
		if c.LocalModified.After(c.RemoteModified) {
			value = c.LocalValue
		} else {
			value = c.RemoteValue
		}
	case FirstWriteWins:
		// Ties favor local.
		if c.RemoteModified.Before(c.LocalModified) {
			value = c.RemoteValue
		} else {
			value = c.LocalValue
		}
	case LocalWins:
		value = c.LocalValue
	case RemoteWins:
		value = c.RemoteValue
	case Merge:
		v, overlapping := e.mergeValue(c)
		if overlapping {
			// Both sides touched the field since the common version;
			// fall back to LAST_WRITE_WINS.
			if c.LocalModified.After(c.RemoteModified) {
				v = c.LocalValue
			} else {
				v = c.RemoteValue
			}
		}
		value = v
	case Custom:
		fn, ok := e.customs[customName]
		if !ok {
			return false, fmt.Errorf("no custom resolver registered as %q", customName)
		}
		v, err := fn(*c)
		if err != nil {
			return false, fmt.Errorf("custom resolver %q: %w", customName, err)
		}
		value = v
	}

	// Never commit a resolved value the target schema rejects.
	if err := e.validate(c.EntityType, c.Field, value); err != nil {
		return false, fmt.Errorf("resolved value failed validation: %w", err)
	}

	now := time.Now()
	c.ResolvedValue = value
	c.Resolved = true
	c.ResolvedBy = "auto:" + string(strategy)
	c.ResolvedAt = &now
	return true, nil
}

// mergeValue implements MERGE for a single field: when only one side
// modified the field since the older of the two stamps, that side wins
// (disjoint edit). When both stamps are distinct and recent the edit is
// overlapping and the caller falls back to LWW.
func (e *Engine) mergeValue(c *Conflict) (interface{}, bool) {
	switch {
	case c.LocalModified.Equal(c.RemoteModified):
		return nil, true
	case c.LocalValue == nil:
		return c.RemoteValue, false
	case c.RemoteValue == nil:
		return c.LocalValue, false
	default:
		return nil, true
	}
}

// ResolveManually records an explicit human decision, bypassing the
// severity gate but never the schema gate.
func (e *Engine) ResolveManually(c *Conflict, value interface{}, resolvedBy string) error {
	if c.Resolved {
		return fmt.Errorf("conflict %s already resolved", c.ID)
	}
	if err := e.validate(c.EntityType, c.Field, value); err != nil {
		return fmt.Errorf("resolved value failed validation: %w", err)
	}
	now := time.Now()
	c.ResolvedValue = value
	c.Resolved = true
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	c.Strategy = Manual
	return nil
}

// Apply writes resolved conflict values onto a copy of the local record
// and bumps its version. Pending conflicts leave their fields at the
// local value.
func Apply(local *transform.CanonicalRecord, resolved []Conflict) *transform.CanonicalRecord {
	out := local.Clone()
	changed := false
	for _, c := range resolved {
		if !c.Resolved {
			continue
		}
		if c.Field == "_record" {
			continue
		}
		out.Data[c.Field] = c.ResolvedValue
		changed = true
	}
	if changed {
		out.Version++
		out.LastModified = time.Now()
	}
	return out
}
