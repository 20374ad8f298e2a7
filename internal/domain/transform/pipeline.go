package transform

import (
	"fmt"
	"strings"
	"time"
)

// CustomFunc is the named escape hatch for vendor quirks a declarative
// rule cannot express. It receives the source value for the rule's
// SourceField plus the whole source map.
type CustomFunc func(value interface{}, source map[string]interface{}) (interface{}, error)

// requiredCanonical lists fields a canonical record must carry per entity
// type. Used by post-transform validation on inbound runs.
var requiredCanonical = map[EntityType][]string{
	EntityPatient:     {"dateOfBirth"},
	EntityObservation: {"code", "value"},
	EntityMedication:  {"name"},
	EntityAllergy:     {"substance"},
	EntityCondition:   {"code"},
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLookupTable registers a reference table (e.g. vendor lab code to
// LOINC) available to LOOKUP rules under the given name. Tables used by
// outbound syncs need WithReverseLookup instead; a reversed rule over a
// table without an inversion fails the transform.
func WithLookupTable(name string, table map[string]string) PipelineOption {
	return func(p *Pipeline) { p.lookups[name] = table }
}

// WithCustomFunc registers a CUSTOM rule implementation by name.
func WithCustomFunc(name string, fn CustomFunc) PipelineOption {
	return func(p *Pipeline) { p.customs[name] = fn }
}

// WithCalcFunc registers an additional CALCULATE function by name.
func WithCalcFunc(name string, fn CalcFunc) PipelineOption {
	return func(p *Pipeline) { p.calcs[name] = fn }
}

// WithClock overrides the time source used by CALCULATE rules.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline converts between vendor and canonical shapes using the rule
// sets it was constructed with. Construction validates every rule; names
// that resolve to nothing fail closed at load time rather than at job
// execution time.
type Pipeline struct {
	rules   map[string][]Rule // provider + "/" + entityType -> inbound rules
	lookups map[string]map[string]string
	customs map[string]CustomFunc
	calcs   map[string]CalcFunc
	now     func() time.Time
}

// NewPipeline builds a Pipeline from inbound rule sets. Outbound rules
// are derived per call via Reverse.
func NewPipeline(rules []Rule, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		rules:   make(map[string][]Rule),
		lookups: make(map[string]map[string]string),
		customs: make(map[string]CustomFunc),
		calcs:   make(map[string]CalcFunc),
		now:     time.Now,
	}
	for name, fn := range builtinCalcs {
		p.calcs[name] = fn
	}
	for _, o := range opts {
		o(p)
	}

	for _, r := range rules {
		if err := p.validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %s (%s/%s): %w", r.ID, r.Provider, r.EntityType, err)
		}
		key := ruleKey(r.Provider, r.EntityType)
		p.rules[key] = append(p.rules[key], r)
	}
	return p, nil
}

func ruleKey(provider string, et EntityType) string {
	return provider + "/" + string(et)
}

func (p *Pipeline) validateRule(r Rule) error {
	switch r.Kind {
	case KindMap, KindConvert, KindConditional:
		if r.SourceField == "" || r.TargetField == "" {
			return fmt.Errorf("%s rule requires source_field and target_field", r.Kind)
		}
	case KindConcat:
		if len(r.SourceFields) < 2 || r.TargetField == "" {
			return fmt.Errorf("CONCAT rule requires source_fields and target_field")
		}
	case KindSplit:
		if r.SourceField == "" || len(r.TargetFields) < 2 {
			return fmt.Errorf("SPLIT rule requires source_field and target_fields")
		}
	case KindCalculate:
		if _, ok := p.calcs[r.Params["fn"]]; !ok {
			return fmt.Errorf("unknown calculation %q", r.Params["fn"])
		}
	case KindLookup:
		if _, ok := p.lookups[r.Params["table"]]; !ok {
			return fmt.Errorf("unknown lookup table %q", r.Params["table"])
		}
	case KindCustom:
		if _, ok := p.customs[r.Params["name"]]; !ok {
			return fmt.Errorf("unknown custom func %q", r.Params["name"])
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// RulesFor returns the inbound rule set for a provider/entity pair,
// reversed when direction is outbound.
func (p *Pipeline) RulesFor(providerName string, et EntityType, dir Direction) []Rule {
	in := p.rules[ruleKey(providerName, et)]
	if dir == Inbound {
		return in
	}
	return Reverse(in)
}

// Transform applies the configured rules to input and returns the data
// plus a validation report. Strict mode aborts on any error; non-strict
// mode downgrades failures to warnings and still returns best-effort
// output.
func (p *Pipeline) Transform(input map[string]interface{}, ctx Context) Result {
	res := Result{Success: true}
	rules := p.RulesFor(ctx.Provider, ctx.EntityType, ctx.Direction)
	if len(rules) == 0 {
		res.Success = false
		res.Errors = append(res.Errors, Issue{
			Code:    "no_rules",
			Message: fmt.Sprintf("no transformation rules for %s/%s", ctx.Provider, ctx.EntityType),
		})
		return res
	}

	out := make(map[string]interface{})
	consumed := make(map[string]bool)

	for _, r := range rules {
		p.applyRule(r, input, out, consumed, ctx, &res)
		if ctx.Strict && len(res.Errors) > 0 {
			res.Success = false
			res.Data = nil
			return res
		}
	}

	if ctx.PreserveUnmapped {
		unmapped := make(map[string]interface{})
		for k, v := range input {
			if !consumed[k] {
				unmapped[k] = v
			}
		}
		if len(unmapped) > 0 {
			out[UnmappedKey] = unmapped
		}
	}

	// Target-schema validation only applies to canonical output.
	if ctx.Direction == Inbound {
		p.validateCanonical(out, ctx, &res)
		if ctx.Strict && len(res.Errors) > 0 {
			res.Success = false
			res.Data = nil
			return res
		}
	}

	res.Data = out
	res.Success = len(res.Errors) == 0
	return res
}

// applyRule evaluates one rule, writing output fields and recording
// issues. Failure handling follows the strict/non-strict contract:
// strict records an error, non-strict records a warning and null-fills
// required targets.
func (p *Pipeline) applyRule(r Rule, in, out map[string]interface{}, consumed map[string]bool, ctx Context, res *Result) {
	fail := func(field, code, msg string) {
		if ctx.Strict {
			res.Errors = append(res.Errors, Issue{Field: field, Code: code, Message: msg})
			return
		}
		res.Warnings = append(res.Warnings, Issue{Field: field, Code: code, Message: msg})
		if r.Required && r.TargetField != "" {
			out[r.TargetField] = nil
		}
	}

	switch r.Kind {
	case KindMap:
		v, ok := in[r.SourceField]
		if !ok {
			p.missingSource(r, out, ctx, res)
			return
		}
		consumed[r.SourceField] = true
		out[r.TargetField] = v

	case KindConvert:
		v, ok := in[r.SourceField]
		if !ok {
			p.missingSource(r, out, ctx, res)
			return
		}
		consumed[r.SourceField] = true
		converted, err := p.convert(v, r)
		if err != nil {
			fail(r.SourceField, "convert_failed", err.Error())
			return
		}
		out[r.TargetField] = converted

	case KindConcat:
		parts := make([]string, 0, len(r.SourceFields))
		for _, f := range r.SourceFields {
			v, ok := in[f]
			if !ok {
				p.missingSource(r, out, ctx, res)
				return
			}
			consumed[f] = true
			parts = append(parts, toString(v))
		}
		out[r.TargetField] = strings.Join(parts, r.Params["separator"])

	case KindSplit:
		v, ok := in[r.SourceField]
		if !ok {
			p.missingSource(r, out, ctx, res)
			return
		}
		consumed[r.SourceField] = true
		pieces := strings.Split(toString(v), r.Params["separator"])
		if len(pieces) < len(r.TargetFields) {
			fail(r.SourceField, "split_short",
				fmt.Sprintf("split of %q yields %d parts, need %d", toString(v), len(pieces), len(r.TargetFields)))
			return
		}
		for i, tf := range r.TargetFields {
			out[tf] = pieces[i]
		}

	case KindCalculate:
		fn := p.calcs[r.Params["fn"]]
		v, err := fn(in, p.now())
		if err != nil {
			fail(r.TargetField, "calculate_failed", err.Error())
			return
		}
		out[r.TargetField] = v

	case KindConditional:
		whenField := r.Params["when_field"]
		if toString(in[whenField]) != r.Params["equals"] {
			return // predicate does not hold, rule is a no-op
		}
		v, ok := in[r.SourceField]
		if !ok {
			p.missingSource(r, out, ctx, res)
			return
		}
		consumed[r.SourceField] = true
		out[r.TargetField] = v

	case KindLookup:
		v, ok := in[r.SourceField]
		if !ok {
			p.missingSource(r, out, ctx, res)
			return
		}
		consumed[r.SourceField] = true
		table, registered := p.lookups[r.Params["table"]]
		if !registered {
			// A missing table is a configuration defect, not record
			// noise: reversed LOOKUP rules need WithReverseLookup.
			// Always an error, or unmapped writes would slip through.
			res.Errors = append(res.Errors, Issue{
				Field:   r.SourceField,
				Code:    "missing_lookup_table",
				Message: fmt.Sprintf("lookup table %q is not registered", r.Params["table"]),
			})
			return
		}
		code := toString(v)
		mapped, found := table[code]
		if !found {
			// Unknown code passes through raw with a warning so one
			// unmapped code never blocks an entire sync run.
			res.Warnings = append(res.Warnings, Issue{
				Field:   r.SourceField,
				Code:    "unmapped_code",
				Message: fmt.Sprintf("code %q not in table %q, raw value preserved", code, r.Params["table"]),
			})
			out[r.TargetField] = code
			return
		}
		out[r.TargetField] = mapped

	case KindCustom:
		fn := p.customs[r.Params["name"]]
		v := in[r.SourceField]
		if r.SourceField != "" {
			consumed[r.SourceField] = true
		}
		mapped, err := fn(v, in)
		if err != nil {
			fail(r.SourceField, "custom_failed", err.Error())
			return
		}
		out[r.TargetField] = mapped
	}
}

// missingSource handles an absent source field: default value if the
// rule has one, otherwise error (strict) or warning with null fill
// (non-strict) when required, silence when optional.
func (p *Pipeline) missingSource(r Rule, out map[string]interface{}, ctx Context, res *Result) {
	if r.DefaultValue != nil {
		out[r.TargetField] = *r.DefaultValue
		return
	}
	if !r.Required {
		return
	}
	field := r.SourceField
	if field == "" && len(r.SourceFields) > 0 {
		field = strings.Join(r.SourceFields, ",")
	}
	msg := fmt.Sprintf("required source field %q missing with no default", field)
	if ctx.Strict {
		res.Errors = append(res.Errors, Issue{Field: field, Code: "missing_required", Message: msg})
		return
	}
	res.Warnings = append(res.Warnings, Issue{Field: field, Code: "missing_required", Message: msg})
	if r.TargetField != "" {
		out[r.TargetField] = nil
	}
}

func (p *Pipeline) convert(v interface{}, r Rule) (interface{}, error) {
	switch r.Params["type"] {
	case "float":
		return toFloat(v)
	case "int":
		return toInt(v)
	case "string":
		return toString(v), nil
	case "date":
		return convertDate(toString(v), r.Params["source_layout"], r.Params["target_layout"])
	case "unit":
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return convertUnit(f, r.Params["from_unit"], r.Params["to_unit"])
	default:
		return nil, fmt.Errorf("unknown convert type %q", r.Params["type"])
	}
}

func (p *Pipeline) validateCanonical(out map[string]interface{}, ctx Context, res *Result) {
	for _, field := range requiredCanonical[ctx.EntityType] {
		v, ok := out[field]
		if ok && v != nil {
			continue
		}
		msg := fmt.Sprintf("canonical field %q missing after transform", field)
		if ctx.Strict {
			res.Errors = append(res.Errors, Issue{Field: field, Code: "schema_violation", Message: msg})
		} else {
			res.Warnings = append(res.Warnings, Issue{Field: field, Code: "schema_violation", Message: msg})
			out[field] = nil
		}
	}
}

// Reverse derives the outbound rule set from inbound rules. MAP, CONVERT
// (unit and date), CONCAT/SPLIT with a separator, and LOOKUP over an
// invertible table all reverse cleanly; CALCULATE, CONDITIONAL and
// CUSTOM rules are one-way and are omitted.
func Reverse(rules []Rule) []Rule {
	var rev []Rule
	for _, r := range rules {
		switch r.Kind {
		case KindMap:
			rr := r
			rr.SourceField, rr.TargetField = r.TargetField, r.SourceField
			rev = append(rev, rr)
		case KindConvert:
			rr := r
			rr.SourceField, rr.TargetField = r.TargetField, r.SourceField
			rr.Params = reverseConvertParams(r.Params)
			rev = append(rev, rr)
		case KindConcat:
			rr := r
			rr.Kind = KindSplit
			rr.SourceField = r.TargetField
			rr.SourceFields = nil
			rr.TargetField = ""
			rr.TargetFields = append([]string(nil), r.SourceFields...)
			rev = append(rev, rr)
		case KindSplit:
			rr := r
			rr.Kind = KindConcat
			rr.SourceField = ""
			rr.SourceFields = append([]string(nil), r.TargetFields...)
			rr.TargetField = r.SourceField
			rr.TargetFields = nil
			rev = append(rev, rr)
		case KindLookup:
			rr := r
			rr.SourceField, rr.TargetField = r.TargetField, r.SourceField
			rr.Params = copyParams(r.Params)
			rr.Params["table"] = r.Params["table"] + reverseTableSuffix
			rev = append(rev, rr)
		}
	}
	return rev
}

// reverseTableSuffix names the inverted companion of a lookup table.
// RegisterReverseLookups derives these at construction time.
const reverseTableSuffix = ":reverse"

// WithReverseLookup registers both a lookup table and its inversion so
// LOOKUP rules survive Reverse. Non-bijective tables keep the first
// mapping encountered for each target code.
func WithReverseLookup(name string, table map[string]string) PipelineOption {
	return func(p *Pipeline) {
		p.lookups[name] = table
		inv := make(map[string]string, len(table))
		for k, v := range table {
			if _, exists := inv[v]; !exists {
				inv[v] = k
			}
		}
		p.lookups[name+reverseTableSuffix] = inv
	}
}

func reverseConvertParams(params map[string]string) map[string]string {
	out := copyParams(params)
	switch params["type"] {
	case "unit":
		out["from_unit"], out["to_unit"] = params["to_unit"], params["from_unit"]
	case "date":
		out["source_layout"], out["target_layout"] = params["target_layout"], params["source_layout"]
	}
	return out
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
