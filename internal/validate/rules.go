// Package validate applies declarative quality rules to extracted records.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/source"
)

// RuleType enumerates the supported rule kinds.
type RuleType string

// Rule types.
const (
	RuleRange       RuleType = "range"
	RuleFormat      RuleType = "format"
	RuleRequired    RuleType = "required"
	RuleReferential RuleType = "referential"
)

// Rule is one compiled quality rule.
type Rule struct {
	Name     string
	Type     RuleType
	Field    string
	Severity model.Severity

	min, max *float64
	pattern  *regexp.Regexp
	allowed  mapset.Set[string]
}

// Compile turns a declarative spec into a Rule.
func Compile(spec source.RuleSpec) (Rule, error) {
	sev, ok := model.ParseSeverity(spec.Severity)
	if !ok {
		return Rule{}, eris.Errorf("validate: rule %s: unknown severity %q", spec.Name, spec.Severity)
	}
	if !model.IsCanonicalField(spec.Field) {
		return Rule{}, eris.Errorf("validate: rule %s: unknown field %q", spec.Name, spec.Field)
	}
	r := Rule{Name: spec.Name, Type: RuleType(spec.Type), Field: spec.Field, Severity: sev}
	if r.Name == "" {
		r.Name = spec.Field + "_" + spec.Type
	}

	switch r.Type {
	case RuleRange:
		if spec.Min == nil && spec.Max == nil {
			return Rule{}, eris.Errorf("validate: rule %s: range needs min or max", r.Name)
		}
		r.min, r.max = spec.Min, spec.Max
	case RuleFormat:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return Rule{}, eris.Wrapf(err, "validate: rule %s: bad pattern", r.Name)
		}
		r.pattern = re
	case RuleRequired:
	case RuleReferential:
		if len(spec.Values) == 0 {
			return Rule{}, eris.Errorf("validate: rule %s: referential needs values", r.Name)
		}
		r.allowed = mapset.NewSet[string]()
		for _, v := range spec.Values {
			r.allowed.Add(strings.ToUpper(strings.TrimSpace(v)))
		}
	default:
		return Rule{}, eris.Errorf("validate: rule %s: unknown type %q", r.Name, spec.Type)
	}
	return r, nil
}

// CompileAll compiles every spec, failing on the first bad one.
func CompileAll(specs []source.RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := Compile(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Check evaluates the rule. applied is false when the rule does not apply to the
// record (its field is absent); required rules always apply.
func (r Rule) Check(rec model.SourceRecord) (applied bool, issue *model.Issue) {
	val, present := rec.Field(r.Field)
	if r.Type == RuleRequired {
		if !present {
			return true, r.issue(fmt.Sprintf("%s is required", r.Field))
		}
		return true, nil
	}
	if !present {
		return false, nil
	}

	switch r.Type {
	case RuleRange:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return true, r.issue(fmt.Sprintf("%s %q is not numeric", r.Field, val))
		}
		if (r.min != nil && f < *r.min) || (r.max != nil && f > *r.max) {
			return true, r.issue(fmt.Sprintf("%s %v outside %s", r.Field, f, r.bounds()))
		}
	case RuleFormat:
		if !r.pattern.MatchString(val) {
			return true, r.issue(fmt.Sprintf("%s %q does not match format", r.Field, val))
		}
	case RuleReferential:
		if !r.allowed.Contains(strings.ToUpper(val)) {
			return true, r.issue(fmt.Sprintf("%s %q not in allowed set", r.Field, val))
		}
	}
	return true, nil
}

func (r Rule) issue(msg string) *model.Issue {
	return &model.Issue{RuleName: r.Name, Severity: r.Severity, Message: msg}
}

func (r Rule) bounds() string {
	lo, hi := "-inf", "+inf"
	if r.min != nil {
		lo = strconv.FormatFloat(*r.min, 'f', -1, 64)
	}
	if r.max != nil {
		hi = strconv.FormatFloat(*r.max, 'f', -1, 64)
	}
	return "[" + lo + ", " + hi + "]"
}

// UKPostcodePattern matches a full UK postcode with optional inner space.
const UKPostcodePattern = `(?i)^(GIR ?0AA|[A-Z]{1,2}[0-9][0-9A-Z]? ?[0-9][A-Z]{2})$`

func fp(v float64) *float64 { return &v }

// DefaultRules is the UK property rule set used when a sources file declares none.
func DefaultRules() []Rule {
	specs := []source.RuleSpec{
		{Name: "uk_latitude", Type: string(RuleRange), Field: model.FieldLatitude, Severity: "error", Min: fp(49.0), Max: fp(61.0)},
		{Name: "uk_longitude", Type: string(RuleRange), Field: model.FieldLongitude, Severity: "error", Min: fp(-8.7), Max: fp(1.9)},
		{Name: "bng_easting", Type: string(RuleRange), Field: model.FieldX, Severity: "error", Min: fp(0), Max: fp(700000)},
		{Name: "bng_northing", Type: string(RuleRange), Field: model.FieldY, Severity: "error", Min: fp(0), Max: fp(1300000)},
		{Name: "uk_postcode_format", Type: string(RuleFormat), Field: model.FieldPostcode, Severity: "warning", Pattern: UKPostcodePattern},
		{Name: "line1_required", Type: string(RuleRequired), Field: model.FieldLine1, Severity: "warning"},
		{Name: "postcode_required", Type: string(RuleRequired), Field: model.FieldPostcode, Severity: "info"},
	}
	rules, err := CompileAll(specs)
	if err != nil {
		panic(err) // static rule set
	}
	return rules
}
