package validate

import (
	"github.com/sells-group/property-reconciler/internal/geo"
	"github.com/sells-group/property-reconciler/internal/model"
)

// RuleCoordinateTransform names the issue raised when lat/long cannot be derived.
const RuleCoordinateTransform = "coordinate_transform"

// Validator scores records against a rule set.
type Validator struct {
	rules       []Rule
	transformer geo.Transformer
	quarantine  bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithTransformer derives latitude/longitude from projected coordinates when a
// record has only x/y.
func WithTransformer(t geo.Transformer) Option {
	return func(v *Validator) { v.transformer = t }
}

// WithQuarantine keeps error-severity records in the pipeline, flagged as quarantined.
func WithQuarantine(on bool) Option {
	return func(v *Validator) { v.quarantine = on }
}

// New creates a Validator. A nil rule set means DefaultRules.
func New(rules []Rule, opts ...Option) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	v := &Validator{rules: rules}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Rules returns the active rule set.
func (v *Validator) Rules() []Rule { return v.rules }

// Validate normalizes coordinates and applies every rule. The score is
// 1 - (sum of issue weights / rules applied); with no rules applied it is 1.
func (v *Validator) Validate(rec model.SourceRecord) (model.SourceRecord, model.QualityAssessment) {
	var qa model.QualityAssessment
	rec = v.normalizeCoordinates(rec, &qa)

	var penalty float64
	for _, r := range v.rules {
		applied, issue := r.Check(rec)
		if !applied {
			continue
		}
		qa.RulesApplied++
		if issue != nil {
			qa.Issues = append(qa.Issues, *issue)
			penalty += issue.Severity.Weight()
		}
	}

	qa.Score = 1
	if qa.RulesApplied > 0 {
		qa.Score = 1 - penalty/float64(qa.RulesApplied)
	}
	if qa.Score < 0 {
		qa.Score = 0
	}
	if v.quarantine && qa.HasErrors() {
		qa.Quarantined = true
	}
	return rec, qa
}

// Accepted reports whether a record may proceed to resolution.
func (v *Validator) Accepted(qa model.QualityAssessment) bool {
	return !qa.HasErrors() || qa.Quarantined
}

// normalizeCoordinates moves WGS84 x/y into lat/long and, for projected points,
// asks the transformer for lat/long.
func (v *Validator) normalizeCoordinates(rec model.SourceRecord, qa *model.QualityAssessment) model.SourceRecord {
	c := rec.Coordinates
	if !c.HasXY() || c.HasLatLon() {
		return rec
	}

	if c.System == model.CoordWGS84 {
		lon, lat := *c.X, *c.Y
		c.Lon, c.Lat = &lon, &lat
		c.X, c.Y = nil, nil
		rec.Coordinates = c
		return rec
	}

	if v.transformer == nil || c.System == model.CoordNone {
		return rec
	}
	p, err := v.transformer.Transform(geo.Point{X: *c.X, Y: *c.Y}, c.System, model.CoordWGS84)
	if err != nil {
		qa.Issues = append(qa.Issues, model.Issue{
			RuleName: RuleCoordinateTransform,
			Severity: model.SeverityInfo,
			Message:  err.Error(),
		})
		return rec
	}
	lon, lat := p.X, p.Y
	c.Lon, c.Lat = &lon, &lat
	rec.Coordinates = c
	return rec
}
