package model

// Severity classifies a quality issue.
type Severity string

// Issue severities. Only error and warning affect the quality score.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Weight returns the score penalty applied per issue of this severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityError:
		return 1.0
	case SeverityWarning:
		return 0.3
	default:
		return 0
	}
}

// ParseSeverity converts a config string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError:
		return Severity(s), true
	case "":
		return SeverityError, true
	default:
		return "", false
	}
}

// Issue is one finding produced by a quality rule.
type Issue struct {
	RuleName string   `json:"rule_name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// QualityAssessment is the validator's verdict on a SourceRecord.
type QualityAssessment struct {
	Score        float64 `json:"score"`
	Issues       []Issue `json:"issues,omitempty"`
	RulesApplied int     `json:"rules_applied"`
	Quarantined  bool    `json:"quarantined,omitempty"`
}

// HasErrors reports whether any issue has error severity.
func (q QualityAssessment) HasErrors() bool {
	for _, is := range q.Issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Candidate is a validated record ready for identity resolution. It carries the
// source-level ranking inputs so the resolver does not need the registry.
type Candidate struct {
	Record        SourceRecord      `json:"record"`
	Assessment    QualityAssessment `json:"assessment"`
	Priority      int               `json:"priority"`
	SourceQuality float64           `json:"source_quality"`
}

// DataQualityScore is the record's assessment score weighted by its source's
// trust. Preference ordering and the stored data_quality_score both use it.
func (c Candidate) DataQualityScore() float64 {
	return c.Assessment.Score * c.SourceQuality
}
