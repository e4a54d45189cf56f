package source

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/model"
)

// RuleKind tags the variant of a FieldRule.
type RuleKind string

// Field mapping rule kinds.
const (
	KindNamed      RuleKind = "named"      // value of a header column
	KindPositional RuleKind = "positional" // column index, or start/width for fixed-width lines
	KindLiteral    RuleKind = "literal"    // constant value
	KindConcat     RuleKind = "concat"     // several columns joined by a separator
)

// FieldRule maps source data onto one canonical field. Default is used when the
// resolved value is empty, which makes any rule a literal-default rule.
type FieldRule struct {
	Field     string   `yaml:"field"`
	Kind      RuleKind `yaml:"kind"`
	Column    string   `yaml:"column,omitempty"`
	Columns   []string `yaml:"columns,omitempty"`
	Index     *int     `yaml:"index,omitempty"`
	Start     *int     `yaml:"start,omitempty"` // 1-based column offset
	Width     int      `yaml:"width,omitempty"`
	Value     string   `yaml:"value,omitempty"`
	Default   string   `yaml:"default,omitempty"`
	Separator string   `yaml:"separator,omitempty"`
	Transform string   `yaml:"transform,omitempty"` // upper, lower, digits
}

// Row is one raw source row as seen by the mapping interpreter.
type Row struct {
	Fields []string
	Header map[string]int // normalized column name -> index
	Line   string         // raw line for fixed-width sources
}

// NormalizeColumn lowercases and trims a header name for matching.
func NormalizeColumn(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}

// HeaderIndex builds a normalized column name -> index map.
func HeaderIndex(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		key := NormalizeColumn(col)
		if _, dup := m[key]; !dup {
			m[key] = i
		}
	}
	return m
}

// Resolve evaluates the rule against a row. An error means the row is malformed
// for this mapping (for example, too short for a positional column).
func (r FieldRule) Resolve(row Row) (string, error) {
	var v string
	switch r.Kind {
	case KindNamed:
		v = row.named(r.Column)
	case KindPositional:
		var err error
		v, err = r.positional(row)
		if err != nil {
			return "", err
		}
	case KindLiteral:
		v = r.Value
	case KindConcat:
		sep := r.Separator
		if sep == "" {
			sep = " "
		}
		parts := make([]string, 0, len(r.Columns))
		for _, c := range r.Columns {
			if p := strings.TrimSpace(row.named(c)); p != "" {
				parts = append(parts, p)
			}
		}
		v = strings.Join(parts, sep)
	default:
		return "", eris.Errorf("mapping: unknown rule kind %q", r.Kind)
	}

	v = applyTransform(strings.TrimSpace(v), r.Transform)
	if v == "" {
		v = r.Default
	}
	return v, nil
}

func (row Row) named(col string) string {
	if row.Header == nil {
		return ""
	}
	idx, ok := row.Header[NormalizeColumn(col)]
	if !ok || idx >= len(row.Fields) {
		return ""
	}
	return row.Fields[idx]
}

func (r FieldRule) positional(row Row) (string, error) {
	if r.Start != nil {
		start := *r.Start - 1
		if start >= len(row.Line) {
			return "", eris.Errorf("mapping: line too short for %s at column %d (length %d)", r.Field, *r.Start, len(row.Line))
		}
		end := start + r.Width
		if end > len(row.Line) {
			end = len(row.Line)
		}
		return row.Line[start:end], nil
	}
	idx := *r.Index
	if idx >= len(row.Fields) {
		return "", eris.Errorf("mapping: row has %d fields, %s needs index %d", len(row.Fields), r.Field, idx)
	}
	return row.Fields[idx], nil
}

func applyTransform(v, transform string) string {
	switch transform {
	case "upper":
		return strings.ToUpper(v)
	case "lower":
		return strings.ToLower(v)
	case "digits":
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, v)
	default:
		return v
	}
}

// validate checks the rule is well formed for the given format.
func (r FieldRule) validate(format Format) error {
	if !model.IsCanonicalField(r.Field) {
		return eris.Errorf("unknown canonical field %q", r.Field)
	}
	switch r.Transform {
	case "", "upper", "lower", "digits":
	default:
		return eris.Errorf("field %s: unknown transform %q", r.Field, r.Transform)
	}
	switch r.Kind {
	case KindNamed:
		if r.Column == "" {
			return eris.Errorf("field %s: named rule needs column", r.Field)
		}
		if !format.HasHeader() {
			return eris.Errorf("field %s: named rule not supported for %s sources", r.Field, format)
		}
	case KindPositional:
		if format == FormatFixedWidth {
			if r.Start == nil || *r.Start < 1 || r.Width <= 0 {
				return eris.Errorf("field %s: fixed-width rule needs start >= 1 and width > 0", r.Field)
			}
			return nil
		}
		if r.Index == nil || *r.Index < 0 {
			return eris.Errorf("field %s: positional rule needs index >= 0", r.Field)
		}
	case KindLiteral:
		if r.Value == "" {
			return eris.Errorf("field %s: literal rule needs value", r.Field)
		}
	case KindConcat:
		if len(r.Columns) == 0 {
			return eris.Errorf("field %s: concat rule needs columns", r.Field)
		}
		if !format.HasHeader() {
			return eris.Errorf("field %s: concat rule not supported for %s sources", r.Field, format)
		}
	default:
		return eris.Errorf("field %s: unknown rule kind %q", r.Field, r.Kind)
	}
	return nil
}
