// Package source holds the declarative catalog of property data sources.
package source

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/model"
)

// Format identifies how a source file is laid out.
type Format string

// Supported source formats.
const (
	FormatCSV           Format = "csv"            // delimited, header row
	FormatCSVPositional Format = "csv_positional" // delimited, no header, positional mapping
	FormatFixedWidth    Format = "fixed_width"    // column offset + width
	FormatXLSX          Format = "xlsx"           // spreadsheet, header row
	FormatShapefile     Format = "shapefile"      // point layer, DBF attributes
)

// HasHeader reports whether rows can be addressed by column name.
func (f Format) HasHeader() bool {
	switch f {
	case FormatCSV, FormatXLSX, FormatShapefile:
		return true
	default:
		return false
	}
}

func (f Format) valid() bool {
	switch f {
	case FormatCSV, FormatCSVPositional, FormatFixedWidth, FormatXLSX, FormatShapefile:
		return true
	default:
		return false
	}
}

// Definition describes one configured data source. It is read-only for a run.
type Definition struct {
	Name             string      `yaml:"name"`
	Priority         int         `yaml:"priority"`
	QualityScore     float64     `yaml:"quality_score"`
	CoordinateSystem string      `yaml:"coordinate_system"`
	FilePattern      string      `yaml:"file_pattern"`
	Format           Format      `yaml:"format"`
	Delimiter        string      `yaml:"delimiter,omitempty"`
	Encoding         string      `yaml:"encoding,omitempty"`
	SheetName        string      `yaml:"sheet_name,omitempty"`
	SkipRows         int         `yaml:"skip_rows,omitempty"`
	MaxRowErrors     int         `yaml:"max_row_errors,omitempty"`
	FieldMapping     []FieldRule `yaml:"field_mapping"`
	Enabled          *bool       `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the source takes part in runs. Sources are enabled
// unless explicitly disabled.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Coordinates returns the parsed coordinate system.
func (d Definition) Coordinates() model.CoordinateSystem {
	cs, _ := model.ParseCoordinateSystem(d.CoordinateSystem)
	return cs
}

// DelimiterRune returns the field delimiter, defaulting to a comma.
func (d Definition) DelimiterRune() rune {
	switch d.Delimiter {
	case "":
		return ','
	case "\\t", "tab":
		return '\t'
	default:
		return []rune(d.Delimiter)[0]
	}
}

// Validate checks the definition for internal consistency.
func (d Definition) Validate() error {
	if d.Name == "" {
		return eris.New("source: name is required")
	}
	if d.Priority < 1 {
		return eris.Errorf("source %s: priority must be >= 1, got %d", d.Name, d.Priority)
	}
	if d.QualityScore < 0 || d.QualityScore > 1 {
		return eris.Errorf("source %s: quality_score must be in [0,1], got %v", d.Name, d.QualityScore)
	}
	if _, ok := model.ParseCoordinateSystem(d.CoordinateSystem); !ok {
		return eris.Errorf("source %s: unknown coordinate_system %q", d.Name, d.CoordinateSystem)
	}
	if d.FilePattern == "" {
		return eris.Errorf("source %s: file_pattern is required", d.Name)
	}
	if !d.Format.valid() {
		return eris.Errorf("source %s: unknown format %q", d.Name, d.Format)
	}
	if len([]rune(d.Delimiter)) > 1 && d.Delimiter != "\\t" && d.Delimiter != "tab" {
		return eris.Errorf("source %s: delimiter must be a single character", d.Name)
	}
	if d.MaxRowErrors < 0 {
		return eris.Errorf("source %s: max_row_errors must be >= 0", d.Name)
	}
	if len(d.FieldMapping) == 0 {
		return eris.Errorf("source %s: field_mapping is empty", d.Name)
	}
	for _, r := range d.FieldMapping {
		if err := r.validate(d.Format); err != nil {
			return eris.Wrapf(err, "source %s", d.Name)
		}
	}
	return nil
}

// NamedColumns returns the header columns the mapping depends on.
func (d Definition) NamedColumns() []string {
	var cols []string
	for _, r := range d.FieldMapping {
		switch r.Kind {
		case KindNamed:
			cols = append(cols, r.Column)
		case KindConcat:
			cols = append(cols, r.Columns...)
		}
	}
	return cols
}

// clone returns a deep copy so callers cannot mutate registry state.
func (d Definition) clone() Definition {
	c := d
	c.FieldMapping = make([]FieldRule, len(d.FieldMapping))
	for i, r := range d.FieldMapping {
		r.Columns = append([]string(nil), r.Columns...)
		c.FieldMapping[i] = r
	}
	if d.Enabled != nil {
		v := *d.Enabled
		c.Enabled = &v
	}
	return c
}
