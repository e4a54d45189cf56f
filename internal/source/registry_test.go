package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func testDef(name string, priority int) Definition {
	return Definition{
		Name:             name,
		Priority:         priority,
		QualityScore:     0.9,
		CoordinateSystem: "bng",
		FilePattern:      name + "/*.csv",
		Format:           FormatCSV,
		FieldMapping: []FieldRule{
			{Field: "uprn", Kind: KindNamed, Column: "UPRN"},
			{Field: "postcode", Kind: KindNamed, Column: "Postcode"},
		},
	}
}

func TestLoadFile(t *testing.T) {
	yaml := `
sources:
  - name: os_addressbase
    priority: 1
    quality_score: 0.95
    coordinate_system: bng
    file_pattern: "addressbase/**/*.csv"
    format: csv
    field_mapping:
      - { field: uprn, kind: named, column: UPRN }
      - { field: line1, kind: concat, columns: [BUILDING_NUMBER, THOROUGHFARE] }
      - { field: postcode, kind: named, column: POSTCODE_LOCATOR, transform: upper }
  - name: council_tax
    priority: 2
    quality_score: 0.8
    coordinate_system: none
    file_pattern: "ctax/*.txt"
    format: fixed_width
    enabled: false
    field_mapping:
      - { field: billing_ref, kind: positional, start: 1, width: 12 }
      - { field: category, kind: literal, value: domestic }
rules:
  - { name: uk_latitude, type: range, field: latitude, severity: error, min: 49.0, max: 61.0 }
`
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sources, 2)
	require.Len(t, f.Rules, 1)

	ab := f.Sources[0]
	assert.Equal(t, "os_addressbase", ab.Name)
	assert.Equal(t, FormatCSV, ab.Format)
	assert.Equal(t, []string{"BUILDING_NUMBER", "THOROUGHFARE"}, ab.FieldMapping[1].Columns)
	assert.True(t, ab.IsEnabled())

	ct := f.Sources[1]
	assert.False(t, ct.IsEnabled())
	require.NotNil(t, ct.FieldMapping[0].Start)
	assert.Equal(t, 1, *ct.FieldMapping[0].Start)
	assert.Equal(t, 12, ct.FieldMapping[0].Width)

	require.NotNil(t, f.Rules[0].Min)
	assert.Equal(t, 49.0, *f.Rules[0].Min)

	reg, err := NewRegistry(f.Sources...)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestParse_NoSources(t *testing.T) {
	_, err := Parse([]byte("rules: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("sources: [unclosed"))
	require.Error(t, err)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg, err := NewRegistry(testDef("a", 1))
	require.NoError(t, err)

	err = reg.Register(testDef("a", 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegistry_Get(t *testing.T) {
	reg, err := NewRegistry(testDef("a", 1))
	require.NoError(t, err)

	d, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Priority)

	_, err = reg.Get("missing")
	require.Error(t, err)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(testDef("a", 1))
	require.NoError(t, err)

	d, err := reg.Get("a")
	require.NoError(t, err)
	d.FieldMapping[0].Column = "changed"

	again, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "UPRN", again.FieldMapping[0].Column)
}

func TestRegistry_EnabledOrdering(t *testing.T) {
	off := false
	disabled := testDef("disabled", 1)
	disabled.Enabled = &off

	reg, err := NewRegistry(testDef("zeta", 2), testDef("beta", 2), testDef("alpha", 3), disabled, testDef("top", 1))
	require.NoError(t, err)

	defs, err := reg.Enabled()
	require.NoError(t, err)
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"top", "beta", "zeta", "alpha"}, names)
	assert.Equal(t, []string{"zeta", "beta", "alpha", "disabled", "top"}, reg.AllNames())
}

func TestRegistry_EnabledByName(t *testing.T) {
	reg, err := NewRegistry(testDef("a", 2), testDef("b", 1), testDef("c", 3))
	require.NoError(t, err)

	defs, err := reg.Enabled("c", "a")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "c", defs[1].Name)

	_, err = reg.Enabled("nope")
	require.Error(t, err)
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		errMsg string
	}{
		{"valid", func(*Definition) {}, ""},
		{"no name", func(d *Definition) { d.Name = "" }, "name is required"},
		{"priority zero", func(d *Definition) { d.Priority = 0 }, "priority must be >= 1"},
		{"quality above one", func(d *Definition) { d.QualityScore = 1.5 }, "quality_score"},
		{"bad coordinates", func(d *Definition) { d.CoordinateSystem = "mercator" }, "coordinate_system"},
		{"no pattern", func(d *Definition) { d.FilePattern = "" }, "file_pattern"},
		{"bad format", func(d *Definition) { d.Format = "parquet" }, "unknown format"},
		{"long delimiter", func(d *Definition) { d.Delimiter = "||" }, "single character"},
		{"empty mapping", func(d *Definition) { d.FieldMapping = nil }, "field_mapping is empty"},
		{"unknown field", func(d *Definition) { d.FieldMapping[0].Field = "colour" }, "unknown canonical field"},
		{"named without column", func(d *Definition) { d.FieldMapping[0].Column = "" }, "needs column"},
		{"named on positional", func(d *Definition) { d.Format = FormatCSVPositional }, "not supported"},
		{"bad transform", func(d *Definition) { d.FieldMapping[0].Transform = "reverse" }, "unknown transform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDef("src", 1)
			tt.mutate(&d)
			err := d.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefinition_ValidatePositional(t *testing.T) {
	d := testDef("fw", 1)
	d.Format = FormatFixedWidth
	d.FieldMapping = []FieldRule{{Field: "uprn", Kind: KindPositional, Start: intPtr(1), Width: 0}}
	require.Error(t, d.Validate())

	d.FieldMapping[0].Width = 12
	require.NoError(t, d.Validate())

	d.Format = FormatCSVPositional
	d.FieldMapping = []FieldRule{{Field: "uprn", Kind: KindPositional}}
	require.Error(t, d.Validate())

	d.FieldMapping[0].Index = intPtr(0)
	require.NoError(t, d.Validate())
}

func TestDefinition_DelimiterRune(t *testing.T) {
	d := testDef("a", 1)
	assert.Equal(t, ',', d.DelimiterRune())
	d.Delimiter = "|"
	assert.Equal(t, '|', d.DelimiterRune())
	d.Delimiter = "tab"
	assert.Equal(t, '\t', d.DelimiterRune())
	d.Delimiter = "\\t"
	assert.Equal(t, '\t', d.DelimiterRune())
}

func TestDefinition_NamedColumns(t *testing.T) {
	d := testDef("a", 1)
	d.FieldMapping = append(d.FieldMapping, FieldRule{Field: "line1", Kind: KindConcat, Columns: []string{"No", "Street"}})
	assert.Equal(t, []string{"UPRN", "Postcode", "No", "Street"}, d.NamedColumns())
}
