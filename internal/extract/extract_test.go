package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/source"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func intPtr(i int) *int { return &i }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collect(t *testing.T, recCh <-chan model.SourceRecord, errCh <-chan error) ([]model.SourceRecord, error) {
	t.Helper()
	var recs []model.SourceRecord
	for r := range recCh {
		recs = append(recs, r)
	}
	for err := range errCh {
		if err != nil {
			return recs, err
		}
	}
	return recs, nil
}

func csvDef() source.Definition {
	return source.Definition{
		Name:             "addressbase",
		Priority:         1,
		QualityScore:     0.95,
		CoordinateSystem: "bng",
		FilePattern:      "*.csv",
		Format:           source.FormatCSV,
		FieldMapping: []source.FieldRule{
			{Field: model.FieldUPRN, Kind: source.KindNamed, Column: "UPRN"},
			{Field: model.FieldLine1, Kind: source.KindConcat, Columns: []string{"Number", "Street"}},
			{Field: model.FieldPostcode, Kind: source.KindNamed, Column: "Postcode", Transform: "upper"},
			{Field: model.FieldX, Kind: source.KindNamed, Column: "Easting"},
			{Field: model.FieldY, Kind: source.KindNamed, Column: "Northing"},
			{Field: model.FieldCategory, Kind: source.KindLiteral, Value: "residential"},
		},
	}
}

func TestStream_CSVWithHeader(t *testing.T) {
	path := writeFile(t, "ab.csv", "UPRN,Number,Street,Postcode,Easting,Northing\n"+
		"100023336956,10,Downing Street,sw1a 2aa,530047,179951\n"+
		"200001234567,1,Poultry,EC2R 8AH,,\n")

	recCh, errCh, stats := New().Stream(context.Background(), csvDef(), path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	r := recs[0]
	assert.Equal(t, "addressbase", r.SourceName)
	assert.Equal(t, "100023336956", r.Keys.UPRN)
	assert.Equal(t, "10 Downing Street", r.Address.Line1)
	assert.Equal(t, "SW1A 2AA", r.Address.Postcode)
	require.True(t, r.Coordinates.HasXY())
	assert.Equal(t, 530047.0, *r.Coordinates.X)
	assert.Equal(t, model.CoordBNG, r.Coordinates.System)
	assert.Equal(t, "residential", r.Attributes.Category)
	assert.Equal(t, filepath.ToSlash(path)+":2", r.RawReference)

	assert.False(t, recs[1].Coordinates.HasXY())
	assert.Equal(t, int64(2), stats.Rows)
	assert.Equal(t, int64(2), stats.Extracted)
	assert.Equal(t, int64(0), stats.RowErrors)
}

func TestStream_Restartable(t *testing.T) {
	path := writeFile(t, "ab.csv", "UPRN,Number,Street,Postcode,Easting,Northing\n1,2,High St,AB1 2CD,1,2\n")
	ex := New()

	firstRecCh, firstErrCh := func() (<-chan model.SourceRecord, <-chan error) {
		r, e, _ := ex.Stream(context.Background(), csvDef(), path)
		return r, e
	}()
	first, err := collect(t, firstRecCh, firstErrCh)
	require.NoError(t, err)

	secondRecCh, secondErrCh := func() (<-chan model.SourceRecord, <-chan error) {
		r, e, _ := ex.Stream(context.Background(), csvDef(), path)
		return r, e
	}()
	second, err := collect(t, secondRecCh, secondErrCh)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStream_PositionalCSV(t *testing.T) {
	def := source.Definition{
		Name:         "ctax",
		Priority:     2,
		QualityScore: 0.8,
		FilePattern:  "*.txt",
		Format:       source.FormatCSVPositional,
		Delimiter:    "|",
		FieldMapping: []source.FieldRule{
			{Field: model.FieldBillingRef, Kind: source.KindPositional, Index: intPtr(0)},
			{Field: model.FieldLine1, Kind: source.KindPositional, Index: intPtr(1)},
			{Field: model.FieldPostcode, Kind: source.KindPositional, Index: intPtr(2)},
			{Field: model.FieldValue, Kind: source.KindPositional, Index: intPtr(3)},
		},
	}
	path := writeFile(t, "ctax.txt", "CT001|10 Downing St|SW1A 2AA|£1,250.50\nCT002|short\nCT003|1 Poultry|EC2R 8AH|abc\n")

	recCh, errCh, stats := New().Stream(context.Background(), def, path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "CT001", recs[0].Keys.BillingRef)
	require.NotNil(t, recs[0].Attributes.Value)
	assert.InDelta(t, 1250.50, *recs[0].Attributes.Value, 0.001)
	assert.Equal(t, model.CoordNone, recs[0].Coordinates.System)

	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, int64(2), stats.RowErrors)
	assert.Equal(t, stats.Rows, stats.Extracted+stats.RowErrors)
}

func TestStream_FixedWidth(t *testing.T) {
	def := source.Definition{
		Name:         "valuation",
		Priority:     3,
		QualityScore: 0.7,
		FilePattern:  "*.dat",
		Format:       source.FormatFixedWidth,
		SkipRows:     1,
		FieldMapping: []source.FieldRule{
			{Field: model.FieldUPRN, Kind: source.KindPositional, Start: intPtr(1), Width: 12},
			{Field: model.FieldPostcode, Kind: source.KindPositional, Start: intPtr(13), Width: 8},
			{Field: model.FieldLine1, Kind: source.KindPositional, Start: intPtr(21), Width: 30},
		},
	}
	path := writeFile(t, "va.dat", "HDR VALUATION LIST 2026\n"+
		"123456789012SW1A 1AA10 DOWNING ST\r\n"+
		"000000000042EC2R 8AH1 POULTRY\n")

	recCh, errCh, _ := New().Stream(context.Background(), def, path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "123456789012", recs[0].Keys.UPRN)
	assert.Equal(t, "SW1A 1AA", recs[0].Address.Postcode)
	assert.Equal(t, "10 DOWNING ST", recs[0].Address.Line1)
	assert.Equal(t, filepath.ToSlash(path)+":2", recs[0].RawReference)
	assert.Equal(t, "1 POULTRY", recs[1].Address.Line1)
}

func TestStream_RowErrorBudgetExceeded(t *testing.T) {
	def := csvDef()
	def.MaxRowErrors = 1
	path := writeFile(t, "bad.csv", "UPRN,Number,Street,Postcode,Easting,Northing\n"+
		"1,1,A St,AB1 2CD,x,1\n"+
		"2,2,B St,AB1 2CD,y,1\n"+
		"3,3,C St,AB1 2CD,3,1\n")

	recCh, errCh, stats := New().Stream(context.Background(), def, path)
	_, err := collect(t, recCh, errCh)
	require.Error(t, err)

	var se *model.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "addressbase", se.Source)
	assert.Contains(t, err.Error(), "exceeded max_row_errors")
	assert.Equal(t, int64(2), stats.RowErrors)
}

func TestStreamBudget_SharedAcrossFiles(t *testing.T) {
	def := csvDef()
	def.MaxRowErrors = 2
	header := "UPRN,Number,Street,Postcode,Easting,Northing\n"
	first := writeFile(t, "a.csv", header+"1,1,A St,AB1 2CD,x,1\n2,2,B St,AB1 2CD,2,1\n")
	second := writeFile(t, "b.csv", header+"3,3,C St,AB1 2CD,y,1\n4,4,D St,AB1 2CD,z,1\n")

	ex := New()
	budget := ex.Budget(def)

	recCh, errCh, _ := ex.StreamBudget(context.Background(), def, first, budget)
	_, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), budget.Used())

	recCh, errCh, stats := ex.StreamBudget(context.Background(), def, second, budget)
	_, err = collect(t, recCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded max_row_errors")
	assert.Equal(t, int64(2), stats.RowErrors, "per-file count")
	assert.Equal(t, int64(3), budget.Used())

	// Each file alone stays within the limit.
	recCh, errCh, _ = ex.Stream(context.Background(), def, second)
	_, err = collect(t, recCh, errCh)
	require.NoError(t, err)
}

func TestStream_MalformedCSVRowSkipped(t *testing.T) {
	path := writeFile(t, "q.csv", "UPRN,Number,Street,Postcode,Easting,Northing\n"+
		"1,1,\"bad\"quote,AB1 2CD,1,1\n"+
		"2,2,Good St,AB1 2CD,1,1\n")

	recCh, errCh, stats := New().Stream(context.Background(), csvDef(), path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].Keys.UPRN)
	assert.Equal(t, int64(1), stats.RowErrors)
}

func TestStream_MalformedHeaderFailsSource(t *testing.T) {
	path := writeFile(t, "h.csv", "\"UPRN\"x,Number,Street,Postcode,Easting,Northing\n"+
		"1,1,High St,AB1 2CD,1,1\n")

	recCh, errCh, stats := New().Stream(context.Background(), csvDef(), path)
	recs, err := collect(t, recCh, errCh)
	require.Error(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, stats.RowErrors)

	var se *model.SourceError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "csv: read header")
}

func TestStream_MissingColumn(t *testing.T) {
	path := writeFile(t, "ab.csv", "UPRN,Postcode\n1,AB1 2CD\n")

	recCh, errCh, _ := New().Stream(context.Background(), csvDef(), path)
	_, err := collect(t, recCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header missing columns Easting, Northing")
}

func TestStream_MissingFile(t *testing.T) {
	recCh, errCh, _ := New().Stream(context.Background(), csvDef(), filepath.Join(t.TempDir(), "nope.csv"))
	_, err := collect(t, recCh, errCh)
	require.Error(t, err)

	var se *model.SourceError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "extract: open")
}

func TestStream_Windows1252(t *testing.T) {
	def := csvDef()
	def.Encoding = "windows-1252"
	path := writeFile(t, "w.csv", "UPRN,Number,Street,Postcode,Easting,Northing\n1,1,Caf\xe9 Row,AB1 2CD,1,1\n")

	recCh, errCh, _ := New().Stream(context.Background(), def, path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1 Café Row", recs[0].Address.Line1)
}

func TestStream_XLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Properties")
	require.NoError(t, err)
	for _, data := range [][]string{
		{"Ref", "Address", "Postcode"},
		{"BA-1", "10 Downing Street", "SW1A 2AA"},
	} {
		row := sheet.AddRow()
		for _, c := range data {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "la.xlsx")
	require.NoError(t, f.Save(path))

	def := source.Definition{
		Name:         "council",
		Priority:     2,
		QualityScore: 0.8,
		FilePattern:  "*.xlsx",
		Format:       source.FormatXLSX,
		SheetName:    "Properties",
		FieldMapping: []source.FieldRule{
			{Field: model.FieldBillingRef, Kind: source.KindNamed, Column: "Ref"},
			{Field: model.FieldLine1, Kind: source.KindNamed, Column: "Address"},
			{Field: model.FieldPostcode, Kind: source.KindNamed, Column: "Postcode"},
		},
	}

	recCh, errCh, _ := New().Stream(context.Background(), def, path)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "BA-1", recs[0].Keys.BillingRef)
	assert.Equal(t, "SW1A 2AA", recs[0].Address.Postcode)
}

func TestStream_ZippedShapefile(t *testing.T) {
	dir := t.TempDir()
	shpPath := filepath.Join(dir, "points.shp")
	w, err := shp.Create(shpPath, shp.POINT)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("UPRN", 12)}))
	w.Write(&shp.Point{X: 530047, Y: 179951})
	require.NoError(t, w.WriteAttribute(0, 0, "100023336956"))
	w.Close()

	zipPath := filepath.Join(t.TempDir(), "points.zip")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(filepath.Join(dir, "points"+ext))
		require.NoError(t, err)
		fw, err := zw.Create("points" + ext)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	def := source.Definition{
		Name:             "os_points",
		Priority:         1,
		QualityScore:     0.9,
		CoordinateSystem: "bng",
		FilePattern:      "*.zip",
		Format:           source.FormatShapefile,
		FieldMapping: []source.FieldRule{
			{Field: model.FieldUPRN, Kind: source.KindNamed, Column: "uprn"},
			{Field: model.FieldX, Kind: source.KindNamed, Column: "shape_x"},
			{Field: model.FieldY, Kind: source.KindNamed, Column: "shape_y"},
		},
	}

	recCh, errCh, _ := New(WithTempDir(t.TempDir())).Stream(context.Background(), def, zipPath)
	recs, err := collect(t, recCh, errCh)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "100023336956", recs[0].Keys.UPRN)
	require.True(t, recs[0].Coordinates.HasXY())
	assert.Equal(t, 179951.0, *recs[0].Coordinates.Y)
}

func TestStream_ContextCancelled(t *testing.T) {
	content := "UPRN,Number,Street,Postcode,Easting,Northing\n"
	for i := 0; i < 500; i++ {
		content += "1,1,A St,AB1 2CD,1,1\n"
	}
	path := writeFile(t, "big.csv", content)

	ctx, cancel := context.WithCancel(context.Background())
	recCh, errCh, _ := New().Stream(ctx, csvDef(), path)
	<-recCh
	cancel()
	_, err := collect(t, recCh, errCh)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
