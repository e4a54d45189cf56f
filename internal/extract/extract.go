// Package extract turns raw source files into canonical SourceRecords using the
// source's declarative field mapping.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/fetcher"
	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/source"
)

// DefaultMaxRowErrors is used when neither the extractor nor the source sets a budget.
const DefaultMaxRowErrors = 100

// Stats counts what a single Stream call saw. Read it only after the record
// channel is closed.
type Stats struct {
	Rows      int64 // rows handed over by the reader (parse failures excluded)
	Extracted int64 // records emitted
	RowErrors int64 // malformed rows skipped
}

// Extractor streams records out of source files.
type Extractor struct {
	maxRowErrors int
	tempDir      string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxRowErrors sets the default malformed-row budget per source.
func WithMaxRowErrors(n int) Option {
	return func(e *Extractor) { e.maxRowErrors = n }
}

// WithTempDir sets where zipped shapefiles are unpacked.
func WithTempDir(dir string) Option {
	return func(e *Extractor) { e.tempDir = dir }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{maxRowErrors: DefaultMaxRowErrors}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RowBudget is the malformed-row allowance of one source, shared by every file
// streamed against it. Safe for concurrent use.
type RowBudget struct {
	limit int64
	used  atomic.Int64
}

// Budget returns a fresh row-error budget for def. A source's max_row_errors
// overrides the extractor default.
func (e *Extractor) Budget(def source.Definition) *RowBudget {
	limit := int64(e.maxRowErrors)
	if def.MaxRowErrors > 0 {
		limit = int64(def.MaxRowErrors)
	}
	return &RowBudget{limit: limit}
}

// Used returns the malformed rows charged so far.
func (b *RowBudget) Used() int64 { return b.used.Load() }

func (b *RowBudget) exceeded() bool { return b.used.Load() > b.limit }

// Stream parses one file of a source against a budget of its own. See
// StreamBudget.
func (e *Extractor) Stream(ctx context.Context, def source.Definition, path string) (<-chan model.SourceRecord, <-chan error, *Stats) {
	return e.StreamBudget(ctx, def, path, e.Budget(def))
}

// StreamBudget parses one file of a source. The sequence is lazy and finite;
// calling it again re-reads the file from the start. Malformed rows are skipped
// and charged to budget; once the budget is exceeded the stream stops with a
// *model.SourceError on the error channel. Both channels are closed when done.
func (e *Extractor) StreamBudget(ctx context.Context, def source.Definition, path string, budget *RowBudget) (<-chan model.SourceRecord, <-chan error, *Stats) {
	recCh := make(chan model.SourceRecord, 64)
	errCh := make(chan error, 1)
	stats := &Stats{}

	go func() {
		defer close(recCh)
		defer close(errCh)

		if err := e.run(ctx, def, path, budget, recCh, stats); err != nil {
			var se *model.SourceError
			if !errors.As(err, &se) {
				err = &model.SourceError{Source: def.Name, Err: err}
			}
			errCh <- err
		}
	}()

	return recCh, errCh, stats
}

func (e *Extractor) run(ctx context.Context, def source.Definition, path string, budget *RowBudget, out chan<- model.SourceRecord, stats *Stats) error {
	log := zap.L().With(
		zap.String("component", "extract"),
		zap.String("source", def.Name),
		zap.String("file", path),
	)

	// Cancelling inner stops the reader goroutine when we bail out early.
	inner, cancel := context.WithCancel(ctx)
	defer cancel()

	var rowErrs atomic.Int64
	onRowError := func(line int, err error) bool {
		rowErrs.Add(1)
		n := budget.used.Add(1)
		log.Debug("skipping malformed row", zap.Int("line", line), zap.Error(err))
		return n <= budget.limit
	}

	headerCh := make(chan []string, 1)
	rows, readErrs, cleanup, err := e.open(inner, def, path, headerCh, onRowError)
	if err != nil {
		return err
	}
	defer cleanup()

	ref := filepath.ToSlash(path)
	coords := def.Coordinates()
	var header map[string]int
	needHeader := def.Format.HasHeader()

	drain := func() {
		cancel()
		for range rows { //nolint:revive // drain
		}
	}

	for row := range rows {
		stats.Rows++

		if needHeader && header == nil {
			select {
			case h := <-headerCh:
				header = source.HeaderIndex(h)
				if err := checkColumns(def, header); err != nil {
					drain()
					return err
				}
			default:
			}
		}

		rec, err := mapRow(def, row, header, coords)
		if err != nil {
			rawErr := &model.RecordError{Source: def.Name, Reference: fmt.Sprintf("%s:%d", ref, row.Line), Err: err}
			if !onRowError(row.Line, rawErr) {
				drain()
				break
			}
			continue
		}
		rec.RawReference = fmt.Sprintf("%s:%d", ref, row.Line)

		select {
		case out <- rec:
			stats.Extracted++
		case <-ctx.Done():
			drain()
			return eris.Wrap(ctx.Err(), "extract: context cancelled")
		}
	}

	stats.RowErrors = rowErrs.Load()
	if budget.exceeded() {
		return &model.SourceError{
			Source: def.Name,
			Err:    eris.Errorf("extract: %s exceeded max_row_errors (%d > %d)", path, budget.Used(), budget.limit),
		}
	}

	for err := range readErrs {
		if err != nil {
			return eris.Wrapf(err, "extract: read %s", path)
		}
	}

	log.Debug("file extracted",
		zap.Int64("rows", stats.Rows),
		zap.Int64("records", stats.Extracted),
		zap.Int64("row_errors", stats.RowErrors),
	)
	return nil
}

// open starts the format-specific reader. cleanup releases files and temp dirs.
func (e *Extractor) open(ctx context.Context, def source.Definition, path string, headerCh chan<- []string, onRowError fetcher.RowErrorFunc) (<-chan fetcher.Row, <-chan error, func(), error) {
	noop := func() {}

	switch def.Format {
	case source.FormatXLSX:
		rows, errs := fetcher.StreamXLSX(ctx, path, fetcher.XLSXOptions{
			SheetName: def.SheetName,
			HasHeader: true,
			HeaderCh:  headerCh,
			SkipRows:  def.SkipRows,
		})
		return rows, errs, noop, nil

	case source.FormatShapefile:
		shpPath, cleanup, err := e.shapefilePath(path)
		if err != nil {
			return nil, nil, nil, err
		}
		rows, errs := fetcher.StreamShapefile(ctx, shpPath, headerCh)
		return rows, errs, cleanup, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "extract: open %s", path)
	}
	cleanup := func() { _ = f.Close() }

	var r io.Reader = f
	r, err = fetcher.DecodeReader(r, def.Encoding)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	var rows <-chan fetcher.Row
	var errs <-chan error
	switch def.Format {
	case source.FormatFixedWidth:
		rows, errs = fetcher.StreamLines(ctx, r, fetcher.LineOptions{SkipRows: def.SkipRows})
	default:
		rows, errs = fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
			Delimiter:  def.DelimiterRune(),
			HasHeader:  def.Format == source.FormatCSV,
			HeaderCh:   headerCh,
			SkipRows:   def.SkipRows,
			OnRowError: onRowError,
		})
	}
	return rows, errs, cleanup, nil
}

// shapefilePath unpacks zipped shapefile bundles into a temp dir.
func (e *Extractor) shapefilePath(path string) (string, func(), error) {
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return path, func() {}, nil
	}
	dir, err := os.MkdirTemp(e.tempDir, "reconcile-shp-*")
	if err != nil {
		return "", nil, eris.Wrap(err, "extract: create temp dir")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	shp, err := fetcher.ExtractShapefile(path, dir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return shp, cleanup, nil
}

// checkColumns fails the source when a named column without a default is absent
// from the header.
func checkColumns(def source.Definition, header map[string]int) error {
	var missing []string
	for _, r := range def.FieldMapping {
		if r.Kind != source.KindNamed || r.Default != "" {
			continue
		}
		if _, ok := header[source.NormalizeColumn(r.Column)]; !ok {
			missing = append(missing, r.Column)
		}
	}
	if len(missing) > 0 {
		return &model.SourceError{
			Source: def.Name,
			Err:    eris.Errorf("extract: header missing columns %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// mapRow applies every field rule of def to one raw row.
func mapRow(def source.Definition, raw fetcher.Row, header map[string]int, coords model.CoordinateSystem) (model.SourceRecord, error) {
	row := source.Row{Fields: raw.Fields, Header: header}
	if def.Format == source.FormatFixedWidth && len(raw.Fields) > 0 {
		row.Line = raw.Fields[0]
	}

	rec := model.SourceRecord{SourceName: def.Name}
	rec.Coordinates.System = coords
	for _, rule := range def.FieldMapping {
		v, err := rule.Resolve(row)
		if err != nil {
			return model.SourceRecord{}, err
		}
		if err := rec.Set(rule.Field, v); err != nil {
			return model.SourceRecord{}, err
		}
	}
	if rec.IsEmpty() {
		return model.SourceRecord{}, eris.New("extract: row has no mapped values")
	}
	return rec, nil
}
