package fetcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
)

// Point geometry columns appended to every shapefile row after the DBF attributes.
const (
	ShapeXColumn = "shape_x"
	ShapeYColumn = "shape_y"
)

// StreamShapefile reads a point shapefile and sends one Row per shape. The header
// (sent on headerCh when non-nil) lists the DBF field names followed by ShapeXColumn
// and ShapeYColumn. Non-point shapes get empty coordinate fields.
func StreamShapefile(ctx context.Context, path string, headerCh chan<- []string) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader, err := shp.Open(path)
		if err != nil {
			errCh <- eris.Wrapf(err, "shapefile: open %s", path)
			return
		}
		defer func() { _ = reader.Close() }()

		fields := reader.Fields()
		header := make([]string, 0, len(fields)+2)
		for _, f := range fields {
			header = append(header, strings.TrimRight(f.String(), "\x00"))
		}
		header = append(header, ShapeXColumn, ShapeYColumn)

		if headerCh != nil {
			select {
			case headerCh <- header:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "shapefile: context cancelled sending header")
				return
			}
		}

		for reader.Next() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "shapefile: context cancelled")
				return
			}

			n, shape := reader.Shape()
			row := make([]string, 0, len(header))
			for i := range fields {
				val := strings.TrimRight(reader.Attribute(i), "\x00")
				row = append(row, strings.TrimSpace(val))
			}

			x, y := "", ""
			if p, ok := shape.(*shp.Point); ok && p != nil {
				x = strconv.FormatFloat(p.X, 'f', -1, 64)
				y = strconv.FormatFloat(p.Y, 'f', -1, 64)
			}
			row = append(row, x, y)

			select {
			case rowCh <- Row{Fields: row, Line: n + 1}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "shapefile: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
