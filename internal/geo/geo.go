// Package geo holds the coordinate helpers the pipeline needs: the transform
// collaborator contract, point distance, and EWKB encoding. Projection math
// lives behind Transformer and is supplied by the caller.
package geo

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/property-reconciler/internal/model"
)

// Point is an x/y (or lon/lat) pair.
type Point struct {
	X, Y float64
}

// Transformer converts a point between coordinate systems. It must be pure.
type Transformer interface {
	Transform(p Point, from, to model.CoordinateSystem) (Point, error)
}

// TransformFunc adapts a pure transform function to Transformer.
type TransformFunc func(p Point, from, to model.CoordinateSystem) (Point, error)

// Transform calls f.
func (f TransformFunc) Transform(p Point, from, to model.CoordinateSystem) (Point, error) {
	return f(p, from, to)
}

const earthRadiusM = 6371008.8

// Distance returns the distance in metres between two records' coordinates and
// whether they share a system it can measure in. Projected BNG points use planar
// distance; otherwise both geographic points are compared by great-circle distance.
func Distance(a, b model.Coordinates) (float64, bool) {
	if a.HasXY() && b.HasXY() && a.System == model.CoordBNG && b.System == model.CoordBNG {
		return xy.Distance(geom.Coord{*a.X, *a.Y}, geom.Coord{*b.X, *b.Y}), true
	}
	if a.HasLatLon() && b.HasLatLon() {
		return haversine(*a.Lat, *a.Lon, *b.Lat, *b.Lon), true
	}
	return 0, false
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// PointEWKB encodes the record's point as EWKB. Geographic coordinates are
// preferred (SRID 4326); otherwise projected x/y with the declared system's SRID.
// Returns nil, nil when there is no usable point.
func PointEWKB(c model.Coordinates) ([]byte, error) {
	var g *geom.Point
	switch {
	case c.HasLatLon():
		g = geom.NewPointFlat(geom.XY, []float64{*c.Lon, *c.Lat}).SetSRID(4326)
	case c.HasXY() && c.System.SRID() != 0:
		g = geom.NewPointFlat(geom.XY, []float64{*c.X, *c.Y}).SetSRID(c.System.SRID())
	default:
		return nil, nil
	}

	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode EWKB")
	}
	return data, nil
}
