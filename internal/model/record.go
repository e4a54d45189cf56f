// Package model defines the core data types shared across the reconciliation pipeline.
package model

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// CoordinateSystem identifies the spatial reference a source declares for its coordinates.
type CoordinateSystem string

// Supported coordinate systems.
const (
	CoordNone  CoordinateSystem = "none"
	CoordBNG   CoordinateSystem = "bng"   // British National Grid, EPSG:27700 (metres)
	CoordWGS84 CoordinateSystem = "wgs84" // EPSG:4326 (degrees)
)

// SRID returns the EPSG code for the coordinate system, or 0 when unknown.
func (c CoordinateSystem) SRID() int {
	switch c {
	case CoordBNG:
		return 27700
	case CoordWGS84:
		return 4326
	default:
		return 0
	}
}

// ParseCoordinateSystem converts a config string into a CoordinateSystem.
func ParseCoordinateSystem(s string) (CoordinateSystem, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CoordNone, true
	case "bng", "epsg:27700", "27700", "osgb36":
		return CoordBNG, true
	case "wgs84", "epsg:4326", "4326":
		return CoordWGS84, true
	default:
		return "", false
	}
}

// NaturalKeys holds the identifiers a source supplies for a property.
type NaturalKeys struct {
	UPRN       string `json:"uprn,omitempty"`
	BillingRef string `json:"billing_ref,omitempty"`
}

// Address holds structured address components.
type Address struct {
	Line1    string `json:"line1,omitempty"`
	Line2    string `json:"line2,omitempty"`
	Line3    string `json:"line3,omitempty"`
	Line4    string `json:"line4,omitempty"`
	Line5    string `json:"line5,omitempty"`
	Locality string `json:"locality,omitempty"`
	PostTown string `json:"post_town,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

// Lines returns the non-empty address lines in order, excluding the postcode.
func (a Address) Lines() []string {
	var out []string
	for _, s := range []string{a.Line1, a.Line2, a.Line3, a.Line4, a.Line5, a.Locality, a.PostTown} {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Coordinates carries an optional projected point and an optional geographic point.
// Pointers distinguish "absent" from zero.
type Coordinates struct {
	X      *float64         `json:"x,omitempty"`
	Y      *float64         `json:"y,omitempty"`
	Lat    *float64         `json:"lat,omitempty"`
	Lon    *float64         `json:"lon,omitempty"`
	System CoordinateSystem `json:"system,omitempty"`
}

// HasXY reports whether a projected point is present.
func (c Coordinates) HasXY() bool { return c.X != nil && c.Y != nil }

// HasLatLon reports whether a geographic point is present.
func (c Coordinates) HasLatLon() bool { return c.Lat != nil && c.Lon != nil }

// Attributes holds the canonical business fields of a property.
type Attributes struct {
	Category      string   `json:"category,omitempty"`
	Description   string   `json:"description,omitempty"`
	Value         *float64 `json:"value,omitempty"`
	EffectiveDate string   `json:"effective_date,omitempty"`
	ExternalID    string   `json:"external_id,omitempty"`
}

// SourceRecord is one extracted, normalized record prior to resolution.
// It is created by the extractor and treated as read-only afterwards.
type SourceRecord struct {
	SourceName   string      `json:"source_name"`
	Keys         NaturalKeys `json:"natural_keys"`
	Address      Address     `json:"address"`
	Coordinates  Coordinates `json:"coordinates"`
	Attributes   Attributes  `json:"attributes"`
	RawReference string      `json:"raw_reference"`
}

// Field returns the string value of a canonical field and whether it is present.
func (r SourceRecord) Field(name string) (string, bool) {
	var v string
	switch name {
	case FieldUPRN:
		v = r.Keys.UPRN
	case FieldBillingRef:
		v = r.Keys.BillingRef
	case FieldLine1:
		v = r.Address.Line1
	case FieldLine2:
		v = r.Address.Line2
	case FieldLine3:
		v = r.Address.Line3
	case FieldLine4:
		v = r.Address.Line4
	case FieldLine5:
		v = r.Address.Line5
	case FieldLocality:
		v = r.Address.Locality
	case FieldPostTown:
		v = r.Address.PostTown
	case FieldPostcode:
		v = r.Address.Postcode
	case FieldX:
		return floatField(r.Coordinates.X)
	case FieldY:
		return floatField(r.Coordinates.Y)
	case FieldLatitude:
		return floatField(r.Coordinates.Lat)
	case FieldLongitude:
		return floatField(r.Coordinates.Lon)
	case FieldCategory:
		v = r.Attributes.Category
	case FieldDescription:
		v = r.Attributes.Description
	case FieldValue:
		return floatField(r.Attributes.Value)
	case FieldEffectiveDate:
		v = r.Attributes.EffectiveDate
	case FieldExternalID:
		v = r.Attributes.ExternalID
	default:
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Set assigns a canonical field from its string form. Numeric fields are parsed;
// thousands separators and a leading currency sign are tolerated. Empty values are
// ignored so an absent field stays absent.
func (r *SourceRecord) Set(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if NumericFields[name] {
		f, err := parseNumber(value)
		if err != nil {
			return eris.Wrapf(err, "field %s", name)
		}
		switch name {
		case FieldX:
			r.Coordinates.X = &f
		case FieldY:
			r.Coordinates.Y = &f
		case FieldLatitude:
			r.Coordinates.Lat = &f
		case FieldLongitude:
			r.Coordinates.Lon = &f
		case FieldValue:
			r.Attributes.Value = &f
		}
		return nil
	}
	switch name {
	case FieldUPRN:
		r.Keys.UPRN = value
	case FieldBillingRef:
		r.Keys.BillingRef = value
	case FieldLine1:
		r.Address.Line1 = value
	case FieldLine2:
		r.Address.Line2 = value
	case FieldLine3:
		r.Address.Line3 = value
	case FieldLine4:
		r.Address.Line4 = value
	case FieldLine5:
		r.Address.Line5 = value
	case FieldLocality:
		r.Address.Locality = value
	case FieldPostTown:
		r.Address.PostTown = value
	case FieldPostcode:
		r.Address.Postcode = value
	case FieldCategory:
		r.Attributes.Category = value
	case FieldDescription:
		r.Attributes.Description = value
	case FieldEffectiveDate:
		r.Attributes.EffectiveDate = value
	case FieldExternalID:
		r.Attributes.ExternalID = value
	default:
		return eris.Errorf("unknown field %q", name)
	}
	return nil
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, eris.Errorf("not a number: %q", s)
	}
	return f, nil
}

// IsEmpty reports whether no canonical field is set.
func (r SourceRecord) IsEmpty() bool {
	for _, f := range CanonicalFields {
		if _, ok := r.Field(f); ok {
			return false
		}
	}
	return true
}

func floatField(f *float64) (string, bool) {
	if f == nil {
		return "", false
	}
	return strconv.FormatFloat(*f, 'f', -1, 64), true
}

// Canonical field names used by field mappings and quality rules.
const (
	FieldUPRN          = "uprn"
	FieldBillingRef    = "billing_ref"
	FieldLine1         = "line1"
	FieldLine2         = "line2"
	FieldLine3         = "line3"
	FieldLine4         = "line4"
	FieldLine5         = "line5"
	FieldLocality      = "locality"
	FieldPostTown      = "post_town"
	FieldPostcode      = "postcode"
	FieldX             = "x"
	FieldY             = "y"
	FieldLatitude      = "latitude"
	FieldLongitude     = "longitude"
	FieldCategory      = "category"
	FieldDescription   = "description"
	FieldValue         = "value"
	FieldEffectiveDate = "effective_date"
	FieldExternalID    = "external_id"
)

// CanonicalFields lists every field a mapping may target.
var CanonicalFields = []string{
	FieldUPRN, FieldBillingRef,
	FieldLine1, FieldLine2, FieldLine3, FieldLine4, FieldLine5,
	FieldLocality, FieldPostTown, FieldPostcode,
	FieldX, FieldY, FieldLatitude, FieldLongitude,
	FieldCategory, FieldDescription, FieldValue, FieldEffectiveDate, FieldExternalID,
}

// NumericFields are parsed as float64 by the extractor.
var NumericFields = map[string]bool{
	FieldX: true, FieldY: true, FieldLatitude: true, FieldLongitude: true, FieldValue: true,
}

// IsCanonicalField reports whether name is a known canonical field.
func IsCanonicalField(name string) bool {
	for _, f := range CanonicalFields {
		if f == name {
			return true
		}
	}
	return false
}
