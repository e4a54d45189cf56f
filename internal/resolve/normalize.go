package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/property-reconciler/internal/model"
)

// NormalizeUPRN keeps digits and strips leading zeros. All-zero or digit-free
// input normalizes to "".
func NormalizeUPRN(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			if b.Len() == 0 && r == '0' {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRef uppercases a reference and drops whitespace and punctuation.
func NormalizeRef(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, s)
}

// NormalizePostcode returns the postcode as "OUTWARD INWARD" in uppercase, or ""
// when it is too short to be a full postcode.
func NormalizePostcode(s string) string {
	compact := NormalizeRef(s)
	if len(compact) < 5 || len(compact) > 7 {
		return ""
	}
	return compact[:len(compact)-3] + " " + compact[len(compact)-3:]
}

// PostcodeSector returns the outward code plus the first inward digit ("SW1A 1").
func PostcodeSector(pc string) string {
	pc = NormalizePostcode(pc)
	if pc == "" {
		return ""
	}
	return pc[:len(pc)-2]
}

// PostcodeDistrict returns the outward code ("SW1A").
func PostcodeDistrict(pc string) string {
	pc = NormalizePostcode(pc)
	if pc == "" {
		return ""
	}
	return pc[:len(pc)-4]
}

var abbreviations = map[string]string{
	"ST":   "STREET",
	"RD":   "ROAD",
	"AVE":  "AVENUE",
	"AV":   "AVENUE",
	"LN":   "LANE",
	"DR":   "DRIVE",
	"CT":   "COURT",
	"CL":   "CLOSE",
	"CRES": "CRESCENT",
	"GDNS": "GARDENS",
	"GRN":  "GREEN",
	"GRO":  "GROVE",
	"PL":   "PLACE",
	"SQ":   "SQUARE",
	"TER":  "TERRACE",
	"TERR": "TERRACE",
	"PK":   "PARK",
	"HSE":  "HOUSE",
	"BLDG": "BUILDING",
	"FLT":  "FLAT",
	"APT":  "FLAT",
	"NTH":  "NORTH",
	"STH":  "SOUTH",
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// AddressTokens returns the normalized tokens of an address: lines 1-5 and
// locality, accents folded, uppercase, punctuation removed, common street
// abbreviations expanded. Post town and postcode are excluded since candidates
// are already bucketed by postcode.
func AddressTokens(a model.Address) []string {
	text := strings.Join([]string{a.Line1, a.Line2, a.Line3, a.Line4, a.Line5, a.Locality}, " ")
	folded, _, err := transform.String(foldAccents, text)
	if err != nil {
		folded = text
	}

	fields := strings.FieldsFunc(strings.ToUpper(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		if full, ok := abbreviations[f]; ok {
			fields[i] = full
		}
	}
	return fields
}
