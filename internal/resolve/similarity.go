package resolve

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sells-group/property-reconciler/internal/geo"
	"github.com/sells-group/property-reconciler/internal/model"
)

// Blend weights when both records carry comparable coordinates.
const (
	textWeight      = 0.7
	proximityWeight = 0.3
)

// Dice returns the Sørensen-Dice coefficient of two token sets.
func Dice(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	sa := mapset.NewThreadUnsafeSet(a...)
	sb := mapset.NewThreadUnsafeSet(b...)
	if sa.Cardinality()+sb.Cardinality() == 0 {
		return 0
	}
	inter := sa.Intersect(sb).Cardinality()
	return 2 * float64(inter) / float64(sa.Cardinality()+sb.Cardinality())
}

// Proximity maps a distance onto [0,1]: 1 at zero distance, 0 at or beyond threshold.
func Proximity(distance, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	p := 1 - distance/threshold
	if p < 0 {
		return 0
	}
	return p
}

// Similarity scores two records for the fuzzy pass. Address token overlap is
// blended with coordinate proximity when both have coordinates in a shared system.
func Similarity(a, b model.SourceRecord, aTokens, bTokens []string, distanceThreshold float64) float64 {
	text := Dice(aTokens, bTokens)
	if distanceThreshold <= 0 {
		return text
	}
	d, ok := geo.Distance(a.Coordinates, b.Coordinates)
	if !ok {
		return text
	}
	return textWeight*text + proximityWeight*Proximity(d, distanceThreshold)
}
