package load

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/geo"
	"github.com/sells-group/property-reconciler/internal/model"
)

// recordNamespace seeds record keys so a source row keeps its key across runs.
var recordNamespace = uuid.MustParse("0b8d7c5e-91a4-4f36-b2d0-7e3c6a1f9d52")

// RecordKey returns the stable key of a source row.
func RecordKey(sourceName, rawReference string) string {
	return uuid.NewSHA1(recordNamespace, []byte(sourceName+"|"+rawReference)).String()
}

// QualityScore is the stored data_quality_score.
func QualityScore(c model.Candidate) float64 {
	return c.DataQualityScore()
}

// groupRows converts a group into one row per member. The preferred row
// carries the group's merged source list.
func groupRows(g model.DuplicateGroup, runID string) []model.CanonicalProperty {
	sources := g.SourceNames()
	rows := make([]model.CanonicalProperty, 0, len(g.Members))
	for i, m := range g.Members {
		rec := m.Candidate.Record
		geom, err := geo.PointEWKB(rec.Coordinates)
		if err != nil {
			zap.L().Debug("load: skipping geometry", zap.String("raw_reference", rec.RawReference), zap.Error(err))
			geom = nil
		}

		row := model.CanonicalProperty{
			RecordKey:         RecordKey(rec.SourceName, rec.RawReference),
			IdentityKey:       g.IdentityKey,
			DuplicateGroupID:  g.GroupID,
			IsPreferredRecord: i == g.Preferred,
			SourceName:        rec.SourceName,
			SourcePriority:    m.Candidate.Priority,
			DataSources:       []string{rec.SourceName},
			DataQualityScore:  QualityScore(m.Candidate),
			ResolutionReason:  g.Reason,
			MatchConfidence:   m.MatchConfidence,
			Keys:              rec.Keys,
			Address:           rec.Address,
			Coordinates:       rec.Coordinates,
			Geometry:          geom,
			Attributes:        rec.Attributes,
			RawReference:      rec.RawReference,
			RunID:             runID,
		}
		if row.IsPreferredRecord {
			row.DataSources = sources
		}
		rows = append(rows, row)
	}
	return rows
}

// reconcileStored applies the stored preferred row's rank to a group's rows.
// It returns the rows to upsert and the stored record key to demote, if any.
//
// The incoming preferred row replaces the stored one only when it strictly
// outranks it. Otherwise every incoming row becomes provenance under the stored
// group, except the stored record itself when it is one of the members.
func reconcileStored(rows []model.CanonicalProperty, preferred int, stored model.StoredRank, ok bool) ([]model.CanonicalProperty, string) {
	if !ok {
		return rows, ""
	}

	sources := rows[preferred].DataSources
	for i := range rows {
		rows[i].DuplicateGroupID = stored.DuplicateGroupID
	}

	p := rows[preferred]
	if p.RecordKey == stored.RecordKey {
		return rows, ""
	}
	if stored.Beats(p.SourcePriority, p.DataQualityScore) {
		return rows, stored.RecordKey
	}

	for i := range rows {
		rows[i].IsPreferredRecord = rows[i].RecordKey == stored.RecordKey
		if rows[i].IsPreferredRecord {
			rows[i].DataSources = sources
		} else {
			rows[i].DataSources = []string{rows[i].SourceName}
		}
	}
	return rows, ""
}
