package model

// CanonicalProperty is one persisted row. Preferred rows carry the merged view of a
// group; non-preferred rows are the lineage of the other members.
type CanonicalProperty struct {
	RecordKey         string           `json:"record_key"`
	IdentityKey       string           `json:"identity_key"`
	DuplicateGroupID  string           `json:"duplicate_group_id"`
	IsPreferredRecord bool             `json:"is_preferred_record"`
	SourceName        string           `json:"source_name"`
	SourcePriority    int              `json:"source_priority"`
	DataSources       []string         `json:"data_sources"`
	DataQualityScore  float64          `json:"data_quality_score"`
	ResolutionReason  ResolutionReason `json:"resolution_reason"`
	MatchConfidence   float64          `json:"match_confidence"`
	Keys              NaturalKeys      `json:"natural_keys"`
	Address           Address          `json:"address"`
	Coordinates       Coordinates      `json:"coordinates"`
	Geometry          []byte           `json:"-"`
	Attributes        Attributes       `json:"attributes"`
	RawReference      string           `json:"raw_reference"`
	RunID             string           `json:"run_id"`
}

// StoredRank is the ranking of a preferred row already in the target store.
type StoredRank struct {
	RecordKey        string
	DuplicateGroupID string
	SourcePriority   int
	DataQualityScore float64
}

// Beats reports whether a row with the given priority and quality strictly outranks
// the stored row: lower priority number wins, then higher quality.
func (s StoredRank) Beats(priority int, quality float64) bool {
	if priority != s.SourcePriority {
		return priority < s.SourcePriority
	}
	return quality > s.DataQualityScore
}
