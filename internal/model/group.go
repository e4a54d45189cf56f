package model

// ResolutionReason records how a DuplicateGroup was formed.
type ResolutionReason string

// Resolution reasons.
const (
	ReasonDeterministicKey ResolutionReason = "deterministic_key"
	ReasonFuzzyMatch       ResolutionReason = "fuzzy_match"
	ReasonSingleton        ResolutionReason = "singleton"
	ReasonNeedsReview      ResolutionReason = "needs_review"
)

// Member is one record in a DuplicateGroup with its match confidence.
type Member struct {
	Candidate       Candidate `json:"candidate"`
	MatchConfidence float64   `json:"match_confidence"`
}

// DuplicateGroup is a cluster of records believed to describe one property.
// Preferred indexes into Members.
type DuplicateGroup struct {
	GroupID     string           `json:"group_id"`
	IdentityKey string           `json:"identity_key"`
	Members     []Member         `json:"members"`
	Preferred   int              `json:"preferred"`
	Reason      ResolutionReason `json:"resolution_reason"`
	ReviewNote  string           `json:"review_note,omitempty"`
}

// PreferredMember returns the group's authoritative member.
func (g DuplicateGroup) PreferredMember() Member {
	return g.Members[g.Preferred]
}

// SourceNames returns the distinct source names of the members in member order.
func (g DuplicateGroup) SourceNames() []string {
	seen := make(map[string]bool, len(g.Members))
	var names []string
	for _, m := range g.Members {
		n := m.Candidate.Record.SourceName
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}
