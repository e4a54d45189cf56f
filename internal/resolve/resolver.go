// Package resolve groups validated records that describe the same property and
// picks the preferred record of each group.
package resolve

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/model"
)

// groupNamespace seeds group IDs so equal identity keys map to equal IDs across runs.
var groupNamespace = uuid.MustParse("6f1c2a52-3b7e-4c1d-9a6e-5d2b8f0e4a17")

// GroupID returns the stable group ID for an identity key.
func GroupID(identityKey string) string {
	return uuid.NewSHA1(groupNamespace, []byte(identityKey)).String()
}

// PostcodeTolerance bounds how far postcodes may differ inside a deterministic
// group before it is flagged for review.
type PostcodeTolerance string

// Postcode tolerances.
const (
	ToleranceExact    PostcodeTolerance = "exact"
	ToleranceSector   PostcodeTolerance = "sector"
	ToleranceDistrict PostcodeTolerance = "district"
)

// ParseTolerance validates a tolerance name. Empty selects sector.
func ParseTolerance(s string) (PostcodeTolerance, error) {
	switch PostcodeTolerance(strings.ToLower(s)) {
	case "":
		return ToleranceSector, nil
	case ToleranceExact, ToleranceSector, ToleranceDistrict:
		return PostcodeTolerance(strings.ToLower(s)), nil
	default:
		return "", eris.Errorf("resolve: unknown postcode tolerance %q", s)
	}
}

func (t PostcodeTolerance) key(pc string) string {
	switch t {
	case ToleranceExact:
		return NormalizePostcode(pc)
	case ToleranceDistrict:
		return PostcodeDistrict(pc)
	default:
		return PostcodeSector(pc)
	}
}

// Options tunes the resolver. Both thresholds are global run parameters.
type Options struct {
	FuzzyThreshold    float64           // default 0.8
	DistanceThreshold float64           // metres; 0 disables the proximity term
	PostcodeTolerance PostcodeTolerance // default sector
}

// Resolver runs the two-pass identity resolution.
type Resolver struct {
	opts Options
}

// New creates a Resolver, filling zero options with defaults.
func New(opts Options) *Resolver {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.8
	}
	if opts.PostcodeTolerance == "" {
		opts.PostcodeTolerance = ToleranceSector
	}
	return &Resolver{opts: opts}
}

// Compare orders candidates by preference and returns a negative value when a is
// preferred: lower source priority, then higher data quality score, then source name,
// then raw reference, then record content. Zero only for identical records.
func Compare(a, b model.Candidate) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	if qa, qb := a.DataQualityScore(), b.DataQualityScore(); qa != qb {
		if qa > qb {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.Record.SourceName, b.Record.SourceName); c != 0 {
		return c
	}
	if c := strings.Compare(a.Record.RawReference, b.Record.RawReference); c != 0 {
		return c
	}
	return bytes.Compare(contentKey(a.Record), contentKey(b.Record))
}

func contentKey(r model.SourceRecord) []byte {
	b, _ := json.Marshal(r)
	return b
}

// prepared caches the normalized view of one candidate.
type prepared struct {
	cand     model.Candidate
	uprn     string
	ref      string
	postcode string
	tokens   []string
}

// Resolve partitions the candidates into duplicate groups. Every candidate lands
// in exactly one group. Output is sorted by group ID and independent of input order.
func (r *Resolver) Resolve(cands []model.Candidate) []model.DuplicateGroup {
	log := zap.L().With(zap.String("component", "resolve"))

	sorted := make([]model.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return Compare(sorted[i], sorted[j]) < 0 })

	items := make([]prepared, len(sorted))
	for i, c := range sorted {
		items[i] = prepared{
			cand:     c,
			uprn:     NormalizeUPRN(c.Record.Keys.UPRN),
			ref:      NormalizeRef(c.Record.Keys.BillingRef),
			postcode: NormalizePostcode(c.Record.Address.Postcode),
			tokens:   AddressTokens(c.Record.Address),
		}
	}

	uf := newUnionFind(len(items))
	r.deterministicPass(items, uf)
	detSize := make([]int, len(items))
	for i := range items {
		detSize[i] = uf.setSize(i)
	}
	conf := r.fuzzyPass(items, uf, detSize)

	components := make(map[int][]int)
	var roots []int
	for i := range items {
		root := uf.find(i)
		if _, ok := components[root]; !ok {
			roots = append(roots, root)
		}
		components[root] = append(components[root], i)
	}

	groups := make([]model.DuplicateGroup, 0, len(roots))
	for _, root := range roots {
		idx := components[root]
		var g model.DuplicateGroup
		switch {
		case len(idx) == 1:
			g = r.buildGroup(items, idx, model.ReasonSingleton, nil)
		case detSize[idx[0]] > 1:
			g = r.buildGroup(items, idx, model.ReasonDeterministicKey, nil)
		default:
			g = r.buildGroup(items, idx, model.ReasonFuzzyMatch, conf)
		}
		if len(idx) > 1 {
			if note := r.contradiction(items, idx); note != "" {
				g.Reason = model.ReasonNeedsReview
				g.ReviewNote = note
			}
		}
		groups = append(groups, g)
	}

	assignIDs(groups)
	for _, g := range groups {
		if g.Reason == model.ReasonNeedsReview {
			log.Warn("group needs review", zap.Error(&model.ResolutionAmbiguity{GroupID: g.GroupID, Note: g.ReviewNote}))
		}
	}

	log.Debug("resolution complete",
		zap.Int("records", len(items)),
		zap.Int("groups", len(groups)),
	)
	return groups
}

// deterministicPass unions records sharing a UPRN, or a billing reference within
// the same postcode.
func (r *Resolver) deterministicPass(items []prepared, uf *unionFind) {
	byUPRN := make(map[string]int)
	byRef := make(map[string]int)
	for i, it := range items {
		if it.uprn != "" {
			if first, ok := byUPRN[it.uprn]; ok {
				uf.union(first, i)
			} else {
				byUPRN[it.uprn] = i
			}
		}
		if it.ref != "" && it.postcode != "" {
			k := it.ref + "|" + it.postcode
			if first, ok := byRef[k]; ok {
				uf.union(first, i)
			} else {
				byRef[k] = i
			}
		}
	}
}

// fuzzyPass compares records left alone by the deterministic pass, only within
// the same normalized postcode. It returns each record's best merging score.
func (r *Resolver) fuzzyPass(items []prepared, uf *unionFind, detSize []int) []float64 {
	conf := make([]float64, len(items))
	buckets := make(map[string][]int)
	for i, it := range items {
		if detSize[i] == 1 && it.postcode != "" {
			buckets[it.postcode] = append(buckets[it.postcode], i)
		}
	}

	// rootUPRN holds the UPRN a component has taken on, keyed by its root, so a
	// record without a UPRN cannot bridge two different UPRNs.
	rootUPRN := make(map[int]string)
	for _, idx := range buckets {
		for _, i := range idx {
			rootUPRN[i] = items[i].uprn
		}
	}

	for _, idx := range buckets {
		for x := 0; x < len(idx); x++ {
			a := items[idx[x]]
			for y := x + 1; y < len(idx); y++ {
				b := items[idx[y]]
				ua, ub := rootUPRN[uf.find(idx[x])], rootUPRN[uf.find(idx[y])]
				if ua != "" && ub != "" && ua != ub {
					continue
				}
				s := Similarity(a.cand.Record, b.cand.Record, a.tokens, b.tokens, r.opts.DistanceThreshold)
				if s < r.opts.FuzzyThreshold {
					continue
				}
				uf.union(idx[x], idx[y])
				rootUPRN[uf.find(idx[x])] = cmp.Or(ua, ub)
				conf[idx[x]] = max(conf[idx[x]], s)
				conf[idx[y]] = max(conf[idx[y]], s)
			}
		}
	}
	return conf
}

// buildGroup assembles a group from item indexes already in preference order, so
// the first member is preferred. A nil conf means confidence 1.0 for every member.
func (r *Resolver) buildGroup(items []prepared, idx []int, reason model.ResolutionReason, conf []float64) model.DuplicateGroup {
	g := model.DuplicateGroup{Reason: reason, Preferred: 0}
	for _, i := range idx {
		c := 1.0
		if conf != nil {
			c = conf[i]
		}
		g.Members = append(g.Members, model.Member{Candidate: items[i].cand, MatchConfidence: c})
	}
	g.IdentityKey = identityKey(items, idx)
	return g
}

// identityKey names the real-world property a group describes.
func identityKey(items []prepared, idx []int) string {
	var uprns, refs []string
	for _, i := range idx {
		if items[i].uprn != "" {
			uprns = append(uprns, items[i].uprn)
		}
		if items[i].ref != "" && items[i].postcode != "" {
			refs = append(refs, items[i].ref+"|"+items[i].postcode)
		}
	}
	switch {
	case len(uprns) > 0:
		return "uprn:" + minNumeric(uprns)
	case len(refs) > 0:
		sort.Strings(refs)
		return "ba:" + refs[0]
	}
	pref := items[idx[0]]
	if len(pref.tokens) == 0 {
		return "ref:" + pref.cand.Record.SourceName + "|" + pref.cand.Record.RawReference
	}
	return "addr:" + pref.postcode + "|" + strings.Join(pref.tokens, " ")
}

// minNumeric returns the numerically smallest digit string.
func minNumeric(vals []string) string {
	best := vals[0]
	for _, v := range vals[1:] {
		if len(v) < len(best) || (len(v) == len(best) && v < best) {
			best = v
		}
	}
	return best
}

// contradiction describes conflicting natural keys inside a merged group.
func (r *Resolver) contradiction(items []prepared, idx []int) string {
	uprns := make(map[string]bool)
	postcodes := make(map[string]bool)
	for _, i := range idx {
		if items[i].uprn != "" {
			uprns[items[i].uprn] = true
		}
		if k := r.opts.PostcodeTolerance.key(items[i].postcode); k != "" {
			postcodes[k] = true
		}
	}
	if len(uprns) > 1 {
		return "conflicting uprns: " + strings.Join(sortedKeys(uprns), ", ")
	}
	if len(postcodes) > 1 {
		return fmt.Sprintf("postcodes differ beyond %s tolerance: %s",
			r.opts.PostcodeTolerance, strings.Join(sortedKeys(postcodes), ", "))
	}
	return ""
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assignIDs derives group IDs from identity keys and sorts the groups by ID.
// Colliding keys are suffixed in preference order of their preferred members.
func assignIDs(groups []model.DuplicateGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].IdentityKey != groups[j].IdentityKey {
			return groups[i].IdentityKey < groups[j].IdentityKey
		}
		return Compare(groups[i].PreferredMember().Candidate, groups[j].PreferredMember().Candidate) < 0
	})
	seen := make(map[string]int, len(groups))
	for i := range groups {
		base := groups[i].IdentityKey
		seen[base]++
		if n := seen[base]; n > 1 {
			groups[i].IdentityKey = fmt.Sprintf("%s#%d", base, n)
		}
	}
	for i := range groups {
		groups[i].GroupID = GroupID(groups[i].IdentityKey)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
}
