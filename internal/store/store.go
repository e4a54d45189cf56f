// Package store implements the target stores the loader writes canonical rows into.
package store

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/model"
)

// DefaultTable is the target table when none is configured.
const DefaultTable = "properties"

// Target is a store the loader can write canonical property rows into.
type Target interface {
	Ping(ctx context.Context) error
	// DisableIndexes drops the non-unique secondary indexes of the target table.
	DisableIndexes(ctx context.Context) error
	// RebuildIndexes recreates indexes dropped by DisableIndexes.
	RebuildIndexes(ctx context.Context) error
	// WriteBatch runs fn inside one transaction. fn returning an error rolls it back.
	WriteBatch(ctx context.Context, fn func(BatchTx) error) error
	Close() error
}

// BatchTx is the per-batch transactional surface.
type BatchTx interface {
	// PreferredRanks returns the stored preferred row for each identity key present.
	PreferredRanks(ctx context.Context, identityKeys []string) (map[string]model.StoredRank, error)
	// Demote clears is_preferred_record on the given rows.
	Demote(ctx context.Context, recordKeys []string) error
	// Upsert inserts or replaces rows by record_key.
	Upsert(ctx context.Context, rows []model.CanonicalProperty) (int64, error)
}

// Columns is the target column order used by every store.
var Columns = []string{
	"record_key", "identity_key", "duplicate_group_id", "is_preferred_record",
	"source_name", "source_priority", "data_sources", "data_quality_score",
	"resolution_reason", "match_confidence", "uprn", "billing_ref",
	"line1", "line2", "line3", "line4", "line5", "locality", "post_town", "postcode",
	"x", "y", "latitude", "longitude", "coordinate_system", "geometry",
	"attributes", "raw_reference", "run_id", "updated_at",
}

const colDataSources = 6

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func checkTable(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !identRe.MatchString(table) {
		return "", eris.Errorf("store: invalid table name %q", table)
	}
	return table, nil
}

// rowValues flattens a row in Columns order. data_sources is left as []string.
func rowValues(p model.CanonicalProperty, updatedAt time.Time) ([]any, error) {
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal attributes for %s", p.RecordKey)
	}
	sources := p.DataSources
	if sources == nil {
		sources = []string{}
	}
	var geom any
	if len(p.Geometry) > 0 {
		geom = p.Geometry
	}
	return []any{
		p.RecordKey,
		p.IdentityKey,
		p.DuplicateGroupID,
		p.IsPreferredRecord,
		p.SourceName,
		p.SourcePriority,
		sources,
		p.DataQualityScore,
		string(p.ResolutionReason),
		p.MatchConfidence,
		nullString(p.Keys.UPRN),
		nullString(p.Keys.BillingRef),
		nullString(p.Address.Line1),
		nullString(p.Address.Line2),
		nullString(p.Address.Line3),
		nullString(p.Address.Line4),
		nullString(p.Address.Line5),
		nullString(p.Address.Locality),
		nullString(p.Address.PostTown),
		nullString(p.Address.Postcode),
		p.Coordinates.X,
		p.Coordinates.Y,
		p.Coordinates.Lat,
		p.Coordinates.Lon,
		nullString(string(p.Coordinates.System)),
		geom,
		string(attrs),
		p.RawReference,
		p.RunID,
		updatedAt,
	}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
