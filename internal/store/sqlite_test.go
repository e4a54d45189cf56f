package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-reconciler/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:", "", clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func testRow(recordKey, identityKey string, preferred bool, priority int) model.CanonicalProperty {
	x, y := 530000.0, 180000.0
	return model.CanonicalProperty{
		RecordKey:         recordKey,
		IdentityKey:       identityKey,
		DuplicateGroupID:  "g-" + identityKey,
		IsPreferredRecord: preferred,
		SourceName:        "council",
		SourcePriority:    priority,
		DataSources:       []string{"council", "lease"},
		DataQualityScore:  0.9,
		ResolutionReason:  model.ReasonDeterministicKey,
		MatchConfidence:   1,
		Keys:              model.NaturalKeys{UPRN: "100"},
		Address:           model.Address{Line1: "10 HIGH STREET", Postcode: "SW1A 1AA"},
		Coordinates:       model.Coordinates{X: &x, Y: &y, System: model.CoordBNG},
		Geometry:          []byte{0x01, 0x01},
		RawReference:      "council.csv:2",
		RunID:             "run-1",
	}
}

func TestSQLite_PingAndInvalidTable(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Ping(context.Background()))

	_, err := NewSQLite(":memory:", "recon.properties", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema-qualified")
}

func TestSQLite_UpsertAndReadBack(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	err := s.WriteBatch(ctx, func(tx BatchTx) error {
		n, err := tx.Upsert(ctx, []model.CanonicalProperty{
			testRow("rk-1", "uprn:100", true, 1),
			testRow("rk-2", "uprn:100", false, 2),
		})
		assert.Equal(t, int64(2), n)
		return err
	})
	require.NoError(t, err)

	props, err := s.Properties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "rk-1", props[0].RecordKey)
	assert.True(t, props[0].IsPreferredRecord)
	assert.False(t, props[1].IsPreferredRecord)
	assert.Equal(t, []string{"council", "lease"}, props[0].DataSources)
	assert.Equal(t, model.ReasonDeterministicKey, props[0].ResolutionReason)
	assert.Equal(t, "100", props[0].Keys.UPRN)
	assert.Equal(t, "SW1A 1AA", props[0].Address.Postcode)

	// Upserting the same key replaces the row instead of duplicating it.
	err = s.WriteBatch(ctx, func(tx BatchTx) error {
		row := testRow("rk-1", "uprn:100", true, 1)
		row.RunID = "run-2"
		_, err := tx.Upsert(ctx, []model.CanonicalProperty{row})
		return err
	})
	require.NoError(t, err)

	props, err = s.Properties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "run-2", props[0].RunID)
}

func TestSQLite_PreferredRanksAndDemote(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.WriteBatch(ctx, func(tx BatchTx) error {
		_, err := tx.Upsert(ctx, []model.CanonicalProperty{
			testRow("rk-1", "uprn:100", true, 3),
			testRow("rk-2", "uprn:100", false, 1),
			testRow("rk-3", "uprn:200", true, 2),
		})
		return err
	}))

	require.NoError(t, s.WriteBatch(ctx, func(tx BatchTx) error {
		ranks, err := tx.PreferredRanks(ctx, []string{"uprn:100", "uprn:200", "uprn:300"})
		require.NoError(t, err)
		require.Len(t, ranks, 2)
		assert.Equal(t, "rk-1", ranks["uprn:100"].RecordKey)
		assert.Equal(t, 3, ranks["uprn:100"].SourcePriority)
		assert.Equal(t, "g-uprn:100", ranks["uprn:100"].DuplicateGroupID)
		assert.InDelta(t, 0.9, ranks["uprn:100"].DataQualityScore, 1e-9)

		return tx.Demote(ctx, []string{"rk-1"})
	}))

	require.NoError(t, s.WriteBatch(ctx, func(tx BatchTx) error {
		ranks, err := tx.PreferredRanks(ctx, []string{"uprn:100"})
		require.NoError(t, err)
		assert.Empty(t, ranks)
		return nil
	}))
}

func TestSQLite_WriteBatch_Rollback(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	err := s.WriteBatch(ctx, func(tx BatchTx) error {
		if _, err := tx.Upsert(ctx, []model.CanonicalProperty{testRow("rk-1", "uprn:100", true, 1)}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	props, err := s.Properties(ctx)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestSQLite_DisableAndRebuildIndexes(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	names, err := s.IndexNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_properties_group", "idx_properties_identity_key", "idx_properties_postcode"}, names)

	require.NoError(t, s.DisableIndexes(ctx))
	names, err = s.IndexNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, s.RebuildIndexes(ctx))
	names, err = s.IndexNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 3)

	// A rebuild with nothing dropped only refreshes statistics.
	require.NoError(t, s.RebuildIndexes(ctx))
}
