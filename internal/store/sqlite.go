package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/property-reconciler/internal/model"
)

// SQLite is a Target backed by modernc.org/sqlite, used for local runs and tests.
type SQLite struct {
	db    *sql.DB
	table string
	clock clockwork.Clock

	mu      sync.Mutex
	dropped []string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn, table string, clock clockwork.Clock) (*SQLite, error) {
	table, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	if strings.Contains(table, ".") {
		return nil, eris.Errorf("sqlite: schema-qualified table %q not supported", table)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db, table: table, clock: clock}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	record_key          TEXT PRIMARY KEY,
	identity_key        TEXT NOT NULL,
	duplicate_group_id  TEXT NOT NULL,
	is_preferred_record INTEGER NOT NULL DEFAULT 0,
	source_name         TEXT NOT NULL,
	source_priority     INTEGER NOT NULL,
	data_sources        TEXT NOT NULL DEFAULT '[]',
	data_quality_score  REAL NOT NULL,
	resolution_reason   TEXT NOT NULL,
	match_confidence    REAL NOT NULL,
	uprn                TEXT,
	billing_ref         TEXT,
	line1               TEXT,
	line2               TEXT,
	line3               TEXT,
	line4               TEXT,
	line5               TEXT,
	locality            TEXT,
	post_town           TEXT,
	postcode            TEXT,
	x                   REAL,
	y                   REAL,
	latitude            REAL,
	longitude           REAL,
	coordinate_system   TEXT,
	geometry            BLOB,
	attributes          TEXT,
	raw_reference       TEXT NOT NULL,
	run_id              TEXT NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_identity_key ON %[1]s(identity_key);
CREATE INDEX IF NOT EXISTS idx_%[2]s_group ON %[1]s(duplicate_group_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_postcode ON %[1]s(postcode);
`

// CreateSchema creates the target table and its secondary indexes.
func (s *SQLite) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(sqliteSchema, quoteIdent(s.table), s.table))
	return eris.Wrap(err, "sqlite: create schema")
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return eris.Wrap(err, "sqlite: ping")
	}
	return nil
}

// DisableIndexes drops the table's non-unique explicit indexes.
func (s *SQLite) DisableIndexes(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.sqlite"), zap.String("table", s.table))

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL AND sql NOT LIKE 'CREATE UNIQUE%' ORDER BY name`,
		s.table)
	if err != nil {
		return eris.Wrap(err, "sqlite: list indexes")
	}
	type index struct{ name, def string }
	var indexes []index
	for rows.Next() {
		var ix index
		if err := rows.Scan(&ix.name, &ix.def); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan index")
		}
		indexes = append(indexes, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: list indexes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ix := range indexes {
		if _, err := s.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+quoteIdent(ix.name)); err != nil {
			return eris.Wrapf(err, "sqlite: drop index %s", ix.name)
		}
		s.dropped = append(s.dropped, ix.def)
	}
	log.Debug("indexes disabled", zap.Int("count", len(indexes)))
	return nil
}

// RebuildIndexes recreates dropped indexes and runs ANALYZE.
func (s *SQLite) RebuildIndexes(ctx context.Context) error {
	s.mu.Lock()
	defs := s.dropped
	s.dropped = nil
	s.mu.Unlock()

	for i, def := range defs {
		if _, err := s.db.ExecContext(ctx, def); err != nil {
			s.mu.Lock()
			s.dropped = append(defs[i:], s.dropped...)
			s.mu.Unlock()
			return eris.Wrapf(err, "sqlite: rebuild index: %s", def)
		}
	}
	_, err := s.db.ExecContext(ctx, "ANALYZE "+quoteIdent(s.table))
	return eris.Wrap(err, "sqlite: analyze")
}

// IndexNames lists the table's explicit index names.
func (s *SQLite) IndexNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name`, s.table)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list indexes")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan index")
		}
		names = append(names, n)
	}
	return names, eris.Wrap(rows.Err(), "sqlite: list indexes")
}

// WriteBatch runs fn in a transaction and commits it when fn succeeds.
func (s *SQLite) WriteBatch(ctx context.Context, fn func(BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatch{tx: tx, table: s.table, now: s.clock.Now().UTC()}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Properties reads back every stored row ordered by record key.
func (s *SQLite) Properties(ctx context.Context) ([]model.CanonicalProperty, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT record_key, identity_key, duplicate_group_id, is_preferred_record, source_name, source_priority,
		data_sources, data_quality_score, resolution_reason, match_confidence,
		COALESCE(uprn, ''), COALESCE(billing_ref, ''), COALESCE(line1, ''), COALESCE(postcode, ''),
		raw_reference, run_id
		FROM %s ORDER BY record_key`, quoteIdent(s.table)))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query properties")
	}
	defer rows.Close()

	var out []model.CanonicalProperty
	for rows.Next() {
		var p model.CanonicalProperty
		var sources, reason string
		if err := rows.Scan(&p.RecordKey, &p.IdentityKey, &p.DuplicateGroupID, &p.IsPreferredRecord,
			&p.SourceName, &p.SourcePriority, &sources, &p.DataQualityScore, &reason, &p.MatchConfidence,
			&p.Keys.UPRN, &p.Keys.BillingRef, &p.Address.Line1, &p.Address.Postcode,
			&p.RawReference, &p.RunID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan property")
		}
		if err := json.Unmarshal([]byte(sources), &p.DataSources); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode data_sources for %s", p.RecordKey)
		}
		p.ResolutionReason = model.ResolutionReason(reason)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate properties")
}

type sqliteBatch struct {
	tx    *sql.Tx
	table string
	now   time.Time
}

func (b *sqliteBatch) PreferredRanks(ctx context.Context, identityKeys []string) (map[string]model.StoredRank, error) {
	out := make(map[string]model.StoredRank, len(identityKeys))
	if len(identityKeys) == 0 {
		return out, nil
	}

	args := make([]any, len(identityKeys))
	for i, k := range identityKeys {
		args[i] = k
	}
	rows, err := b.tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT identity_key, record_key, duplicate_group_id, source_priority, data_quality_score FROM %s WHERE is_preferred_record = 1 AND identity_key IN (%s)`,
		quoteIdent(b.table), placeholders(len(args))), args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query preferred ranks")
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var r model.StoredRank
		if err := rows.Scan(&key, &r.RecordKey, &r.DuplicateGroupID, &r.SourcePriority, &r.DataQualityScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan preferred rank")
		}
		out[key] = r
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate preferred ranks")
}

func (b *sqliteBatch) Demote(ctx context.Context, recordKeys []string) error {
	if len(recordKeys) == 0 {
		return nil
	}
	args := make([]any, 0, len(recordKeys)+1)
	args = append(args, b.now)
	for _, k := range recordKeys {
		args = append(args, k)
	}
	_, err := b.tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET is_preferred_record = 0, updated_at = ? WHERE record_key IN (%s)`,
		quoteIdent(b.table), placeholders(len(recordKeys))), args...)
	return eris.Wrap(err, "sqlite: demote rows")
}

func (b *sqliteBatch) Upsert(ctx context.Context, props []model.CanonicalProperty) (int64, error) {
	if len(props) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(Columns))
	updates := make([]string, 0, len(Columns)-1)
	for i, c := range Columns {
		quoted[i] = quoteIdent(c)
		if c != "record_key" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}
	stmt, err := b.tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(record_key) DO UPDATE SET %s",
		quoteIdent(b.table), strings.Join(quoted, ", "), placeholders(len(Columns)), strings.Join(updates, ", ")))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	var n int64
	for _, p := range props {
		vals, err := rowValues(p, b.now)
		if err != nil {
			return n, err
		}
		sources, err := json.Marshal(vals[colDataSources])
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: marshal data_sources for %s", p.RecordKey)
		}
		vals[colDataSources] = string(sources)

		res, err := stmt.ExecContext(ctx, vals...)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: upsert %s", p.RecordKey)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
