package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/db"
	"github.com/sells-group/property-reconciler/internal/model"
)

// Postgres is a Target backed by a pgx pool.
type Postgres struct {
	pool    db.Pool
	closeFn func()
	table   string
	clock   clockwork.Clock

	mu      sync.Mutex
	dropped []string // CREATE INDEX statements of indexes dropped by DisableIndexes
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a Postgres target with a connection pool.
func NewPostgres(ctx context.Context, connString, table string, poolCfg *PoolConfig) (*Postgres, error) {
	table, err := checkTable(table)
	if err != nil {
		return nil, err
	}

	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &Postgres{pool: pool, closeFn: pool.Close, table: table, clock: clockwork.NewRealClock()}, nil
}

// NewPostgresFromPool wraps an existing pool, such as a pgxmock pool in tests.
func NewPostgresFromPool(pool db.Pool, table string, clock clockwork.Clock) (*Postgres, error) {
	table, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Postgres{pool: pool, table: table, clock: clock}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., the run log).
func (s *Postgres) Pool() db.Pool {
	return s.pool
}

// Ping checks that the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return eris.Wrap(err, "postgres: ping")
	}
	return nil
}

func (s *Postgres) schemaAndName() (string, string) {
	if i := strings.IndexByte(s.table, '.'); i >= 0 {
		return s.table[:i], s.table[i+1:]
	}
	return "public", s.table
}

// DisableIndexes drops every non-unique index on the target table and keeps
// their definitions for RebuildIndexes. Unique indexes back the upsert and stay.
func (s *Postgres) DisableIndexes(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.postgres"), zap.String("table", s.table))
	schema, name := s.schemaAndName()

	rows, err := s.pool.Query(ctx,
		`SELECT indexname, indexdef FROM pg_indexes WHERE schemaname = $1 AND tablename = $2 AND indexdef NOT LIKE 'CREATE UNIQUE%' ORDER BY indexname`,
		schema, name)
	if err != nil {
		return eris.Wrap(err, "postgres: list indexes")
	}
	type index struct{ name, def string }
	var indexes []index
	for rows.Next() {
		var ix index
		if err := rows.Scan(&ix.name, &ix.def); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan index")
		}
		indexes = append(indexes, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: list indexes")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ix := range indexes {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", pgx.Identifier{schema, ix.name}.Sanitize())); err != nil {
			return eris.Wrapf(err, "postgres: drop index %s", ix.name)
		}
		s.dropped = append(s.dropped, ix.def)
		log.Debug("dropped index", zap.String("index", ix.name))
	}
	log.Info("indexes disabled", zap.Int("count", len(indexes)))
	return nil
}

// RebuildIndexes recreates the dropped indexes and refreshes planner statistics.
func (s *Postgres) RebuildIndexes(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.postgres"), zap.String("table", s.table))
	start := s.clock.Now()

	s.mu.Lock()
	defs := s.dropped
	s.dropped = nil
	s.mu.Unlock()

	for i, def := range defs {
		if _, err := s.pool.Exec(ctx, def); err != nil {
			s.mu.Lock()
			s.dropped = append(defs[i:], s.dropped...)
			s.mu.Unlock()
			return eris.Wrapf(err, "postgres: rebuild index: %s", def)
		}
	}

	if _, err := s.pool.Exec(ctx, "ANALYZE "+db.SanitizeTable(s.table)); err != nil {
		return eris.Wrap(err, "postgres: analyze")
	}

	log.Info("indexes rebuilt", zap.Int("count", len(defs)), zap.Duration("elapsed", s.clock.Since(start)))
	return nil
}

// WriteBatch runs fn in a transaction and commits it when fn succeeds.
func (s *Postgres) WriteBatch(ctx context.Context, fn func(BatchTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatch{tx: tx, table: s.table, now: s.clock.Now().UTC()}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit batch")
	}
	return nil
}

// Close releases the pool when this target owns it.
func (s *Postgres) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type pgBatch struct {
	tx    pgx.Tx
	table string
	now   time.Time
}

func (b *pgBatch) PreferredRanks(ctx context.Context, identityKeys []string) (map[string]model.StoredRank, error) {
	out := make(map[string]model.StoredRank, len(identityKeys))
	if len(identityKeys) == 0 {
		return out, nil
	}

	rows, err := b.tx.Query(ctx, fmt.Sprintf(
		`SELECT identity_key, record_key, duplicate_group_id, source_priority, data_quality_score FROM %s WHERE is_preferred_record AND identity_key = ANY($1)`,
		db.SanitizeTable(b.table)), identityKeys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query preferred ranks")
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var r model.StoredRank
		if err := rows.Scan(&key, &r.RecordKey, &r.DuplicateGroupID, &r.SourcePriority, &r.DataQualityScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan preferred rank")
		}
		out[key] = r
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate preferred ranks")
}

func (b *pgBatch) Demote(ctx context.Context, recordKeys []string) error {
	if len(recordKeys) == 0 {
		return nil
	}
	_, err := b.tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET is_preferred_record = false, updated_at = $2 WHERE record_key = ANY($1)`,
		db.SanitizeTable(b.table)), recordKeys, b.now)
	return eris.Wrap(err, "postgres: demote rows")
}

func (b *pgBatch) Upsert(ctx context.Context, props []model.CanonicalProperty) (int64, error) {
	rows := make([][]any, 0, len(props))
	for _, p := range props {
		vals, err := rowValues(p, b.now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
	}

	n, err := db.UpsertTx(ctx, b.tx, db.UpsertConfig{
		Table:        b.table,
		Columns:      Columns,
		ConflictKeys: []string{"record_key"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert rows")
	}
	return n, nil
}
