// Package load bulk-writes resolved duplicate groups into a target store.
package load

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/observability"
	"github.com/sells-group/property-reconciler/internal/resilience"
	"github.com/sells-group/property-reconciler/internal/store"
)

// DefaultBatchSize is the number of groups written per transaction.
const DefaultBatchSize = 10000

// Loader writes groups to a store.Target in transactional batches.
type Loader struct {
	target    store.Target
	batchSize int
	runID     string
	retry     resilience.RetryConfig
	metrics   *observability.Metrics
	clock     clockwork.Clock
}

// Option configures a Loader.
type Option func(*Loader)

// WithBatchSize sets the number of groups per batch.
func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithRunID stamps written rows with the run ID.
func WithRunID(id string) Option {
	return func(l *Loader) { l.runID = id }
}

// WithRetry overrides the batch retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Loader) { l.retry = cfg }
}

// WithMetrics records batch timings and outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithClock sets the clock used for batch timings.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

// New creates a Loader for target.
func New(target store.Target, opts ...Option) *Loader {
	l := &Loader{
		target:    target,
		batchSize: DefaultBatchSize,
		retry:     resilience.BatchRetryConfig(),
		clock:     clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.retry.OnRetry == nil {
		l.retry.OnRetry = resilience.RetryLogger("load", "write_batch")
	}
	return l
}

// Load disables secondary indexes, writes groups batch by batch, and rebuilds
// the indexes once at the end. A batch that fails after its retry is recorded
// in summary and skipped. Cancellation is checked between batches; a batch
// already in flight completes. The returned error is an index rebuild failure.
func (l *Loader) Load(ctx context.Context, groups []model.DuplicateGroup, summary *model.RunSummary) error {
	log := zap.L().With(zap.String("component", "load"), zap.String("run_id", l.runID))

	if err := l.target.DisableIndexes(ctx); err != nil {
		log.Warn("load: disable indexes failed, writing with indexes in place", zap.Error(err))
	}

	total := (len(groups) + l.batchSize - 1) / l.batchSize
	for batch := 0; batch < total; batch++ {
		if ctx.Err() != nil {
			log.Warn("load: cancelled between batches",
				zap.Int("batches_done", batch),
				zap.Int("batches_total", total),
			)
			summary.MarkCancelled()
			break
		}

		lo := batch * l.batchSize
		hi := min(lo+l.batchSize, len(groups))
		l.runBatch(context.WithoutCancel(ctx), batch+1, groups[lo:hi], summary, log)
	}

	if err := l.target.RebuildIndexes(context.WithoutCancel(ctx)); err != nil {
		return eris.Wrap(err, "load: rebuild indexes")
	}

	log.Info("load complete",
		zap.Int("batches", total),
		zap.Int("groups", len(groups)),
	)
	return nil
}

func (l *Loader) runBatch(ctx context.Context, n int, groups []model.DuplicateGroup, summary *model.RunSummary, log *zap.Logger) {
	start := l.clock.Now()
	var written int64

	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		written = 0
		return l.target.WriteBatch(ctx, func(tx store.BatchTx) error {
			var err error
			written, err = l.writeGroups(ctx, tx, groups)
			return err
		})
	})

	elapsed := l.clock.Since(start)
	if err != nil {
		bwe := &model.BatchWriteError{Batch: n, Err: err}
		log.Error("load: batch skipped", zap.Int("groups", len(groups)), zap.Error(bwe))
		summary.AddBatchFailure(model.BatchFailure{Batch: n, Groups: len(groups), Error: err.Error()})
		l.metrics.ObserveBatch(elapsed, 0, true)
		return
	}

	summary.AddBatch(written)
	l.metrics.ObserveBatch(elapsed, written, false)
	log.Debug("load: batch committed",
		zap.Int("batch", n),
		zap.Int("groups", len(groups)),
		zap.Int64("rows", written),
		zap.Duration("elapsed", elapsed),
	)
}

func (l *Loader) writeGroups(ctx context.Context, tx store.BatchTx, groups []model.DuplicateGroup) (int64, error) {
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		keys = append(keys, g.IdentityKey)
	}

	ranks, err := tx.PreferredRanks(ctx, keys)
	if err != nil {
		return 0, err
	}

	var rows []model.CanonicalProperty
	var demote []string
	for _, g := range groups {
		if len(g.Members) == 0 {
			continue
		}
		stored, ok := ranks[g.IdentityKey]
		gRows, beaten := reconcileStored(groupRows(g, l.runID), g.Preferred, stored, ok)
		rows = append(rows, gRows...)
		if beaten != "" {
			demote = append(demote, beaten)
		}
	}

	if err := tx.Demote(ctx, demote); err != nil {
		return 0, err
	}
	return tx.Upsert(ctx, rows)
}
