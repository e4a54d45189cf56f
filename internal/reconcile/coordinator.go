// Package reconcile drives a full run: extract and validate every source in
// parallel, resolve identities once, and bulk-load the result.
package reconcile

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/property-reconciler/internal/extract"
	"github.com/sells-group/property-reconciler/internal/load"
	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/observability"
	"github.com/sells-group/property-reconciler/internal/resolve"
	"github.com/sells-group/property-reconciler/internal/source"
	"github.com/sells-group/property-reconciler/internal/store"
	"github.com/sells-group/property-reconciler/internal/validate"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxWorkers    = 4
	DefaultSourceTimeout = 30 * time.Minute
)

// Options configures a Coordinator.
type Options struct {
	MaxWorkers    int           // concurrent source workers
	SourceTimeout time.Duration // per-source extraction and validation deadline
	BatchSize     int           // groups per load transaction
	DataDir       string        // base for relative file patterns
	DryRun        bool          // resolve but skip the load phase
}

// Recorder persists run lifecycle events. The Postgres run log implements it.
type Recorder interface {
	Start(ctx context.Context, runID string, startedAt time.Time) error
	Complete(ctx context.Context, summary *model.RunSummary) error
}

// Coordinator owns the phases of a run.
type Coordinator struct {
	extractor *extract.Extractor
	validator *validate.Validator
	resolver  *resolve.Resolver
	opts      Options

	recorder Recorder
	metrics  *observability.Metrics
	clock    clockwork.Clock
	newRunID func() string

	process func(ctx context.Context, log *zap.Logger, def source.Definition) ([]model.Candidate, model.SourceSummary, error)
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithRecorder records run start and completion.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock sets the clock used for run timing.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithRunID fixes the run ID generator.
func WithRunID(fn func() string) Option {
	return func(c *Coordinator) { c.newRunID = fn }
}

// New creates a Coordinator.
func New(ex *extract.Extractor, v *validate.Validator, r *resolve.Resolver, opts Options, options ...Option) *Coordinator {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = load.DefaultBatchSize
	}
	c := &Coordinator{
		extractor: ex,
		validator: v,
		resolver:  r,
		opts:      opts,
		clock:     clockwork.NewRealClock(),
		newRunID:  uuid.NewString,
	}
	c.process = c.processSource
	for _, o := range options {
		o(c)
	}
	return c
}

// Run reconciles sources into target. The summary is always returned; the
// error is a *model.RunFailure when the run failed as a whole.
func (c *Coordinator) Run(ctx context.Context, sources []source.Definition, target store.Target) (*model.RunSummary, error) {
	runID := c.newRunID()
	start := c.clock.Now()
	summary := model.NewRunSummary(runID, start.UTC())
	log := zap.L().With(zap.String("component", "reconcile"), zap.String("run_id", runID))

	if c.recorder != nil {
		if err := c.recorder.Start(ctx, runID, start.UTC()); err != nil {
			log.Warn("failed to record run start", zap.Error(err))
		}
	}

	runErr := c.run(ctx, log, sources, target, summary, runID)

	summary.Finalize(c.clock.Since(start))
	c.metrics.ObserveSummary(summary)

	if c.recorder != nil {
		if err := c.recorder.Complete(context.WithoutCancel(ctx), summary); err != nil {
			log.Warn("failed to record run completion", zap.Error(err))
		}
	}

	log.Info("run complete",
		zap.String("status", string(summary.Status)),
		zap.Int64("extracted", summary.RecordsExtracted),
		zap.Int64("validated", summary.RecordsValidated),
		zap.Int64("rejected", summary.RecordsRejected),
		zap.Int("groups", summary.DuplicateGroups),
		zap.Int64("inserted", summary.RecordsInserted),
		zap.Duration("elapsed", summary.Duration),
	)
	return summary, runErr
}

func (c *Coordinator) run(ctx context.Context, log *zap.Logger, sources []source.Definition, target store.Target, summary *model.RunSummary, runID string) error {
	if err := target.Ping(ctx); err != nil {
		return c.fail(log, summary, &model.RunFailure{Reason: "target store unreachable", Err: err})
	}

	candidates := c.extractAll(ctx, log, enabled(sources), summary)

	if ctx.Err() != nil {
		log.Warn("run cancelled after extraction", zap.Error(ctx.Err()))
		summary.MarkCancelled()
		return nil
	}
	if summary.SucceededSources() == 0 {
		return c.fail(log, summary, &model.RunFailure{Reason: "no source succeeded"})
	}

	groups := c.resolver.Resolve(candidates)
	summary.AddGroups(groups)

	if c.opts.DryRun {
		log.Info("dry run: skipping load", zap.Int("groups", len(groups)))
		return nil
	}

	loader := load.New(target,
		load.WithBatchSize(c.opts.BatchSize),
		load.WithRunID(runID),
		load.WithMetrics(c.metrics),
		load.WithClock(c.clock),
	)
	if err := loader.Load(ctx, groups, summary); err != nil {
		return c.fail(log, summary, &model.RunFailure{Reason: "load failed", Err: err})
	}
	return nil
}

func (c *Coordinator) fail(log *zap.Logger, summary *model.RunSummary, rf *model.RunFailure) error {
	log.Error("run failed", zap.Error(rf))
	summary.Fail(rf.Error())
	return rf
}

// enabled drops definitions switched off in the sources file.
func enabled(sources []source.Definition) []source.Definition {
	out := make([]source.Definition, 0, len(sources))
	for _, def := range sources {
		if def.IsEnabled() {
			out = append(out, def)
		}
	}
	return out
}

// extractAll runs one bounded worker per source. A failing source is recorded
// and its records are discarded; the others continue. Candidates are returned
// in source order.
func (c *Coordinator) extractAll(ctx context.Context, log *zap.Logger, sources []source.Definition, summary *model.RunSummary) []model.Candidate {
	results := make([][]model.Candidate, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxWorkers)

	for i, def := range sources {
		g.Go(func() error {
			sLog := log.With(zap.String("source", def.Name))

			srcCtx, cancel := context.WithTimeout(gctx, c.opts.SourceTimeout)
			cands, ss, err := c.process(srcCtx, sLog, def)
			timedOut := srcCtx.Err() == context.DeadlineExceeded
			cancel()

			if err != nil {
				if timedOut {
					sLog.Warn("source timed out", zap.Duration("timeout", c.opts.SourceTimeout))
				}
				sLog.Error("source failed", zap.Error(err))
				ss.Failed = true
				ss.Error = err.Error()
				summary.AddSource(ss)
				return nil // don't abort other sources on individual failure
			}

			summary.AddSource(ss)
			results[i] = cands
			sLog.Info("source complete",
				zap.Int("files", ss.FilesProcessed),
				zap.Int64("extracted", ss.RecordsExtracted),
				zap.Int64("validated", ss.RecordsValidated),
				zap.Int64("rejected", ss.RecordsRejected),
				zap.Int64("row_errors", ss.RowErrors),
			)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// processSource extracts and validates every file of one source. Counters in
// the returned summary hold extracted == validated + rejected.
func (c *Coordinator) processSource(ctx context.Context, log *zap.Logger, def source.Definition) ([]model.Candidate, model.SourceSummary, error) {
	ss := model.SourceSummary{Name: def.Name}

	files, err := c.files(def)
	if err != nil {
		return nil, ss, &model.SourceError{Source: def.Name, Err: err}
	}

	budget := c.extractor.Budget(def)
	var cands []model.Candidate
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, ss, &model.SourceError{Source: def.Name, Err: eris.Wrap(err, "reconcile: stopped between files")}
		}

		recCh, errCh, stats := c.extractor.StreamBudget(ctx, def, path, budget)
		for rec := range recCh {
			rec, qa := c.validator.Validate(rec)
			if !c.validator.Accepted(qa) {
				ss.RecordsRejected++
				log.Debug("record rejected", zap.Error(&model.RecordError{
					Source:    def.Name,
					Reference: rec.RawReference,
					Err:       eris.Errorf("reconcile: %d issues, score %.2f", len(qa.Issues), qa.Score),
				}))
				continue
			}
			ss.RecordsValidated++
			if qa.Quarantined {
				ss.RecordsQuarantined++
			}
			cands = append(cands, model.Candidate{
				Record:        rec,
				Assessment:    qa,
				Priority:      def.Priority,
				SourceQuality: def.QualityScore,
			})
		}
		streamErr := <-errCh

		ss.RecordsExtracted += stats.Extracted
		ss.RowErrors += stats.RowErrors
		if streamErr != nil {
			return nil, ss, streamErr
		}
		ss.FilesProcessed++
	}
	return cands, ss, nil
}

// files resolves a source's pattern against the data directory.
func (c *Coordinator) files(def source.Definition) ([]string, error) {
	pattern := def.FilePattern
	if !filepath.IsAbs(pattern) && c.opts.DataDir != "" {
		pattern = filepath.Join(c.opts.DataDir, pattern)
	}

	matches, err := doublestar.Glob(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: glob %s", pattern)
	}
	if len(matches) == 0 {
		return nil, eris.Errorf("reconcile: no files match %s", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}
