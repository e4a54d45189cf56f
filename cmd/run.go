package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/config"
	"github.com/sells-group/property-reconciler/internal/extract"
	"github.com/sells-group/property-reconciler/internal/geo"
	"github.com/sells-group/property-reconciler/internal/model"
	"github.com/sells-group/property-reconciler/internal/observability"
	"github.com/sells-group/property-reconciler/internal/reconcile"
	"github.com/sells-group/property-reconciler/internal/resolve"
	"github.com/sells-group/property-reconciler/internal/source"
	"github.com/sells-group/property-reconciler/internal/store"
	"github.com/sells-group/property-reconciler/internal/validate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a reconciliation",
	Long:  "Extracts and validates every enabled source, resolves duplicates, and loads canonical records into the target store. Prints the run summary as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ctx, stop := runContext(cmd.Context())
		defer stop()

		names, _ := cmd.Flags().GetStringSlice("source")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		summary, err := executeRun(ctx, cfg, names, dryRun)
		if summary != nil {
			if perr := printSummary(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// runContext is cancelled on SIGINT or SIGTERM so an interrupted run stops
// between load batches and still reports its summary.
func runContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("sources", "", "sources file (overrides reconcile.sources_file)")
	f.String("data-dir", "", "base directory for source file patterns")
	f.Int("workers", 0, "concurrent source workers (overrides reconcile.max_workers)")
	f.Int("batch-size", 0, "groups per load transaction (overrides reconcile.batch_size)")
	f.Bool("quarantine", false, "keep records with error-severity issues, flagged for review")
	f.Bool("dry-run", false, "resolve duplicates but skip the load phase")
	f.StringSlice("source", nil, "only run the named sources (repeatable)")
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("sources") {
		c.Reconcile.SourcesFile, _ = f.GetString("sources")
	}
	if f.Changed("data-dir") {
		c.Reconcile.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("workers") {
		c.Reconcile.MaxWorkers, _ = f.GetInt("workers")
	}
	if f.Changed("batch-size") {
		c.Reconcile.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("quarantine") {
		c.Reconcile.Quarantine, _ = f.GetBool("quarantine")
	}
}

// coordinateTransformer derives lat/long from projected coordinates. It is nil
// unless a build links a projection collaborator.
var coordinateTransformer geo.Transformer

// buildValidator compiles the declared rules, falling back to the default
// rule set when the sources file declares none.
func buildValidator(specs []source.RuleSpec, quarantine bool, tr geo.Transformer) (*validate.Validator, error) {
	rules := validate.DefaultRules()
	if len(specs) > 0 {
		compiled, err := validate.CompileAll(specs)
		if err != nil {
			return nil, err
		}
		rules = compiled
	}
	opts := []validate.Option{validate.WithQuarantine(quarantine)}
	if tr != nil {
		opts = append(opts, validate.WithTransformer(tr))
	}
	return validate.New(rules, opts...), nil
}

// buildCoordinator wires the run phases from config.
func buildCoordinator(c *config.Config, specs []source.RuleSpec, dryRun bool, options ...reconcile.Option) (*reconcile.Coordinator, error) {
	rc := c.Reconcile

	v, err := buildValidator(specs, rc.Quarantine, coordinateTransformer)
	if err != nil {
		return nil, err
	}

	tol, err := resolve.ParseTolerance(rc.PostcodeTolerance)
	if err != nil {
		return nil, err
	}

	ex := extract.New(
		extract.WithMaxRowErrors(rc.MaxRowErrors),
		extract.WithTempDir(rc.TempDir),
	)
	r := resolve.New(resolve.Options{
		FuzzyThreshold:    rc.FuzzyThreshold,
		DistanceThreshold: rc.DistanceThresholdM,
		PostcodeTolerance: tol,
	})

	return reconcile.New(ex, v, r, reconcile.Options{
		MaxWorkers:    rc.MaxWorkers,
		SourceTimeout: rc.SourceTimeout,
		BatchSize:     rc.BatchSize,
		DataDir:       rc.DataDir,
		DryRun:        dryRun,
	}, options...), nil
}

// executeRun performs one reconciliation against the configured store. The
// summary is returned whenever the run started, even when err is non-nil.
func executeRun(ctx context.Context, c *config.Config, names []string, dryRun bool) (*model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "cmd.run"))

	reg, specs, err := loadRegistry(c.Reconcile.SourcesFile)
	if err != nil {
		return nil, err
	}
	defs, err := reg.Enabled(names...)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, eris.New("run: no enabled sources selected")
	}

	target, runLog, err := initTarget(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	defer target.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	options := []reconcile.Option{reconcile.WithMetrics(metrics)}
	if runLog != nil {
		if err := runLog.EnsureTable(ctx); err != nil {
			log.Warn("run log unavailable", zap.Error(err))
		} else {
			options = append(options, reconcile.WithRecorder(runLog))
		}
	}
	if s, ok := target.(*store.SQLite); ok {
		if err := s.CreateSchema(ctx); err != nil {
			return nil, err
		}
	}

	coord, err := buildCoordinator(c, specs, dryRun, options...)
	if err != nil {
		return nil, err
	}

	summary, runErr := coord.Run(ctx, defs, target)

	if path := c.Metrics.TextfilePath; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			log.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	return summary, runErr
}

// printSummary writes the summary as indented JSON.
func printSummary(w io.Writer, s *model.RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "run: encode summary")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
