package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/property-reconciler/internal/runlog"
	"github.com/sells-group/property-reconciler/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
	Long:  "Lists and shows runs recorded in the Postgres run log.",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		log, closeFn, err := openRunLog(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := log.List(ctx, limit)
		if err != nil {
			return err
		}

		formatRunsList(os.Stdout, entries)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its full summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		log, closeFn, err := openRunLog(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		entry, err := log.Get(ctx, args[0])
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func openRunLog(cmd *cobra.Command) (*runlog.Log, func(), error) {
	pg, err := store.NewPostgres(cmd.Context(), cfg.Store.DatabaseURL, cfg.Store.Table, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return runlog.New(pg.Pool(), cfg.Store.RunLogTable), func() { _ = pg.Close() }, nil
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tINSERTED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t-------\t--------\t--------\t-----")

	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.RunID),
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			formatRunDuration(e),
			e.RecordsInserted,
			truncate(e.Error, 40),
		)
	}
	_ = w.Flush()
}

func formatRunDuration(e runlog.Entry) string {
	if e.CompletedAt == nil {
		return "-"
	}
	return e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
