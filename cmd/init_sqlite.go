package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-reconciler/internal/store"
)

var initSQLiteCmd = &cobra.Command{
	Use:   "init-sqlite",
	Short: "Create the canonical table in a SQLite target",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if path, _ := cmd.Flags().GetString("path"); path != "" {
			cfg.Store.DatabaseURL = path
		}
		if err := cfg.Validate("init-sqlite"); err != nil {
			return err
		}

		s, err := store.NewSQLite(cfg.Store.DatabaseURL, cfg.Store.Table, nil)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		if err := s.CreateSchema(cmd.Context()); err != nil {
			return err
		}

		zap.L().Info("sqlite schema ready",
			zap.String("path", cfg.Store.DatabaseURL),
			zap.String("table", cfg.Store.Table),
		)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.Store.DatabaseURL)
		return err
	},
}

func init() {
	initSQLiteCmd.Flags().String("path", "", "sqlite file (overrides store.database_url)")
	rootCmd.AddCommand(initSQLiteCmd)
}
