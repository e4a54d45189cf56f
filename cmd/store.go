package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-reconciler/internal/config"
	"github.com/sells-group/property-reconciler/internal/runlog"
	"github.com/sells-group/property-reconciler/internal/store"
)

// initTarget opens the configured target store. The run log is only available
// on Postgres and is nil otherwise.
func initTarget(ctx context.Context, sc config.StoreConfig) (store.Target, *runlog.Log, error) {
	switch sc.Driver {
	case "sqlite":
		s, err := store.NewSQLite(sc.DatabaseURL, sc.Table, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, sc.DatabaseURL, sc.Table, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, runlog.New(pg.Pool(), sc.RunLogTable), nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}
