// Package config loads reconciler settings from config.yaml and RECONCILE_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the target store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
	RunLogTable string `yaml:"run_log_table" mapstructure:"run_log_table"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig holds the run parameters.
type ReconcileConfig struct {
	SourcesFile        string        `yaml:"sources_file" mapstructure:"sources_file"`
	DataDir            string        `yaml:"data_dir" mapstructure:"data_dir"`
	TempDir            string        `yaml:"temp_dir" mapstructure:"temp_dir"`
	MaxWorkers         int           `yaml:"max_workers" mapstructure:"max_workers"`
	BatchSize          int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRowErrors       int           `yaml:"max_row_errors" mapstructure:"max_row_errors"`
	FuzzyThreshold     float64       `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	DistanceThresholdM float64       `yaml:"distance_threshold_m" mapstructure:"distance_threshold_m"`
	PostcodeTolerance  string        `yaml:"postcode_tolerance" mapstructure:"postcode_tolerance"`
	SourceTimeout      time.Duration `yaml:"source_timeout" mapstructure:"source_timeout"`
	Quarantine         bool          `yaml:"quarantine" mapstructure:"quarantine"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path searches
// the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.table", "properties")
	v.SetDefault("store.run_log_table", "reconcile_runs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reconcile.sources_file", "sources.yaml")
	v.SetDefault("reconcile.data_dir", ".")
	v.SetDefault("reconcile.max_workers", 4)
	v.SetDefault("reconcile.batch_size", 10000)
	v.SetDefault("reconcile.max_row_errors", 100)
	v.SetDefault("reconcile.fuzzy_threshold", 0.8)
	v.SetDefault("reconcile.distance_threshold_m", 50.0)
	v.SetDefault("reconcile.postcode_tolerance", "sector")
	v.SetDefault("reconcile.source_timeout", "30m")
	v.SetDefault("reconcile.quarantine", false)

	// Read config file (optional when searching)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects settings the given command mode cannot use. Modes: "run",
// "runs", "init-sqlite", "sources".
func (c *Config) Validate(mode string) error {
	switch mode {
	case "run":
		if err := c.validateStore(); err != nil {
			return err
		}
		return c.validateReconcile()
	case "runs":
		if c.Store.Driver != "postgres" || c.Store.DatabaseURL == "" {
			return eris.New("config: the run log requires store.driver postgres and store.database_url")
		}
		return nil
	case "init-sqlite":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required (sqlite file path)")
		}
		return nil
	case "sources":
		if c.Reconcile.SourcesFile == "" {
			return eris.New("config: reconcile.sources_file is required")
		}
		return nil
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.Errorf("config: store.database_url is required for the %s driver", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateReconcile() error {
	r := c.Reconcile
	if r.SourcesFile == "" {
		return eris.New("config: reconcile.sources_file is required")
	}
	if r.MaxWorkers < 1 || r.MaxWorkers > 64 {
		return eris.Errorf("config: reconcile.max_workers must be between 1 and 64, got %d", r.MaxWorkers)
	}
	if r.BatchSize < 1 {
		return eris.Errorf("config: reconcile.batch_size must be >= 1, got %d", r.BatchSize)
	}
	if r.MaxRowErrors < 0 {
		return eris.Errorf("config: reconcile.max_row_errors must be >= 0, got %d", r.MaxRowErrors)
	}
	if r.FuzzyThreshold <= 0 || r.FuzzyThreshold > 1 {
		return eris.Errorf("config: reconcile.fuzzy_threshold must be in (0, 1], got %g", r.FuzzyThreshold)
	}
	if r.DistanceThresholdM <= 0 {
		return eris.Errorf("config: reconcile.distance_threshold_m must be > 0, got %g", r.DistanceThresholdM)
	}
	switch r.PostcodeTolerance {
	case "exact", "sector", "district":
	default:
		return eris.Errorf("config: reconcile.postcode_tolerance must be exact, sector or district, got %q", r.PostcodeTolerance)
	}
	if r.SourceTimeout <= 0 {
		return eris.Errorf("config: reconcile.source_timeout must be > 0, got %s", r.SourceTimeout)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
