package history

import (
	"flag"
	"time"
)

// Config for the history store.
type Config struct {
	// DSN of the operational Postgres database. Empty selects the in-memory
	// store, which loses state on restart.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	AnalysisCacheSize int `yaml:"analysis_cache_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5
	cfg.ConnMaxLifetime = 30 * time.Minute
	cfg.AnalysisCacheSize = 100

	f.StringVar(&cfg.DSN, prefix+".dsn", "", "Postgres DSN for durable baselines and anomalies. Empty runs in-memory.")
}
