package store

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry is the per-operation retry budget. Exhaustion surfaces as
	// ErrStoreUnavailable.
	Retry backoff.Config `yaml:"retry"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.PoolSize = 10
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second
	cfg.Retry = backoff.Config{
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 3,
	}

	f.StringVar(&cfg.Address, prefix+".address", "localhost:6379", "host:port of the leaderboard store.")
	f.StringVar(&cfg.Password, prefix+".password", "", "Password for the leaderboard store.")
	f.IntVar(&cfg.DB, prefix+".db", 0, "Store database number.")
	f.IntVar(&cfg.PoolSize, prefix+".pool-size", cfg.PoolSize, "Connection pool size for the store client.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("store address must not be empty")
	}
	if cfg.Retry.MaxRetries <= 0 {
		return fmt.Errorf("store retry budget must be greater than 0, got %d", cfg.Retry.MaxRetries)
	}
	return nil
}
