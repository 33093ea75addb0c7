package engine

import (
	"flag"
	"fmt"
	"time"

	"github.com/openarcade/leaderboard-engine/modules/notifier"
	"github.com/openarcade/leaderboard-engine/pkg/ingest"
	"github.com/openarcade/leaderboard-engine/pkg/store"
)

type Config struct {
	Kafka ingest.KafkaConfig   `yaml:"kafka"`
	Store store.Config         `yaml:"store"`
	Purge notifier.PurgeConfig `yaml:"cache_purge"`

	// EmptyBatchThreshold is how many consecutive batches with zero valid
	// events end a replay. IdleTimeout ends a replay when the broker stops
	// delivering batches entirely; whichever fires first wins.
	EmptyBatchThreshold int           `yaml:"empty_batch_threshold"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`

	// PollTimeout bounds a single fetch so that tail silence surfaces as
	// empty deliveries instead of blocking the consume loop.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// HotGroupConcurrency bounds the fan-out across independent
	// (player, gameMode) groups within one batch.
	HotGroupConcurrency int `yaml:"hot_group_concurrency"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)
	cfg.Store.RegisterFlagsAndApplyDefaults(prefix+".store", f)
	cfg.Purge.RegisterFlagsAndApplyDefaults(prefix+".cache-purge", f)

	cfg.PollTimeout = time.Second
	cfg.HotGroupConcurrency = 8

	f.IntVar(&cfg.EmptyBatchThreshold, prefix+".empty-batch-threshold", 3, "Consecutive empty batches that end a replay.")
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", 5*time.Second, "Idle time without batches that ends a replay.")
}

func (cfg *Config) Validate() error {
	if cfg.EmptyBatchThreshold <= 0 {
		return fmt.Errorf("empty_batch_threshold must be greater than 0, got %d", cfg.EmptyBatchThreshold)
	}
	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be greater than 0, got %s", cfg.IdleTimeout)
	}
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be greater than 0, got %s", cfg.PollTimeout)
	}
	if cfg.HotGroupConcurrency <= 0 {
		return fmt.Errorf("hot_group_concurrency must be greater than 0, got %d", cfg.HotGroupConcurrency)
	}
	if err := cfg.Kafka.Validate(); err != nil {
		return err
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	return cfg.Purge.Validate()
}
