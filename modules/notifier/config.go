package notifier

import (
	"flag"
	"fmt"
	"time"
)

const (
	ProviderCloudflare = "cloudflare"
	ProviderFastly     = "fastly"
)

// PurgeConfig configures the CDN purge client. An empty URL disables purging
// entirely; the notifier then treats every purge as a successful no-op.
type PurgeConfig struct {
	URL      string        `yaml:"url"`
	Key      string        `yaml:"key"`
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (cfg *PurgeConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Provider = ProviderCloudflare
	cfg.Timeout = 5 * time.Second

	f.StringVar(&cfg.URL, prefix+".url", "", "CDN purge endpoint. Empty disables cache purging.")
	f.StringVar(&cfg.Key, prefix+".key", "", "CDN purge credential.")
	f.StringVar(&cfg.Provider, prefix+".provider", cfg.Provider, "CDN provider shape: cloudflare or fastly.")
}

func (cfg *PurgeConfig) Validate() error {
	if cfg.URL == "" {
		return nil
	}
	switch cfg.Provider {
	case ProviderCloudflare, ProviderFastly:
		return nil
	default:
		return fmt.Errorf("unknown cdn provider %q", cfg.Provider)
	}
}
