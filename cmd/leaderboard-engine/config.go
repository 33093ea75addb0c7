package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"gopkg.in/yaml.v2"

	"github.com/openarcade/leaderboard-engine/modules/engine"
)

type Config struct {
	Engine engine.Config `yaml:"engine"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	HTTPListenAddress string `yaml:"http_listen_address"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Engine.RegisterFlagsAndApplyDefaults("engine", f)

	cfg.LogLevel.RegisterFlags(f)
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	f.StringVar(&cfg.HTTPListenAddress, "http-listen-address", ":8080", "Address for the admin HTTP server (/metrics, /ready).")
}

func loadConfig() (*Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &Config{}

	// First find the config file flags; parsing stops at the first unknown
	// flag so each suffix of the arguments is tried.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// Load defaults and register flags.
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// Overlay with the config file if provided.
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// Overlay with cli flags.
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
