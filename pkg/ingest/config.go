// Package ingest owns the Kafka clients: the consumer over score-submitted,
// the producer for leaderboard-updated, and the admin surface used to reset
// consumer group offsets before a replay.
package ingest

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultConsumerGroup is the offset-tracking group of the engine.
	DefaultConsumerGroup = "leaderboard-updater"

	// ScoreSubmittedTopic and LeaderboardUpdatedTopic are the input and
	// output logs. The input topic is pre-provisioned with 10 partitions,
	// keyed by playerId.
	ScoreSubmittedTopic     = "score-submitted"
	LeaderboardUpdatedTopic = "leaderboard-updated"
)

type KafkaConfig struct {
	Brokers  string `yaml:"brokers"`
	ClientID string `yaml:"client_id"`

	Topic         string `yaml:"topic"`
	WriteTopic    string `yaml:"write_topic"`
	ConsumerGroup string `yaml:"consumer_group"`

	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Broker-level retry budget for transient request failures.
	RequestRetries  int           `yaml:"request_retries"`
	RetryBackoffMin time.Duration `yaml:"retry_backoff_min"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Topic = ScoreSubmittedTopic
	cfg.WriteTopic = LeaderboardUpdatedTopic
	cfg.ConsumerGroup = DefaultConsumerGroup
	cfg.SessionTimeout = 30 * time.Second
	cfg.HeartbeatInterval = 3 * time.Second
	cfg.RequestRetries = 8
	cfg.RetryBackoffMin = 100 * time.Millisecond

	f.StringVar(&cfg.Brokers, prefix+".brokers", "localhost:9092", "Comma-separated list of Kafka broker addresses.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "leaderboard-engine", "Kafka client id.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", cfg.ConsumerGroup, "Consumer group used to track score-submitted offsets.")
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Brokers == "" {
		return fmt.Errorf("kafka brokers must not be empty")
	}
	if cfg.Topic == "" || cfg.WriteTopic == "" {
		return fmt.Errorf("kafka topics must not be empty")
	}
	if cfg.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group must not be empty")
	}
	return nil
}

func (cfg *KafkaConfig) BrokerList() []string {
	parts := strings.Split(cfg.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
