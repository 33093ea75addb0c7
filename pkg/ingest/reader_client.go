package ingest

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClient returns the group consumer over the score-submitted topic.
// Offsets are committed explicitly by the caller after each successfully
// handled batch, never before. fromBeginning controls where partitions with
// no committed offset for the group start consuming.
func NewReaderClient(cfg KafkaConfig, fromBeginning bool, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	resetOffset := kgo.NewOffset().AtEnd()
	if fromBeginning {
		resetOffset = kgo.NewOffset().AtStart()
	}

	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.DisableAutoCommit(),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxWait(time.Second),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	return client, nil
}

// NewWriterClient returns the producer for the leaderboard-updated topic.
func NewWriterClient(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.WriteTopic),
		kgo.AllowAutoTopicCreation(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka writer client")
	}
	return client, nil
}

func commonClientOptions(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BrokerList()...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequestRetries(cfg.RequestRetries),
		kgo.RetryBackoffFn(exponentialBackoff(cfg.RetryBackoffMin)),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

// exponentialBackoff doubles per attempt from min, with light jitter,
// capped at 10x min.
func exponentialBackoff(min time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := min
		for i := 1; i < attempt && d < 10*min; i++ {
			d *= 2
		}
		if d > 10*min {
			d = 10 * min
		}
		return d + time.Duration(rand.Int63n(int64(min/2)+1))
	}
}

// ResetGroupToEarliest deletes the consumer group's stored offsets so a
// subsequent subscribe with fromBeginning starts at the earliest offset.
// A missing group is a no-op success. Any other failure logs a warning and
// returns false; the caller's fallback is still to subscribe from beginning.
func ResetGroupToEarliest(ctx context.Context, adm *kadm.Client, group string, logger log.Logger) bool {
	resp, err := adm.DeleteGroup(ctx, group)
	if err == nil {
		err = resp.Err
	}
	if err == nil || errors.Is(err, kerr.GroupIDNotFound) {
		level.Info(logger).Log("msg", "reset consumer group to earliest", "group", group)
		return true
	}

	level.Warn(logger).Log("msg", "failed to reset consumer group, will still consume from beginning", "group", group, "err", err)
	return false
}

// NewReaderMetrics registers franz-go client metrics for the consumer.
func NewReaderMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("leaderboard_ingest_reader", kprom.Registerer(reg))
}

// NewWriterMetrics registers franz-go client metrics for the producer.
func NewWriterMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("leaderboard_ingest_writer", kprom.Registerer(reg))
}

type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger {
	return kgoLogger{logger: log.With(logger, "component", "kafka_client")}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...interface{}) {
	keyvals = append([]interface{}{"msg", msg}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(keyvals...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(keyvals...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(keyvals...)
	default:
		level.Info(l.logger).Log(keyvals...)
	}
}
