// Package engine is the leaderboard update engine: it consumes the
// score-submitted log, maintains the materialized leaderboards and player
// stats in the store, and fans rank changes out through the notifier. On a
// cold store it replays the log from the earliest offset with notifications
// suppressed, then crosses over to tailing once it has caught up.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"

	"github.com/openarcade/leaderboard-engine/modules/notifier"
	"github.com/openarcade/leaderboard-engine/pkg/event"
	"github.com/openarcade/leaderboard-engine/pkg/ingest"
	"github.com/openarcade/leaderboard-engine/pkg/store"
)

// rankNotifier is the downstream fan-out consumed by the dispatcher.
type rankNotifier interface {
	PublishRankChange(ctx context.Context, rc event.RankChange)
	PurgeTopPaths(ctx context.Context, gameMode int) bool
	Close(ctx context.Context)
}

type Engine struct {
	services.Service

	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer

	store    *store.Gateway
	notifier rankNotifier

	reader *kgo.Client
	writer *kgo.Client
	adm    *kadm.Client

	metrics engineMetrics

	// Replay bookkeeping. The consume loop and the idle watcher both end a
	// replay through the same compare-and-swap, so the flip happens exactly
	// once no matter which condition fires first.
	replaying    atomic.Bool
	emptyBatches atomic.Int64
	lastBatchAt  atomic.Int64
	replayStart  atomic.Int64

	isRunning atomic.Bool
	wg        sync.WaitGroup
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	instanceID := uuid.NewString()[:8]
	logger = log.With(logger, "component", "engine", "instance", instanceID)

	gw := store.NewGateway(cfg.Store, logger)

	writerCfg := cfg.Kafka
	writerCfg.ClientID = cfg.Kafka.ClientID + "-writer-" + instanceID
	writer, err := ingest.NewWriterClient(writerCfg, ingest.NewWriterMetrics(reg), logger)
	if err != nil {
		return nil, err
	}

	purger := notifier.NewCachePurger(cfg.Purge, logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		store:    gw,
		notifier: notifier.New(writer, purger, logger, reg),
		writer:   writer,
		adm:      kadm.NewClient(writer),
		metrics:  newEngineMetrics(reg),
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Engine) starting(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return errors.Wrap(err, "store unreachable at startup")
	}

	replay, err := e.needsReplay(ctx)
	if err != nil {
		return errors.Wrap(err, "deciding replay at startup")
	}

	if replay {
		// Offsets must be gone before the group subscribes; a failed reset
		// still falls back to consuming from the beginning.
		ingest.ResetGroupToEarliest(ctx, e.adm, e.cfg.Kafka.ConsumerGroup, e.logger)
		e.replaying.Store(true)
		e.replayStart.Store(time.Now().UnixNano())
		e.metrics.replayActive.Set(1)
		level.Info(e.logger).Log("msg", "materialized view is empty, replaying event log from earliest offset")
	} else {
		level.Info(e.logger).Log("msg", "materialized view present, tailing live events")
	}

	readerCfg := e.cfg.Kafka
	readerCfg.ClientID = e.cfg.Kafka.ClientID + "-" + uuid.NewString()[:8]
	reader, err := ingest.NewReaderClient(readerCfg, replay, ingest.NewReaderMetrics(e.reg), e.logger)
	if err != nil {
		return err
	}
	e.reader = reader
	e.lastBatchAt.Store(time.Now().UnixNano())
	return nil
}

func (e *Engine) running(ctx context.Context) error {
	e.isRunning.Store(true)
	defer e.isRunning.Store(false)

	if e.replaying.Load() {
		e.wg.Add(1)
		go e.runIdleWatcher(ctx)
	}

	for ctx.Err() == nil {
		pollCtx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
		fetches := e.reader.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		if err := collectFetchErrs(fetches); err != nil {
			level.Error(e.logger).Log("msg", "encountered error while fetching", "err", err)
		}

		if err := e.consumeFetches(ctx, fetches); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (e *Engine) stopping(_ error) error {
	level.Info(e.logger).Log("msg", "stopping leaderboard engine")
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := multierror.New()
	if e.reader != nil {
		if err := e.reader.CommitUncommittedOffsets(ctx); err != nil {
			level.Warn(e.logger).Log("msg", "final offset commit failed", "err", err)
		}
		e.reader.Close()
	}
	e.notifier.Close(ctx)
	e.writer.Close()
	errs.Add(e.store.Close())
	return errs.Err()
}

// Ready reports whether the engine is running and has finished any replay.
func (e *Engine) Ready() bool {
	return e.isRunning.Load() && !e.replaying.Load()
}

// consumeFetches applies every partition batch in the fetch and commits the
// polled offsets only after all of them succeeded. A store outage retries the
// affected batch in place; nothing is committed until it goes through.
func (e *Engine) consumeFetches(ctx context.Context, fetches kgo.Fetches) error {
	if fetches.NumRecords() == 0 {
		return nil
	}

	var firstErr error
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if firstErr != nil {
			return
		}
		firstErr = e.processBatchWithRetry(ctx, p.Partition, p.Records)
	})
	if firstErr != nil {
		return firstErr
	}

	if err := e.reader.CommitUncommittedOffsets(ctx); err != nil {
		// The records were applied; a failed commit means redelivery, which
		// the at-least-once contract allows.
		level.Error(e.logger).Log("msg", "failed to commit offsets", "err", err)
	}
	return nil
}

func (e *Engine) processBatchWithRetry(ctx context.Context, partition int32, records []*kgo.Record) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 0,
	})

	for boff.Ongoing() {
		err := e.processBatch(ctx, partition, records)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		e.metrics.batchRetries.Inc()
		level.Error(e.logger).Log("msg", "store unavailable, retrying batch without committing", "partition", partition, "records", len(records), "err", err)
		boff.Wait()
	}
	return boff.Err()
}

// runIdleWatcher ends a replay when the broker has delivered nothing for the
// configured idle timeout, meaning the tail has been reached and no new
// events are arriving.
func (e *Engine) runIdleWatcher(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.replaying.Load() {
				return
			}
			idle := time.Since(time.Unix(0, e.lastBatchAt.Load()))
			if idle >= e.cfg.IdleTimeout {
				e.exitReplay("idle timeout")
				return
			}
		}
	}
}

// exitReplay flips the engine from replaying to tailing. The CAS guarantees
// a single transition even when the empty-batch counter and the idle watcher
// race.
func (e *Engine) exitReplay(reason string) {
	if !e.replaying.CompareAndSwap(true, false) {
		return
	}
	e.emptyBatches.Store(0)
	e.metrics.replayActive.Set(0)

	duration := time.Since(time.Unix(0, e.replayStart.Load()))
	e.metrics.replayDuration.Set(duration.Seconds())
	level.Info(e.logger).Log("msg", "replay complete, tailing live events", "reason", reason, "duration", duration)
}

func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Poll timeouts are how tail silence surfaces; the idle watcher
			// decides what to do about it.
			return
		}
		mErr.Add(err)
	})
	return mErr.Err()
}
