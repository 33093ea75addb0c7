package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	batches         prometheus.Counter
	batchDuration   prometheus.Histogram
	batchRetries    prometheus.Counter
	eventsProcessed prometheus.Counter
	eventsMalformed prometheus.Counter
	eventsSkipped   prometheus.Counter
	rankChanges     prometheus.Counter
	replayActive    prometheus.Gauge
	replayDuration  prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) engineMetrics {
	factory := promauto.With(reg)

	return engineMetrics{
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "batches_processed_total",
			Help:      "The total number of consumed batches processed.",
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   "leaderboard",
			Name:                        "batch_duration_seconds",
			Help:                        "Time taken to apply one consumed batch.",
			Buckets:                     prometheus.ExponentialBuckets(0.001, 2, 15),
			NativeHistogramBucketFactor: 1.1,
		}),
		batchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "batch_retries_total",
			Help:      "The total number of batch retries after the store became unavailable.",
		}),
		eventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "events_processed_total",
			Help:      "The total number of score events applied to the leaderboards.",
		}),
		eventsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "events_malformed_total",
			Help:      "The total number of events dropped during decoding or validation.",
		}),
		eventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "events_skipped_total",
			Help:      "The total number of valid events skipped after non-transient apply failures.",
		}),
		rankChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "rank_changes_total",
			Help:      "The total number of rank changes detected while tailing.",
		}),
		replayActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaderboard",
			Name:      "replay_active",
			Help:      "1 while the engine is replaying the event log, 0 while tailing.",
		}),
		replayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leaderboard",
			Name:      "replay_duration_seconds",
			Help:      "Duration of the most recent completed replay.",
		}),
	}
}
