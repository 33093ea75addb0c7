// Package notifier fans rank changes out to downstream systems: the
// leaderboard-updated log and the CDN purge endpoint. Everything here is
// best-effort; a failed publish or purge never fails the event that caused it.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/openarcade/leaderboard-engine/pkg/event"
)

// TopN is the rank threshold at which a change invalidates cached top views.
const TopN = 100

type Notifier struct {
	producer *kgo.Client
	purger   *CachePurger
	logger   log.Logger
	metrics  notifierMetrics
}

func New(producer *kgo.Client, purger *CachePurger, logger log.Logger, reg prometheus.Registerer) *Notifier {
	return &Notifier{
		producer: producer,
		purger:   purger,
		logger:   log.With(logger, "component", "notifier"),
		metrics:  newNotifierMetrics(reg),
	}
}

// PublishRankChange appends a rank change to the output log asynchronously.
// The produce promise only logs and counts failures so the caller's store
// pipeline is never blocked on publish I/O.
func (n *Notifier) PublishRankChange(ctx context.Context, rc event.RankChange) {
	value, err := json.Marshal(rc)
	if err != nil {
		level.Warn(n.logger).Log("msg", "failed to encode rank change", "player", rc.PlayerID, "err", err)
		n.metrics.publishFailures.Inc()
		return
	}

	n.producer.Produce(ctx, &kgo.Record{Value: value}, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Warn(n.logger).Log("msg", "failed to publish rank change", "player", rc.PlayerID, "game_mode", rc.GameMode, "err", err)
			n.metrics.publishFailures.Inc()
			return
		}
		n.metrics.published.Inc()
	})
}

// PurgeTopPaths invalidates the three canonical top-100 read URLs for a game
// mode. Called when a rank change crosses the TopN threshold.
func (n *Notifier) PurgeTopPaths(ctx context.Context, gameMode int) bool {
	n.metrics.purgeAttempts.Inc()
	ok := n.purger.Purge(ctx, TopPaths(gameMode))
	if !ok {
		n.metrics.purgeFailures.Inc()
	}
	return ok
}

// Close flushes buffered rank changes before the producer is shut down.
func (n *Notifier) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.producer.Flush(ctx); err != nil {
		level.Warn(n.logger).Log("msg", "failed to flush pending rank changes", "err", err)
	}
}

// TopPaths returns the canonical read URLs cached for a game mode's top view.
func TopPaths(gameMode int) []string {
	return []string{
		fmt.Sprintf("/api/leaderboard/%d/top100", gameMode),
		fmt.Sprintf("/api/leaderboard/%d?limit=100&offset=0", gameMode),
		fmt.Sprintf("/api/leaderboard/%d?type=global&limit=100&offset=0", gameMode),
	}
}

type notifierMetrics struct {
	published       prometheus.Counter
	publishFailures prometheus.Counter
	purgeAttempts   prometheus.Counter
	purgeFailures   prometheus.Counter
}

func newNotifierMetrics(reg prometheus.Registerer) notifierMetrics {
	factory := promauto.With(reg)

	return notifierMetrics{
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "rank_changes_published_total",
			Help:      "The total number of rank change events published to the output log.",
		}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "rank_change_publish_failures_total",
			Help:      "The total number of rank change events that failed to publish.",
		}),
		purgeAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "cache_purge_attempts_total",
			Help:      "The total number of CDN purge requests attempted.",
		}),
		purgeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leaderboard",
			Name:      "cache_purge_failures_total",
			Help:      "The total number of CDN purge requests that failed.",
		}),
	}
}
