package engine

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/openarcade/leaderboard-engine/modules/notifier"
	"github.com/openarcade/leaderboard-engine/pkg/event"
	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
	"github.com/openarcade/leaderboard-engine/pkg/store"
)

// groupKey identifies the per-key ordering domain: all events for one player
// in one game mode apply strictly in arrival order.
type groupKey struct {
	playerID string
	gameMode int
}

// processBatch applies one consumed partition batch: decode and validate,
// replay bookkeeping, initial rank snapshot, hot-group/singleton split,
// application, and rank-change fan-out while tailing. Only
// store.ErrStoreUnavailable propagates; it aborts the batch before its
// offsets are committed.
func (e *Engine) processBatch(ctx context.Context, partition int32, records []*kgo.Record) error {
	start := time.Now()

	events := make([]event.ScoreEvent, 0, len(records))
	for _, rec := range records {
		ev, err := event.DecodeScoreEvent(rec.Value)
		if err != nil {
			level.Warn(e.logger).Log("msg", "dropping malformed event", "partition", partition, "offset", rec.Offset, "err", err)
			e.metrics.eventsMalformed.Inc()
			continue
		}
		events = append(events, ev)
	}

	if e.replaying.Load() {
		e.lastBatchAt.Store(time.Now().UnixNano())
		if len(events) == 0 {
			if e.emptyBatches.Inc() >= int64(e.cfg.EmptyBatchThreshold) {
				e.exitReplay("consecutive empty batches")
			}
		} else {
			e.emptyBatches.Store(0)
		}
	}

	if len(events) == 0 {
		return nil
	}

	now := time.Now()

	initial, err := e.snapshotInitialRanks(ctx, events)
	if err != nil {
		return err
	}

	// Group by key preserving arrival order both inside a group and across
	// first appearances.
	groups := make(map[groupKey][]event.ScoreEvent)
	order := make([]groupKey, 0, len(events))
	for _, ev := range events {
		k := groupKey{playerID: ev.PlayerID, gameMode: ev.GameMode}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	var hot, singles []groupKey
	for _, k := range order {
		if len(groups[k]) >= 2 {
			hot = append(hot, k)
		} else {
			singles = append(singles, k)
		}
	}

	tailing := !e.replaying.Load()

	// Hot groups are independent of each other and of the singleton
	// pipeline; only order inside a single key matters.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.HotGroupConcurrency)
	for _, k := range hot {
		k := k
		g.Go(func() error {
			return e.applyHotGroup(gctx, k, groups[k], initial[k], tailing, now)
		})
	}
	g.Go(func() error {
		return e.applySingletons(gctx, singles, groups, initial, tailing, now)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.metrics.batches.Inc()
	e.metrics.batchDuration.Observe(time.Since(start).Seconds())
	return nil
}

// snapshotInitialRanks reads each distinct key's global rank once, before any
// event in the batch is applied. These are the old ranks for notifications.
func (e *Engine) snapshotInitialRanks(ctx context.Context, events []event.ScoreEvent) (map[groupKey]*int64, error) {
	pipe := e.store.Pipeline()
	idx := make(map[groupKey]int)
	for _, ev := range events {
		k := groupKey{playerID: ev.PlayerID, gameMode: ev.GameMode}
		if _, ok := idx[k]; ok {
			continue
		}
		idx[k] = pipe.ZRevRank(scoreboard.GlobalKey(k.gameMode), k.playerID)
	}
	if err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	initial := make(map[groupKey]*int64, len(idx))
	for k, i := range idx {
		rank, found, err := pipe.IntResult(i)
		if err != nil {
			level.Warn(e.logger).Log("msg", "failed to read initial rank, treating as unranked", "player", k.playerID, "game_mode", k.gameMode, "err", err)
			initial[k] = nil
			continue
		}
		if !found {
			initial[k] = nil
			continue
		}
		r := rank + 1
		initial[k] = &r
	}
	return initial, nil
}

// applyHotGroup applies a multi-event group strictly in arrival order. Each
// application diffs against the rank current immediately before it: the first
// event against the batch snapshot, later events against the previous
// application's result.
func (e *Engine) applyHotGroup(ctx context.Context, k groupKey, evs []event.ScoreEvent, initialRank *int64, tailing bool, now time.Time) error {
	prev := initialRank
	for _, ev := range evs {
		pipe := e.store.Pipeline()
		globalIdx := e.applyScoreEvent(pipe, ev, now)
		if err := pipe.Exec(ctx); err != nil {
			return err
		}

		// The pipeline is not atomic: a rejected leaderboard increment means
		// this event has no rank to diff, whatever else applied.
		if _, ok, cmdErr := pipe.FloatResult(globalIdx); cmdErr != nil || !ok {
			level.Error(e.logger).Log("msg", "skipping event after apply failure", "player", k.playerID, "game_mode", k.gameMode, "err", cmdErr)
			e.metrics.eventsSkipped.Inc()
			continue
		}
		e.metrics.eventsProcessed.Inc()

		rs, found, err := e.store.ZRevRankAndScore(ctx, scoreboard.GlobalKey(k.gameMode), k.playerID)
		if err != nil {
			return err
		}
		if !found {
			level.Warn(e.logger).Log("msg", "player missing from leaderboard after apply", "player", k.playerID, "game_mode", k.gameMode)
			continue
		}

		if tailing && (prev == nil || *prev != rs.Rank) {
			e.emitRankChange(ctx, k, prev, rs, now)
		}
		r := rs.Rank
		prev = &r
	}
	return nil
}

// applySingletons queues every singleton's update into one pipeline round
// trip, then (while tailing) reads the new ranks and diffs against the batch
// snapshot.
func (e *Engine) applySingletons(ctx context.Context, keys []groupKey, groups map[groupKey][]event.ScoreEvent, initial map[groupKey]*int64, tailing bool, now time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	pipe := e.store.Pipeline()
	globalIdx := make(map[groupKey]int, len(keys))
	for _, k := range keys {
		globalIdx[k] = e.applyScoreEvent(pipe, groups[k][0], now)
	}
	if err := pipe.Exec(ctx); err != nil {
		return err
	}

	// The pipeline is not atomic, so account per event: one rejected
	// leaderboard increment drops that event from rank diffing without
	// discarding the rest of the batch.
	applied := make([]groupKey, 0, len(keys))
	for _, k := range keys {
		if _, ok, cmdErr := pipe.FloatResult(globalIdx[k]); cmdErr != nil || !ok {
			level.Error(e.logger).Log("msg", "skipping event after apply failure", "player", k.playerID, "game_mode", k.gameMode, "err", cmdErr)
			e.metrics.eventsSkipped.Inc()
			continue
		}
		applied = append(applied, k)
	}
	e.metrics.eventsProcessed.Add(float64(len(applied)))

	if !tailing || len(applied) == 0 {
		return nil
	}

	rankPipe := e.store.Pipeline()
	rankIdx := make(map[groupKey][2]int, len(applied))
	for _, k := range applied {
		global := scoreboard.GlobalKey(k.gameMode)
		rankIdx[k] = [2]int{rankPipe.ZRevRank(global, k.playerID), rankPipe.ZScore(global, k.playerID)}
	}
	if err := rankPipe.Exec(ctx); err != nil {
		return err
	}

	for _, k := range applied {
		rank, foundRank, err := rankPipe.IntResult(rankIdx[k][0])
		if err != nil {
			level.Error(e.logger).Log("msg", "failed to read rank after singleton apply", "player", k.playerID, "err", err)
			continue
		}
		score, foundScore, err := rankPipe.FloatResult(rankIdx[k][1])
		if err != nil || !foundRank || !foundScore {
			level.Warn(e.logger).Log("msg", "player missing from leaderboard after singleton apply", "player", k.playerID, "game_mode", k.gameMode)
			continue
		}

		rs := store.RankScore{Rank: rank + 1, Score: int64(score)}
		old := initial[k]
		if old == nil || *old != rs.Rank {
			e.emitRankChange(ctx, k, old, rs, now)
		}
	}
	return nil
}

// emitRankChange publishes the change and, when it touches the cached top
// view on either side, purges the CDN paths for that game mode.
func (e *Engine) emitRankChange(ctx context.Context, k groupKey, oldRank *int64, rs store.RankScore, now time.Time) {
	e.metrics.rankChanges.Inc()
	e.notifier.PublishRankChange(ctx, event.RankChange{
		GameMode:  k.gameMode,
		PlayerID:  k.playerID,
		OldRank:   oldRank,
		NewRank:   rs.Rank,
		Score:     rs.Score,
		Timestamp: now.UTC(),
	})

	if (oldRank != nil && *oldRank <= notifier.TopN) || rs.Rank <= notifier.TopN {
		e.notifier.PurgeTopPaths(ctx, k.gameMode)
	}
}
