package engine

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/openarcade/leaderboard-engine/pkg/event"
	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
	"github.com/openarcade/leaderboard-engine/pkg/store"
)

// applyScoreEvent queues the full materialized-view update for one validated
// event onto pipe: player upsert, global/daily/weekly leaderboard increments,
// bucket TTLs, and the player stat counters. One event is one pipeline round
// trip when applied on the sequential path. The returned index is the global
// leaderboard increment; its result decides whether the event counts as
// applied for rank diffing.
func (e *Engine) applyScoreEvent(pipe *store.Pipeline, ev event.ScoreEvent, now time.Time) int {
	pipe.UpsertPlayerIfMissing(ev.PlayerID, ev.Username, now)

	globalIdx := pipe.ZIncrBy(scoreboard.GlobalKey(ev.GameMode), ev.PlayerID, ev.Score)

	daily := scoreboard.DailyKey(ev.GameMode, now)
	pipe.ZIncrBy(daily, ev.PlayerID, ev.Score)
	pipe.Expire(daily, scoreboard.DailyTTL)

	// Weekly buckets only accumulate positive scores.
	if ev.Score > 0 {
		weekly := scoreboard.WeeklyKey(ev.GameMode, now)
		pipe.ZIncrBy(weekly, ev.PlayerID, ev.Score)
		pipe.Expire(weekly, scoreboard.WeeklyTTL)
	} else {
		level.Warn(e.logger).Log("msg", "skipping weekly leaderboard update for non-positive score", "player", ev.PlayerID, "game_mode", ev.GameMode, "score", ev.Score)
	}

	pipe.IncPlayerStats(ev.PlayerID, ev.Score)
	return globalIdx
}
