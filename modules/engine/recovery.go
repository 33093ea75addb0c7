package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
)

// needsReplay decides at startup whether the materialized view must be
// rebuilt from the earliest log offset. It is true only when no seeded game
// mode has a populated global leaderboard and no player stats exist; if no
// game modes are seeded yet the decision collapses to the player check.
// Store errors fail startup rather than trigger a replay, so a transient
// outage cannot cause a spurious full rebuild.
func (e *Engine) needsReplay(ctx context.Context) (bool, error) {
	modes, err := e.store.GameModeIDs(ctx)
	if err != nil {
		return false, errors.Wrap(err, "listing game modes")
	}

	for _, id := range modes {
		n, err := e.store.ZCard(ctx, scoreboard.GlobalKey(id))
		if err != nil {
			return false, errors.Wrapf(err, "checking global leaderboard for mode %d", id)
		}
		if n > 0 {
			return false, nil
		}
	}

	// Ancillary keys such as the intake rate limiter's
	// player:{id}:last_submission must not count as players.
	playerFound := false
	err = e.store.ScanKeysFunc(ctx, "player:*", func(key string) bool {
		if scoreboard.IsPlayerStatsKey(key) {
			playerFound = true
			return false
		}
		return true
	})
	if err != nil {
		return false, errors.Wrap(err, "scanning for player records")
	}

	return !playerFound, nil
}
