package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
)

func TestNeedsReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		e, _, _ := newTestEngine(t)

		replay, err := e.needsReplay(ctx)
		require.NoError(t, err)
		assert.True(t, replay)
	})

	t.Run("seeded game modes with empty leaderboards", func(t *testing.T) {
		e, _, mr := newTestEngine(t)
		mr.HSet(scoreboard.GameModesKey, "1", "Classic")
		mr.HSet(scoreboard.GameModesKey, "2", "Blitz")

		replay, err := e.needsReplay(ctx)
		require.NoError(t, err)
		assert.True(t, replay)
	})

	t.Run("populated leaderboard", func(t *testing.T) {
		e, _, mr := newTestEngine(t)
		mr.HSet(scoreboard.GameModesKey, "1", "Classic")
		_, err := e.store.ZIncrBy(ctx, scoreboard.GlobalKey(1), "p1", 100)
		require.NoError(t, err)

		replay, err := e.needsReplay(ctx)
		require.NoError(t, err)
		assert.False(t, replay)
	})

	t.Run("player stats without leaderboards", func(t *testing.T) {
		e, _, mr := newTestEngine(t)
		mr.HSet(scoreboard.PlayerKey("p1"), "username", "alice")

		replay, err := e.needsReplay(ctx)
		require.NoError(t, err)
		assert.False(t, replay)
	})

	t.Run("rate limiter keys are not players", func(t *testing.T) {
		e, _, mr := newTestEngine(t)
		require.NoError(t, mr.Set("player:p1:last_submission", "2024-06-01T12:00:00Z"))

		replay, err := e.needsReplay(ctx)
		require.NoError(t, err)
		assert.True(t, replay)
	})

	t.Run("store outage fails startup", func(t *testing.T) {
		e, _, mr := newTestEngine(t)
		mr.Close()

		_, err := e.needsReplay(ctx)
		require.Error(t, err)
	})
}
