// Package store is the typed gateway over the in-memory leaderboard store.
// All materialized state lives behind it: player stat hashes, the global and
// time-scoped sorted sets, and the seeded game mode definitions.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
)

// ErrStoreUnavailable is returned once an operation's retry budget is
// exhausted. Callers must surface it; a batch that hits it aborts before its
// offsets are committed.
var ErrStoreUnavailable = errors.New("store unavailable")

// Player is the stats hash kept per player. Players are created lazily on
// first observation and never deleted by this engine.
type Player struct {
	Username    string
	TotalScore  int64
	GamesPlayed int64
	CreatedAt   string
}

// RankScore is a 1-indexed rank paired with the member's cumulative score.
type RankScore struct {
	Rank  int64
	Score int64
}

// Entry is one member of a leaderboard range read.
type Entry struct {
	Member string
	Score  int64
}

type Gateway struct {
	rdb    *redis.Client
	retry  backoff.Config
	logger log.Logger
}

func NewGateway(cfg Config, logger log.Logger) *Gateway {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Gateway{
		rdb:    rdb,
		retry:  cfg.Retry,
		logger: log.With(logger, "component", "store"),
	}
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.withRetry(ctx, "ping", func(ctx context.Context) error {
		return g.rdb.Ping(ctx).Err()
	})
}

func (g *Gateway) Close() error {
	return g.rdb.Close()
}

// GetPlayer returns nil without error when the player does not exist.
func (g *Gateway) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	var fields map[string]string
	err := g.withRetry(ctx, "get player", func(ctx context.Context) error {
		var err error
		fields, err = g.rdb.HGetAll(ctx, scoreboard.PlayerKey(playerID)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	totalScore, _ := strconv.ParseInt(fields["total_score"], 10, 64)
	gamesPlayed, _ := strconv.ParseInt(fields["games_played"], 10, 64)
	return &Player{
		Username:    fields["username"],
		TotalScore:  totalScore,
		GamesPlayed: gamesPlayed,
		CreatedAt:   fields["created_at"],
	}, nil
}

// UpsertPlayerIfMissing creates the stats hash with zeroed counters when the
// player is new, and overwrites only the username when it already exists.
func (g *Gateway) UpsertPlayerIfMissing(ctx context.Context, playerID, username string, now time.Time) error {
	return g.withRetry(ctx, "upsert player", func(ctx context.Context) error {
		pipe := g.rdb.Pipeline()
		queueUpsertPlayer(ctx, pipe, playerID, username, now)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// IncPlayerStats adds scoreDelta to total_score and counts one more game.
func (g *Gateway) IncPlayerStats(ctx context.Context, playerID string, scoreDelta int64) error {
	return g.withRetry(ctx, "inc player stats", func(ctx context.Context) error {
		pipe := g.rdb.Pipeline()
		queueIncPlayerStats(ctx, pipe, playerID, scoreDelta)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ZIncrBy increments a member's score in a sorted set, creating the set and
// member as needed, and returns the new cumulative score.
func (g *Gateway) ZIncrBy(ctx context.Context, key, member string, delta int64) (int64, error) {
	var newScore float64
	err := g.withRetry(ctx, "zincrby", func(ctx context.Context) error {
		var err error
		newScore, err = g.rdb.ZIncrBy(ctx, key, float64(delta), member).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(newScore), nil
}

// ZRevRankAndScore reads a member's 1-indexed descending rank and score in a
// single round trip. found is false when the member is absent.
func (g *Gateway) ZRevRankAndScore(ctx context.Context, key, member string) (rs RankScore, found bool, err error) {
	var (
		rankCmd  *redis.IntCmd
		scoreCmd *redis.FloatCmd
	)
	err = g.withRetry(ctx, "zrevrank", func(ctx context.Context) error {
		pipe := g.rdb.Pipeline()
		rankCmd = pipe.ZRevRank(ctx, key, member)
		scoreCmd = pipe.ZScore(ctx, key, member)
		_, err := pipe.Exec(ctx)
		if err == redis.Nil {
			return nil
		}
		return err
	})
	if err != nil {
		return RankScore{}, false, err
	}
	if rankCmd.Err() == redis.Nil || scoreCmd.Err() == redis.Nil {
		return RankScore{}, false, nil
	}
	return RankScore{Rank: rankCmd.Val() + 1, Score: int64(scoreCmd.Val())}, true, nil
}

func (g *Gateway) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.withRetry(ctx, "zcard", func(ctx context.Context) error {
		var err error
		n, err = g.rdb.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

func (g *Gateway) ZRevRange(ctx context.Context, key string, offset, limit int64) ([]Entry, error) {
	var zs []redis.Z
	err := g.withRetry(ctx, "zrevrange", func(ctx context.Context) error {
		var err error
		zs, err = g.rdb.ZRevRangeWithScores(ctx, key, offset, offset+limit-1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{Member: member, Score: int64(z.Score)})
	}
	return entries, nil
}

func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.withRetry(ctx, "expire", func(ctx context.Context) error {
		return g.rdb.Expire(ctx, key, ttl).Err()
	})
}

// GameModeIDs returns the seeded game mode ids, or nil when none are seeded.
func (g *Gateway) GameModeIDs(ctx context.Context) ([]int, error) {
	var fields []string
	err := g.withRetry(ctx, "game modes", func(ctx context.Context) error {
		var err error
		fields, err = g.rdb.HKeys(ctx, scoreboard.GameModesKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(f)
		if err != nil {
			level.Warn(g.logger).Log("msg", "skipping non-numeric game mode id", "id", f)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ScanKeysFunc walks keys matching the pattern with a cursor scan, invoking fn
// for each key. fn returning false stops the scan early.
func (g *Gateway) ScanKeysFunc(ctx context.Context, match string, fn func(key string) bool) error {
	return g.withRetry(ctx, "scan", func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := g.rdb.Scan(ctx, cursor, match, 100).Result()
			if err != nil {
				return err
			}
			for _, k := range keys {
				if !fn(k) {
					return nil
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
}

// withRetry runs op under the gateway's backoff budget. redis.Nil is a
// domain "not found" and is never retried; callers translate it themselves.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	boff := backoff.New(ctx, g.retry)

	var err error
	for boff.Ongoing() {
		err = fn(ctx)
		if err == nil || err == redis.Nil {
			return err
		}
		level.Warn(g.logger).Log("msg", "store operation failed, retrying", "op", op, "retries", boff.NumRetries(), "err", err)
		boff.Wait()
	}

	if err == nil {
		err = boff.Err()
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}
