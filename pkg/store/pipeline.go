package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/openarcade/leaderboard-engine/pkg/scoreboard"
)

// Pipeline accumulates typed operations and executes them in one round trip.
// Command order is preserved and individual failures surface per command via
// the result accessors. The whole pipeline shares one retry budget; because a
// failed attempt is rebuilt and re-sent, queued operations must be additive or
// idempotent at the command level, which all gateway operations are.
type Pipeline struct {
	g    *Gateway
	ops  []pipelineOp
	n    int
	cmds []redis.Cmder
}

type pipelineOp func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder

func (g *Gateway) Pipeline() *Pipeline {
	return &Pipeline{g: g}
}

// Len returns the number of store commands queued so far.
func (p *Pipeline) Len() int {
	return p.n
}

func (p *Pipeline) add(width int, op pipelineOp) int {
	idx := p.n
	p.n += width
	p.ops = append(p.ops, op)
	return idx
}

func (p *Pipeline) UpsertPlayerIfMissing(playerID, username string, now time.Time) {
	p.add(4, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return queueUpsertPlayer(ctx, pipe, playerID, username, now)
	})
}

func (p *Pipeline) IncPlayerStats(playerID string, scoreDelta int64) {
	p.add(2, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return queueIncPlayerStats(ctx, pipe, playerID, scoreDelta)
	})
}

// ZIncrBy queues a sorted set increment and returns the command index; after
// Exec, FloatResult(idx) yields the member's new cumulative score.
func (p *Pipeline) ZIncrBy(key, member string, delta int64) int {
	return p.add(1, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.ZIncrBy(ctx, key, float64(delta), member)}
	})
}

func (p *Pipeline) Expire(key string, ttl time.Duration) {
	p.add(1, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.Expire(ctx, key, ttl)}
	})
}

// ZRevRank queues a 0-indexed descending rank read. IntResult(idx) reports
// found=false for absent members; callers convert to 1-indexed ranks.
func (p *Pipeline) ZRevRank(key, member string) int {
	return p.add(1, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.ZRevRank(ctx, key, member)}
	})
}

func (p *Pipeline) ZScore(key, member string) int {
	return p.add(1, func(ctx context.Context, pipe redis.Pipeliner) []redis.Cmder {
		return []redis.Cmder{pipe.ZScore(ctx, key, member)}
	})
}

// Exec sends all queued commands in one round trip under the gateway retry
// budget. Per-command misses (redis.Nil) and server-side command rejections
// are not pipeline errors; they surface through the result accessors. Only a
// failure to reach the store at all fails Exec, so a poisoned key cannot be
// mistaken for an outage and retried forever.
func (p *Pipeline) Exec(ctx context.Context) error {
	if len(p.ops) == 0 {
		return nil
	}
	return p.g.withRetry(ctx, "pipeline", func(ctx context.Context) error {
		pipe := p.g.rdb.Pipeline()
		p.cmds = p.cmds[:0]
		for _, op := range p.ops {
			p.cmds = append(p.cmds, op(ctx, pipe)...)
		}
		_, err := pipe.Exec(ctx)
		if err == redis.Nil {
			return nil
		}
		var cmdErr redis.Error
		if errors.As(err, &cmdErr) {
			// The store answered; the failure belongs to one command.
			return nil
		}
		return err
	})
}

func (p *Pipeline) IntResult(idx int) (val int64, found bool, err error) {
	cmd, ok := p.cmds[idx].(*redis.IntCmd)
	if !ok {
		return 0, false, errors.Errorf("command %d is not an integer command", idx)
	}
	if cmd.Err() == redis.Nil {
		return 0, false, nil
	}
	if cmd.Err() != nil {
		return 0, false, cmd.Err()
	}
	return cmd.Val(), true, nil
}

func (p *Pipeline) FloatResult(idx int) (val float64, found bool, err error) {
	cmd, ok := p.cmds[idx].(*redis.FloatCmd)
	if !ok {
		return 0, false, errors.Errorf("command %d is not a float command", idx)
	}
	if cmd.Err() == redis.Nil {
		return 0, false, nil
	}
	if cmd.Err() != nil {
		return 0, false, cmd.Err()
	}
	return cmd.Val(), true, nil
}

// queueUpsertPlayer and queueIncPlayerStats queue the canonical player hash
// updates; the Gateway one-shot methods and the Pipeline share them.
func queueUpsertPlayer(ctx context.Context, pipe redis.Pipeliner, playerID, username string, now time.Time) []redis.Cmder {
	key := scoreboard.PlayerKey(playerID)
	return []redis.Cmder{
		pipe.HSetNX(ctx, key, "created_at", now.UTC().Format(time.RFC3339)),
		pipe.HSetNX(ctx, key, "total_score", 0),
		pipe.HSetNX(ctx, key, "games_played", 0),
		pipe.HSet(ctx, key, "username", username),
	}
}

func queueIncPlayerStats(ctx context.Context, pipe redis.Pipeliner, playerID string, scoreDelta int64) []redis.Cmder {
	key := scoreboard.PlayerKey(playerID)
	return []redis.Cmder{
		pipe.HIncrBy(ctx, key, "total_score", scoreDelta),
		pipe.HIncrBy(ctx, key, "games_played", 1),
	}
}
