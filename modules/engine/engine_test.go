package engine

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/openarcade/leaderboard-engine/pkg/event"
	"github.com/openarcade/leaderboard-engine/pkg/store"
)

// fakeNotifier records fan-out calls instead of touching Kafka or a CDN.
type fakeNotifier struct {
	mtx     sync.Mutex
	changes []event.RankChange
	purges  []int
}

func (f *fakeNotifier) PublishRankChange(_ context.Context, rc event.RankChange) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.changes = append(f.changes, rc)
}

func (f *fakeNotifier) PurgeTopPaths(_ context.Context, gameMode int) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.purges = append(f.purges, gameMode)
	return true
}

func (f *fakeNotifier) Close(context.Context) {}

func (f *fakeNotifier) rankChanges() []event.RankChange {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]event.RankChange(nil), f.changes...)
}

func (f *fakeNotifier) purgeCalls() []int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]int(nil), f.purges...)
}

func (f *fakeNotifier) reset() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.changes, f.purges = nil, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeNotifier, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("engine", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Store.Address = mr.Addr()

	gw := store.NewGateway(cfg.Store, log.NewNopLogger())
	t.Cleanup(func() { _ = gw.Close() })

	fn := &fakeNotifier{}
	e := &Engine{
		cfg:      cfg,
		logger:   log.NewNopLogger(),
		store:    gw,
		notifier: fn,
		metrics:  newEngineMetrics(prometheus.NewRegistry()),
	}
	return e, fn, mr
}

func scoreRecord(playerID, username string, gameMode int, score int64) *kgo.Record {
	value := fmt.Sprintf(`{"playerId":%q,"username":%q,"gameMode":%d,"score":%d,"gameDurationSeconds":120,"timestamp":"2024-06-01T12:00:00Z"}`,
		playerID, username, gameMode, score)
	return &kgo.Record{Key: []byte(playerID), Value: []byte(value)}
}

func malformedRecord() *kgo.Record {
	return &kgo.Record{Value: []byte(`{"playerId":"px","score":null}`)}
}

func TestEngineColdStartReplayThenTail(t *testing.T) {
	const (
		inTopic  = "score-submitted-test"
		outTopic = "leaderboard-updated-test"
	)

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, inTopic, outTopic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	mr := miniredis.RunT(t)

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("engine", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Store.Address = mr.Addr()
	cfg.Kafka.Brokers = cluster.ListenAddrs()[0]
	cfg.Kafka.Topic = inTopic
	cfg.Kafka.WriteTopic = outTopic
	cfg.Kafka.ConsumerGroup = "test-group"
	cfg.IdleTimeout = 2 * time.Second

	ctx := context.Background()

	// History already in the log before the engine ever starts.
	producer, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.BrokerList()...), kgo.DefaultProduceTopic(inTopic))
	require.NoError(t, err)
	defer producer.Close()
	for _, rec := range []*kgo.Record{
		scoreRecord("p1", "alice", 1, 10),
		scoreRecord("p2", "bob", 1, 20),
		scoreRecord("p3", "carol", 1, 15),
	} {
		require.NoError(t, producer.ProduceSync(ctx, rec).FirstErr())
	}

	eng, err := New(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(ctx, eng))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), eng))
	}()

	// The empty store forces a replay; readiness flips once the log goes
	// idle and the engine crosses over to tailing.
	assert.False(t, eng.Ready())
	require.Eventually(t, eng.Ready, 30*time.Second, 100*time.Millisecond)

	for player, want := range map[string]int64{"p1": 10, "p2": 20, "p3": 15} {
		p, err := eng.store.GetPlayer(ctx, player)
		require.NoError(t, err)
		require.NotNil(t, p, player)
		assert.Equal(t, want, p.TotalScore, player)
	}

	// A live submission after the crossover is notified; the replayed
	// history was not.
	require.NoError(t, producer.ProduceSync(ctx, scoreRecord("p4", "dan", 1, 100)).FirstErr())

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.BrokerList()...),
		kgo.ConsumeTopics(outTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var published []event.RankChange
	deadline := time.Now().Add(15 * time.Second)
	for len(published) == 0 && time.Now().Before(deadline) {
		pollCtx, cancel := context.WithTimeout(ctx, time.Second)
		fetches := consumer.PollFetches(pollCtx)
		cancel()
		fetches.EachRecord(func(r *kgo.Record) {
			var rc event.RankChange
			require.NoError(t, json.Unmarshal(r.Value, &rc))
			published = append(published, rc)
		})
	}

	require.Len(t, published, 1)
	assert.Equal(t, "p4", published[0].PlayerID)
	assert.Nil(t, published[0].OldRank)
	assert.Equal(t, int64(1), published[0].NewRank)
	assert.Equal(t, int64(100), published[0].Score)
}

func TestReplaySuppressesNotifications(t *testing.T) {
	e, fn, _ := newTestEngine(t)
	ctx := context.Background()

	e.replaying.Store(true)
	e.replayStart.Store(time.Now().UnixNano())

	err := e.processBatch(ctx, 0, []*kgo.Record{scoreRecord("p1", "alice", 1, 100)})
	require.NoError(t, err)

	// The materialized view advanced, silently.
	p, err := e.store.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(100), p.TotalScore)

	assert.Empty(t, fn.rankChanges())
	assert.Empty(t, fn.purgeCalls())
	assert.True(t, e.replaying.Load())
}

func TestEmptyBatchesEndReplay(t *testing.T) {
	e, fn, _ := newTestEngine(t)
	ctx := context.Background()

	e.replaying.Store(true)
	e.replayStart.Store(time.Now().UnixNano())

	empty := []*kgo.Record{malformedRecord()}

	// Two empty batches, then a real one: the counter resets.
	require.NoError(t, e.processBatch(ctx, 0, empty))
	require.NoError(t, e.processBatch(ctx, 0, empty))
	require.NoError(t, e.processBatch(ctx, 0, []*kgo.Record{scoreRecord("p1", "alice", 1, 50)}))
	assert.True(t, e.replaying.Load())
	assert.Equal(t, int64(0), e.emptyBatches.Load())

	// Three consecutive empty batches end the replay.
	require.NoError(t, e.processBatch(ctx, 0, empty))
	require.NoError(t, e.processBatch(ctx, 0, empty))
	assert.True(t, e.replaying.Load())
	require.NoError(t, e.processBatch(ctx, 0, empty))
	assert.False(t, e.replaying.Load())

	// Nothing was published while the replay was active.
	assert.Empty(t, fn.rankChanges())
}

func TestIdleWatcherEndsReplay(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.replaying.Store(true)
	e.replayStart.Store(time.Now().UnixNano())
	e.lastBatchAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.wg.Add(1)
	go e.runIdleWatcher(ctx)

	require.Eventually(t, func() bool {
		return !e.replaying.Load()
	}, 5*time.Second, 50*time.Millisecond)
	e.wg.Wait()
}

func TestExitReplayFlipsOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.replaying.Store(true)
	e.replayStart.Store(time.Now().UnixNano())
	e.emptyBatches.Store(3)

	e.exitReplay("consecutive empty batches")
	assert.False(t, e.replaying.Load())
	assert.Equal(t, int64(0), e.emptyBatches.Load())

	// The losing path of the race is a no-op.
	e.exitReplay("idle timeout")
	assert.False(t, e.replaying.Load())
}

func TestReady(t *testing.T) {
	e, _, _ := newTestEngine(t)

	assert.False(t, e.Ready())

	e.isRunning.Store(true)
	e.replaying.Store(true)
	assert.False(t, e.Ready())

	e.replaying.Store(false)
	assert.True(t, e.Ready())
}

func TestConfigValidate(t *testing.T) {
	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("engine", flag.NewFlagSet("", flag.PanicOnError))
	require.NoError(t, cfg.Validate())

	invalid := cfg
	invalid.EmptyBatchThreshold = 0
	require.Error(t, invalid.Validate())

	invalid = cfg
	invalid.IdleTimeout = 0
	require.Error(t, invalid.Validate())

	invalid = cfg
	invalid.Kafka.ConsumerGroup = ""
	require.Error(t, invalid.Validate())
}
