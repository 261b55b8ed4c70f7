package warmer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/cache"
	"github.com/cachemesh/cachemesh/internal/client"
	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
	"github.com/cachemesh/cachemesh/internal/replication"
)

func newTestCoordinator(t *testing.T) *replication.Coordinator {
	t.Helper()

	assigner := algorithm.NewPartitionAssigner(64, 50)
	registry := cluster.NewRegistry(assigner, 3, zap.NewNop())
	pool := client.NewMemoryPool()

	for i := 0; i < 3; i++ {
		require.NoError(t, registry.Register(&model.Node{
			ID:     fmt.Sprintf("node-%d", i),
			Host:   "127.0.0.1",
			Port:   7000 + i,
			Role:   model.NodeRolePrimary,
			Health: model.NodeHealthy,
		}))
	}

	m := metrics.NewNopMetrics()
	breakers := cluster.NewBreakerGroup(cluster.DefaultBreakerConfig(), m, zap.NewNop())
	local, err := cache.NewLocal(100, m, zap.NewNop())
	require.NoError(t, err)

	return replication.NewCoordinator(registry, breakers, pool,
		replication.NewStrategyRegistry(), policy.NewEngine(zap.NewNop()), local,
		time.Second, time.Second, m, zap.NewNop())
}

func staticLoader(entries map[string][]byte) Loader {
	return func(ctx context.Context, pattern string) (map[string][]byte, error) {
		return entries, nil
	}
}

func TestWarmer_AggressiveWarmsAllKeys(t *testing.T) {
	coord := newTestCoordinator(t)
	w := NewWarmer(coord, staticLoader(map[string][]byte{
		"todo:1": []byte("a"),
		"todo:2": []byte("b"),
		"todo:3": []byte("c"),
	}), time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())

	require.NoError(t, w.AddTarget(Target{
		Pattern:  "todo:*",
		Strategy: StrategyAggressive,
		TTL:      time.Minute,
	}))
	require.NoError(t, w.WarmAll(context.Background()))

	for _, key := range []string{"todo:1", "todo:2", "todo:3"} {
		entry, err := coord.Get(context.Background(), key, replication.GetOptions{})
		require.NoError(t, err, "key %q should be warmed", key)
		assert.NotEmpty(t, entry.Value)
	}
}

func TestWarmer_NeverOverwritesLiveEntries(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Set(ctx, "todo:1", []byte("live"), replication.SetOptions{TTL: time.Minute})
	require.NoError(t, err)

	w := NewWarmer(coord, staticLoader(map[string][]byte{
		"todo:1": []byte("stale-db-copy"),
		"todo:2": []byte("b"),
	}), time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())

	require.NoError(t, w.AddTarget(Target{Pattern: "todo:*", Strategy: StrategyAggressive, TTL: time.Minute}))
	require.NoError(t, w.WarmAll(ctx))

	entry, err := coord.Get(ctx, "todo:1", replication.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("live"), entry.Value, "warming must not clobber a live entry")

	entry, err = coord.Get(ctx, "todo:2", replication.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), entry.Value)
}

func TestWarmer_PriorityOrder(t *testing.T) {
	coord := newTestCoordinator(t)

	var order []string
	loader := func(ctx context.Context, pattern string) (map[string][]byte, error) {
		order = append(order, pattern)
		return nil, nil
	}

	w := NewWarmer(coord, loader, time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, w.AddTarget(Target{Pattern: "low", Priority: 1}))
	require.NoError(t, w.AddTarget(Target{Pattern: "high", Priority: 10}))
	require.NoError(t, w.AddTarget(Target{Pattern: "mid", Priority: 5}))

	require.NoError(t, w.WarmAll(context.Background()))
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestWarmer_LoaderRetries(t *testing.T) {
	coord := newTestCoordinator(t)

	var calls atomic.Int32
	loader := func(ctx context.Context, pattern string) (map[string][]byte, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient backend error")
		}
		return map[string][]byte{"todo:1": []byte("a")}, nil
	}

	w := NewWarmer(coord, loader, time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, w.AddTarget(Target{Pattern: "todo:*", TTL: time.Minute}))
	require.NoError(t, w.WarmAll(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	_, err := coord.Get(context.Background(), "todo:1", replication.GetOptions{})
	assert.NoError(t, err)
}

func TestWarmer_LoaderFailureSurfaces(t *testing.T) {
	coord := newTestCoordinator(t)

	loader := func(ctx context.Context, pattern string) (map[string][]byte, error) {
		return nil, fmt.Errorf("backend down")
	}

	w := NewWarmer(coord, loader, time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, w.AddTarget(Target{Pattern: "todo:*"}))
	assert.Error(t, w.WarmAll(context.Background()))
}

func TestWarmer_AdaptiveSkipsWarmCache(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()

	// Drive the L1 hit rate above the adaptive threshold
	_, err := coord.Set(ctx, "hot:1", []byte("v"), replication.SetOptions{TTL: time.Minute})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := coord.Get(ctx, "hot:1", replication.GetOptions{})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, coord.Local().HitRate(), 0.8)

	var loaderCalled atomic.Bool
	loader := func(ctx context.Context, pattern string) (map[string][]byte, error) {
		loaderCalled.Store(true)
		return map[string][]byte{"cold:1": []byte("x")}, nil
	}

	w := NewWarmer(coord, loader, time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, w.AddTarget(Target{Pattern: "cold:*", Strategy: StrategyAdaptive, TTL: time.Minute}))
	require.NoError(t, w.WarmAll(ctx))

	assert.False(t, loaderCalled.Load(), "adaptive warming skips a warm cache")
}

func TestWarmer_AdaptiveWarmsColdCache(t *testing.T) {
	coord := newTestCoordinator(t)

	w := NewWarmer(coord, staticLoader(map[string][]byte{"cold:1": []byte("x")}),
		time.Millisecond, metrics.NewNopMetrics(), zap.NewNop())
	require.NoError(t, w.AddTarget(Target{Pattern: "cold:*", Strategy: StrategyAdaptive, TTL: time.Minute}))
	require.NoError(t, w.WarmAll(context.Background()))

	_, err := coord.Get(context.Background(), "cold:1", replication.GetOptions{})
	assert.NoError(t, err)
}

func TestWarmer_TargetValidation(t *testing.T) {
	w := NewWarmer(newTestCoordinator(t), staticLoader(nil), time.Millisecond,
		metrics.NewNopMetrics(), zap.NewNop())

	assert.Error(t, w.AddTarget(Target{Pattern: ""}))
	assert.Error(t, w.AddTarget(Target{Pattern: "x", Strategy: "berserk"}))
}
