package replication

import (
	"context"
	"fmt"
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
)

type coordinatorEnv struct {
	registry *cluster.Registry
	pool     *client.MemoryPool
	breakers *cluster.BreakerGroup
	policies *policy.Engine
	local    *cache.Local
	coord    *Coordinator
}

func newCoordinatorEnv(t *testing.T, nodeCount int) *coordinatorEnv {
	t.Helper()

	assigner := algorithm.NewPartitionAssigner(64, 50)
	registry := cluster.NewRegistry(assigner, 3, zap.NewNop())
	pool := client.NewMemoryPool()

	for i := 0; i < nodeCount; i++ {
		node := &model.Node{
			ID:     fmt.Sprintf("node-%d", i),
			Host:   "127.0.0.1",
			Port:   7000 + i,
			Role:   model.NodeRolePrimary,
			Health: model.NodeHealthy,
		}
		require.NoError(t, registry.Register(node))
		_, err := pool.ClientFor(node)
		require.NoError(t, err)
	}

	m := metrics.NewNopMetrics()
	breakers := cluster.NewBreakerGroup(cluster.DefaultBreakerConfig(), m, zap.NewNop())
	policies := policy.NewEngine(zap.NewNop())
	local, err := cache.NewLocal(100, m, zap.NewNop())
	require.NoError(t, err)

	coord := NewCoordinator(registry, breakers, pool, NewStrategyRegistry(), policies, local,
		time.Second, time.Second, m, zap.NewNop())

	return &coordinatorEnv{
		registry: registry,
		pool:     pool,
		breakers: breakers,
		policies: policies,
		local:    local,
		coord:    coord,
	}
}

func TestCoordinator_SetGetRoundTrip(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	result, err := env.coord.Set(ctx, "user:1", []byte(`{"name":"ada"}`), SetOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Acks)
	assert.Equal(t, 2, result.Required)
	assert.Equal(t, model.ConsistencyQuorum, result.Consistency)

	// Served from L1 without touching the distributed tier
	entry, err := env.coord.Get(ctx, "user:1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"ada"}`), entry.Value)

	// Distributed read finds the same value
	entry, err = env.coord.Get(ctx, "user:1", GetOptions{SkipLocal: true})
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"ada"}`), entry.Value)
	assert.Greater(t, entry.Version, int64(0))
}

func TestCoordinator_QuorumWriteFailsWithPartialResult(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	env.pool.Raw("node-1").SetFailing(true)
	env.pool.Raw("node-2").SetFailing(true)

	result, err := env.coord.Set(ctx, "order:7", []byte("pending"), SetOptions{
		TTL:         time.Minute,
		Consistency: model.ConsistencyQuorum,
	})
	require.ErrorIs(t, err, model.ErrInsufficientReplicas)

	// Partial state is reported, not hidden: one replica holds the write
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Acks)
	assert.Equal(t, 2, result.Required)
}

func TestCoordinator_OneConsistencySucceedsWithSingleReplica(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	env.pool.Raw("node-1").SetFailing(true)
	env.pool.Raw("node-2").SetFailing(true)

	result, err := env.coord.Set(ctx, "order:8", []byte("ok"), SetOptions{
		TTL:         time.Minute,
		Consistency: model.ConsistencyOne,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Acks)
	assert.Equal(t, 1, result.Required)
}

func TestCoordinator_GetDegradesToMissOnFailure(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.pool.Raw(fmt.Sprintf("node-%d", i)).SetFailing(true)
	}

	_, err := env.coord.Get(ctx, "user:1", GetOptions{SkipLocal: true})
	assert.ErrorIs(t, err, model.ErrCacheMiss)
}

func TestCoordinator_AllConsistencySurfacesReadFailures(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	_, err := env.coord.Set(ctx, "user:2", []byte("v"), SetOptions{TTL: time.Minute})
	require.NoError(t, err)

	env.pool.Raw("node-1").SetFailing(true)

	_, err = env.coord.Get(ctx, "user:2", GetOptions{
		SkipLocal:   true,
		Consistency: model.ConsistencyAll,
	})
	assert.ErrorIs(t, err, model.ErrInsufficientReplicas)
}

func TestCoordinator_MissIsNotAnError(t *testing.T) {
	env := newCoordinatorEnv(t, 3)

	_, err := env.coord.Get(context.Background(), "absent", GetOptions{SkipLocal: true})
	assert.ErrorIs(t, err, model.ErrCacheMiss)
}

func TestCoordinator_HintedHandoffReplaysOnRecovery(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	env.pool.Raw("node-2").SetFailing(true)

	result, err := env.coord.Set(ctx, "session:9", []byte("token"), SetOptions{TTL: time.Minute})
	require.NoError(t, err, "quorum still reachable with one node down")
	assert.Equal(t, 2, result.Acks)
	assert.Equal(t, 1, env.coord.Hints().Pending())

	// Node recovers; the replay loop delivers the missed write
	env.pool.Raw("node-2").SetFailing(false)
	env.coord.Hints().ReplayAll(ctx)

	assert.Equal(t, 0, env.coord.Hints().Pending())
	entry, err := env.pool.Raw("node-2").Get(ctx, "session:9")
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), entry.Value)
}

func TestCoordinator_ReadRepairConvergesStaleReplica(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	partition, err := env.registry.PartitionFor("product:5")
	require.NoError(t, err)
	nodes := partition.Nodes()
	require.Len(t, nodes, 3)

	stale := &model.Entry{
		Key: "product:5", Value: []byte("old"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 1,
	}
	fresh := &model.Entry{
		Key: "product:5", Value: []byte("new"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 2,
	}
	require.NoError(t, env.pool.Raw(nodes[0]).Set(ctx, stale, time.Minute))
	require.NoError(t, env.pool.Raw(nodes[1]).Set(ctx, fresh, time.Minute))
	require.NoError(t, env.pool.Raw(nodes[2]).Set(ctx, fresh, time.Minute))

	entry, err := env.coord.Get(ctx, "product:5", GetOptions{
		SkipLocal:   true,
		Consistency: model.ConsistencyQuorum,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), entry.Value)

	assert.Eventually(t, func() bool {
		repaired, err := env.pool.Raw(nodes[0]).Get(ctx, "product:5")
		return err == nil && repaired.Version == 2
	}, time.Second, 10*time.Millisecond, "stale replica should be rewritten with the winning version")
}

func TestCoordinator_PolicyDrivesWriteConsistencyAndTTL(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	spec := model.PolicySpec{
		Name:        "sessions",
		PatternKind: model.PatternLiteral,
		Pattern:     "session:",
		TTL:         model.TTLConfig{Default: 10 * time.Minute},
		Replication: model.ReplicationConfig{Consistency: model.ConsistencyOne},
		Enabled:     true,
		Priority:    10,
	}
	compiled, err := spec.Compile()
	require.NoError(t, err)
	require.NoError(t, env.policies.Register(compiled))

	// No explicit consistency or TTL: both come from the matched policy
	result, err := env.coord.Set(ctx, "session:42", []byte("t"), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ConsistencyOne, result.Consistency)

	entry, err := env.coord.Get(ctx, "session:42", GetOptions{SkipLocal: true})
	require.NoError(t, err)
	assert.Equal(t, int64(600), entry.TTLSeconds)
}

func TestCoordinator_AllConsistencyRequiresEveryReplica(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	partition, err := env.registry.PartitionFor("profile:1")
	require.NoError(t, err)
	nodes := partition.Nodes()
	require.Len(t, nodes, 3)

	// Two replicas hold the value; the third answers cleanly with a miss
	entry := &model.Entry{
		Key: "profile:1", Value: []byte("p"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 2,
	}
	require.NoError(t, env.pool.Raw(nodes[0]).Set(ctx, entry, time.Minute))
	require.NoError(t, env.pool.Raw(nodes[1]).Set(ctx, entry, time.Minute))

	_, err = env.coord.Get(ctx, "profile:1", GetOptions{
		SkipLocal:   true,
		Consistency: model.ConsistencyAll,
	})
	assert.ErrorIs(t, err, model.ErrInsufficientReplicas,
		"a replica without a copy disagrees with the replicas that have one")
}

func TestCoordinator_QuorumReadRepairsMissingReplica(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	partition, err := env.registry.PartitionFor("profile:2")
	require.NoError(t, err)
	nodes := partition.Nodes()
	require.Len(t, nodes, 3)

	entry := &model.Entry{
		Key: "profile:2", Value: []byte("p"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 2,
	}
	require.NoError(t, env.pool.Raw(nodes[0]).Set(ctx, entry, time.Minute))
	require.NoError(t, env.pool.Raw(nodes[2]).Set(ctx, entry, time.Minute))

	// The quorum read touches nodes[0] and nodes[1]; only nodes[0] has a copy
	got, err := env.coord.Get(ctx, "profile:2", GetOptions{
		SkipLocal:   true,
		Consistency: model.ConsistencyQuorum,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), got.Value)

	assert.Eventually(t, func() bool {
		repaired, err := env.pool.Raw(nodes[1]).Get(ctx, "profile:2")
		return err == nil && repaired.Version == 2
	}, time.Second, 10*time.Millisecond, "the empty replica should be backfilled")
}

func TestCoordinator_PolicyDrivesReadConsistency(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	spec := model.PolicySpec{
		Name:        "profiles",
		PatternKind: model.PatternLiteral,
		Pattern:     "profile:",
		Replication: model.ReplicationConfig{Consistency: model.ConsistencyAll},
		Enabled:     true,
		Priority:    10,
	}
	compiled, err := spec.Compile()
	require.NoError(t, err)
	require.NoError(t, env.policies.Register(compiled))

	partition, err := env.registry.PartitionFor("profile:9")
	require.NoError(t, err)
	nodes := partition.Nodes()

	entry := &model.Entry{
		Key: "profile:9", Value: []byte("p"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 2,
	}
	require.NoError(t, env.pool.Raw(nodes[0]).Set(ctx, entry, time.Minute))
	require.NoError(t, env.pool.Raw(nodes[1]).Set(ctx, entry, time.Minute))

	// No caller consistency: the matched policy demands unanimity
	_, err = env.coord.Get(ctx, "profile:9", GetOptions{SkipLocal: true})
	assert.ErrorIs(t, err, model.ErrInsufficientReplicas)

	// An explicit caller option overrides the policy
	got, err := env.coord.Get(ctx, "profile:9", GetOptions{
		SkipLocal:   true,
		Consistency: model.ConsistencyOne,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), got.Value)
}

func TestCoordinator_PolicyDrivesReadPreference(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	spec := model.PolicySpec{
		Name:        "edge-reads",
		PatternKind: model.PatternLiteral,
		Pattern:     "edge:",
		Access:      model.AccessConfig{ReadPreference: model.ReadPreferReplica},
		Enabled:     true,
		Priority:    10,
	}
	compiled, err := spec.Compile()
	require.NoError(t, err)
	require.NoError(t, env.policies.Register(compiled))

	partition, err := env.registry.PartitionFor("edge:1")
	require.NoError(t, err)

	// Only the primary owner holds the value
	entry := &model.Entry{
		Key: "edge:1", Value: []byte("v"),
		TTLSeconds: 60, CreatedAt: time.Now(), Version: 1,
	}
	require.NoError(t, env.pool.Raw(partition.PrimaryNodes[0]).Set(ctx, entry, time.Minute))

	// The policy routes the read to replicas, which have no copy
	_, err = env.coord.Get(ctx, "edge:1", GetOptions{SkipLocal: true})
	assert.ErrorIs(t, err, model.ErrCacheMiss)

	// An explicit caller preference overrides the policy
	got, err := env.coord.Get(ctx, "edge:1", GetOptions{
		SkipLocal:      true,
		ReadPreference: model.ReadPreferMaster,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestCoordinator_PolicyReplicationFactorLimitsWrites(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	spec := model.PolicySpec{
		Name:        "scratch",
		PatternKind: model.PatternLiteral,
		Pattern:     "tmp:",
		TTL:         model.TTLConfig{Default: time.Minute},
		Replication: model.ReplicationConfig{Factor: 1},
		Enabled:     true,
		Priority:    10,
	}
	compiled, err := spec.Compile()
	require.NoError(t, err)
	require.NoError(t, env.policies.Register(compiled))

	result, err := env.coord.Set(ctx, "tmp:1", []byte("t"), SetOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Acks)
	assert.Equal(t, 1, result.Required)

	// Only the partition's primary owner holds a copy
	partition, err := env.registry.PartitionFor("tmp:1")
	require.NoError(t, err)
	holders := 0
	for _, nodeID := range partition.Nodes() {
		if _, err := env.pool.Raw(nodeID).Get(ctx, "tmp:1"); err == nil {
			holders++
		}
	}
	assert.Equal(t, 1, holders)
}

func TestCoordinator_PolicyStorageHintsStamped(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	spec := model.PolicySpec{
		Name:        "blobs",
		PatternKind: model.PatternLiteral,
		Pattern:     "blob:",
		TTL:         model.TTLConfig{Default: time.Minute},
		Storage:     model.StorageConfig{Compress: true},
		Eviction:    model.EvictionConfig{Policy: model.EvictionLFU, Priority: 3},
		Enabled:     true,
		Priority:    10,
	}
	compiled, err := spec.Compile()
	require.NoError(t, err)
	require.NoError(t, env.policies.Register(compiled))

	_, err = env.coord.Set(ctx, "blob:1", []byte("payload"), SetOptions{})
	require.NoError(t, err)

	partition, err := env.registry.PartitionFor("blob:1")
	require.NoError(t, err)
	stored, err := env.pool.Raw(partition.Nodes()[0]).Get(ctx, "blob:1")
	require.NoError(t, err)
	assert.True(t, stored.Compressed)
	assert.Equal(t, model.EvictionLFU, stored.EvictionPolicy)
	assert.Equal(t, 3, stored.EvictionPriority)
}

func TestCoordinator_InvalidateRemovesAllCopies(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	_, err := env.coord.Set(ctx, "todo:1", []byte("a"), SetOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, err = env.coord.Set(ctx, "todo:2", []byte("b"), SetOptions{TTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, env.coord.Invalidate(ctx, "todo:*", InvalidateOptions{}))

	_, err = env.coord.Get(ctx, "todo:1", GetOptions{})
	assert.ErrorIs(t, err, model.ErrCacheMiss)
	_, err = env.coord.Get(ctx, "todo:2", GetOptions{SkipLocal: true})
	assert.ErrorIs(t, err, model.ErrCacheMiss)
}

func TestCoordinator_InvalidateWithoutMatchesIsNoop(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	assert.NoError(t, env.coord.Invalidate(context.Background(), "ghost:*", InvalidateOptions{}))
}

func TestCoordinator_CascadeHookFires(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	var got string
	env.coord.SetCascadeHook(func(pattern string) { got = pattern })

	require.NoError(t, env.coord.Invalidate(ctx, "user:*", InvalidateOptions{Cascade: true}))
	assert.Equal(t, "user:*", got)

	got = ""
	require.NoError(t, env.coord.Invalidate(ctx, "user:*", InvalidateOptions{}))
	assert.Empty(t, got, "hook only fires when cascade is requested")
}

func TestCoordinator_Exists(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	_, err := env.coord.Set(ctx, "flag:1", []byte("1"), SetOptions{TTL: time.Minute})
	require.NoError(t, err)

	assert.True(t, env.coord.Exists(ctx, "flag:1"))
	assert.False(t, env.coord.Exists(ctx, "flag:2"))
}

func TestHintQueue_DropsOldestAtCapacity(t *testing.T) {
	env := newCoordinatorEnv(t, 1)
	q := NewHintQueue(env.registry, func(string) (nodeCall, bool) { return nil, false },
		2, time.Hour, time.Hour, metrics.NewNopMetrics(), zap.NewNop())

	for i := 0; i < 3; i++ {
		q.Store("node-0", &model.Entry{Key: fmt.Sprintf("k%d", i)}, time.Minute)
	}
	assert.Equal(t, 2, q.Pending())
}

func TestHintQueue_SkipsUnroutableNodes(t *testing.T) {
	env := newCoordinatorEnv(t, 3)
	ctx := context.Background()

	env.pool.Raw("node-0").SetFailing(true)
	require.NoError(t, env.registry.MarkHealth("node-0", model.NodeUnhealthy))

	q := env.coord.Hints()
	q.Store("node-0", &model.Entry{Key: "k", Value: []byte("v"), TTLSeconds: 60, CreatedAt: time.Now()}, time.Minute)

	q.ReplayAll(ctx)
	assert.Equal(t, 1, q.Pending(), "unroutable node is not replayed")

	env.pool.Raw("node-0").SetFailing(false)
	require.NoError(t, env.registry.MarkHealth("node-0", model.NodeHealthy))

	q.ReplayAll(ctx)
	assert.Equal(t, 0, q.Pending())
}
