package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/model"
)

func newTestRegistry(t *testing.T, nodeCount int) *Registry {
	t.Helper()
	assigner := algorithm.NewPartitionAssigner(64, 50)
	r := NewRegistry(assigner, 3, zap.NewNop())
	for i := 0; i < nodeCount; i++ {
		require.NoError(t, r.Register(&model.Node{
			ID:     fmt.Sprintf("node-%d", i),
			Host:   "127.0.0.1",
			Port:   7000 + i,
			Role:   model.NodeRolePrimary,
			Health: model.NodeHealthy,
		}))
	}
	return r
}

func TestRegistry_PartitionForIsPure(t *testing.T) {
	r := newTestRegistry(t, 3)

	first, err := r.PartitionFor("user:42")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		again, err := r.PartitionFor("user:42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Nodes(), again.Nodes())
	}
}

func TestRegistry_NoNodes(t *testing.T) {
	assigner := algorithm.NewPartitionAssigner(64, 50)
	r := NewRegistry(assigner, 3, zap.NewNop())

	_, err := r.PartitionFor("key")
	assert.ErrorIs(t, err, model.ErrPartitionUnavailable)
}

func TestRegistry_TopologyVersionAdvances(t *testing.T) {
	r := newTestRegistry(t, 2)

	v1 := r.Topology().Version
	require.NoError(t, r.Register(&model.Node{
		ID: "node-9", Host: "127.0.0.1", Port: 7009,
		Role: model.NodeRolePrimary, Health: model.NodeHealthy,
	}))

	v2 := r.Topology().Version
	assert.Greater(t, v2, v1)
}

func TestRegistry_DeregisterRemovesFromOwnership(t *testing.T) {
	r := newTestRegistry(t, 3)

	require.NoError(t, r.Deregister("node-1"))

	topo := r.Topology()
	require.NotNil(t, topo)
	for _, p := range topo.Partitions {
		assert.NotContains(t, p.Nodes(), "node-1")
	}

	// An unknown node is reported, and the topology is left untouched
	v := topo.Version
	err := r.Deregister("ghost")
	require.ErrorIs(t, err, model.ErrNodeNotFound)
	assert.Equal(t, v, r.Topology().Version)
}

func TestRegistry_UnhealthyNodeLeavesRouting(t *testing.T) {
	r := newTestRegistry(t, 3)

	require.NoError(t, r.MarkHealth("node-0", model.NodeUnhealthy))

	topo := r.Topology()
	require.NotNil(t, topo)
	for _, p := range topo.Partitions {
		assert.NotContains(t, p.Nodes(), "node-0")
	}
}

func TestRegistry_DegradedNodeStaysRoutable(t *testing.T) {
	r := newTestRegistry(t, 3)
	v := r.Topology().Version

	require.NoError(t, r.MarkHealth("node-0", model.NodeDegraded))

	// Degraded nodes remain routable: no routable-primary change, no rebuild
	assert.Equal(t, v, r.Topology().Version)
}

func TestRegistry_AllNodesUnhealthyFailsRouting(t *testing.T) {
	r := newTestRegistry(t, 2)

	_ = r.MarkHealth("node-0", model.NodeUnhealthy)
	_ = r.MarkHealth("node-1", model.NodeUnhealthy)

	_, err := r.PartitionFor("key")
	assert.ErrorIs(t, err, model.ErrPartitionUnavailable)
}

func TestRegistry_NodeReturnsCopy(t *testing.T) {
	r := newTestRegistry(t, 1)

	n, ok := r.Node("node-0")
	require.True(t, ok)
	n.Health = model.NodeUnhealthy

	fresh, ok := r.Node("node-0")
	require.True(t, ok)
	assert.Equal(t, model.NodeHealthy, fresh.Health)
}
