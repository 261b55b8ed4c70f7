// Package cluster owns node identity, health tracking, partition ownership
// and per-node circuit breaking for the cache cluster.
package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/model"
)

// Registry exclusively owns node identity and publishes immutable topology
// snapshots. Routing reads go through the snapshot, never through the live
// node map, so an in-flight request cannot observe a half-rebuilt ring.
type Registry struct {
	assigner          *algorithm.PartitionAssigner
	replicationFactor int

	nodes map[string]*model.Node
	mu    sync.RWMutex

	topology atomic.Pointer[model.Topology]
	version  atomic.Uint64

	logger *zap.Logger
}

// NewRegistry creates a registry for a fixed partition space
func NewRegistry(assigner *algorithm.PartitionAssigner, replicationFactor int, logger *zap.Logger) *Registry {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	return &Registry{
		assigner:          assigner,
		replicationFactor: replicationFactor,
		nodes:             make(map[string]*model.Node),
		logger:            logger,
	}
}

// Register adds or replaces a node and rebuilds the topology
func (r *Registry) Register(node *model.Node) error {
	r.mu.Lock()
	if node.Health == "" {
		node.Health = model.NodeHealthy
	}
	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = time.Now()
	}
	stored := *node
	r.nodes[node.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("Node registered",
		zap.String("node_id", node.ID),
		zap.String("addr", node.Addr()),
		zap.String("role", string(node.Role)),
		zap.String("region", node.Region))

	return r.Rebuild()
}

// Deregister removes a node and rebuilds the topology. Removing an unknown
// node returns ErrNodeNotFound.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	_, existed := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	r.mu.Unlock()

	if !existed {
		return fmt.Errorf("%w: %s", model.ErrNodeNotFound, nodeID)
	}

	r.logger.Info("Node deregistered", zap.String("node_id", nodeID))
	return r.Rebuild()
}

// Node returns a copy of the node with the given id
func (r *Registry) Node(nodeID string) (*model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	copied := *n
	return &copied, true
}

// Nodes returns copies of all registered nodes
func (r *Registry) Nodes() []*model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		copied := *n
		out = append(out, &copied)
	}
	return out
}

// HealthyCount returns the number of healthy nodes
func (r *Registry) HealthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, n := range r.nodes {
		if n.Health == model.NodeHealthy {
			count++
		}
	}
	return count
}

// MarkHealth records a health transition. The topology is rebuilt only when
// the set of routable primary-capable nodes changes size, not on every
// heartbeat, to avoid ring churn.
func (r *Registry) MarkHealth(nodeID string, health model.NodeHealth) error {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	before := r.routablePrimariesLocked()
	n.Health = health
	after := r.routablePrimariesLocked()
	r.mu.Unlock()

	if before == after {
		return nil
	}

	r.logger.Info("Routable primary set changed, rebuilding topology",
		zap.String("node_id", nodeID),
		zap.String("health", string(health)),
		zap.Int("primaries_before", before),
		zap.Int("primaries_after", after))

	return r.Rebuild()
}

// Heartbeat records liveness and load for a node
func (r *Registry) Heartbeat(nodeID string, load float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.nodes[nodeID]; ok {
		n.LastHeartbeat = time.Now()
		n.Load = load
	}
}

// Topology returns the current immutable ownership snapshot, or nil before
// the first successful rebuild
func (r *Registry) Topology() *model.Topology {
	return r.topology.Load()
}

// PartitionFor maps a key to its partition in the current snapshot.
// Repeated calls without a topology change return the same partition.
func (r *Registry) PartitionFor(key string) (*model.Partition, error) {
	topo := r.topology.Load()
	if topo == nil || len(topo.Partitions) == 0 {
		return nil, model.ErrPartitionUnavailable
	}

	pid := r.assigner.PartitionID(algorithm.HashKey(key))
	p, ok := topo.Partitions[pid]
	if !ok {
		return nil, model.ErrPartitionUnavailable
	}
	return p, nil
}

// Rebuild recomputes partition ownership from the current node set and
// atomically swaps in the new snapshot. With zero routable primaries the
// previous snapshot is discarded so routing fails instead of going stale.
func (r *Registry) Rebuild() error {
	nodes := r.Nodes()

	partitions, err := r.assigner.Assign(nodes, r.replicationFactor)
	if err != nil {
		r.topology.Store(nil)
		r.logger.Warn("Topology rebuild produced no routable partitions", zap.Error(err))
		return err
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}

	topo := &model.Topology{
		Partitions: partitions,
		NodeIDs:    ids,
		Version:    r.version.Add(1),
		BuiltAt:    time.Now(),
	}
	r.topology.Store(topo)

	r.logger.Info("Topology rebuilt",
		zap.Uint64("version", topo.Version),
		zap.Int("partitions", len(partitions)),
		zap.Int("nodes", len(nodes)))

	return nil
}

// routablePrimariesLocked counts routable primary-capable nodes; callers hold r.mu
func (r *Registry) routablePrimariesLocked() int {
	count := 0
	for _, n := range r.nodes {
		if n.IsRoutable() && n.PrimaryCapable() {
			count++
		}
	}
	return count
}
