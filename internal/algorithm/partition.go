package algorithm

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/cachemesh/cachemesh/internal/model"
)

// DefaultPartitionCount is the fixed size of the partition space
const DefaultPartitionCount = 256

// PartitionAssigner derives partition ownership from a hash ring. The
// partition count is fixed; ownership is recomputed, never destroyed, when
// the node set changes.
type PartitionAssigner struct {
	partitionCount int
	virtualNodes   int
}

// NewPartitionAssigner creates an assigner for a fixed partition space
func NewPartitionAssigner(partitionCount, virtualNodes int) *PartitionAssigner {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitionCount
	}
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &PartitionAssigner{
		partitionCount: partitionCount,
		virtualNodes:   virtualNodes,
	}
}

// PartitionCount returns the fixed partition space size
func (a *PartitionAssigner) PartitionCount() int {
	return a.partitionCount
}

// PartitionID derives the partition id for a key hash
func (a *PartitionAssigner) PartitionID(keyHash uint64) int {
	return int(keyHash % uint64(a.partitionCount))
}

// Assign computes ownership for every partition given the current node set.
// Primary ownership comes from hashing the partition id and walking the ring
// to the next primary-capable node; replicas are the remaining routable
// nodes in a deterministic per-partition shuffle, sized to replicationFactor.
// The result is deterministic for a given node set so that routing is a pure
// function of (key, topology).
func (a *PartitionAssigner) Assign(nodes []*model.Node, replicationFactor int) (map[int]*model.Partition, error) {
	primaries := make([]*model.Node, 0, len(nodes))
	routable := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		if !n.IsRoutable() {
			continue
		}
		routable[n.ID] = n
		if n.PrimaryCapable() {
			primaries = append(primaries, n)
		}
	}
	if len(primaries) == 0 {
		return nil, model.ErrPartitionUnavailable
	}

	ring := NewHashRing(a.virtualNodes)
	for _, n := range primaries {
		ring.AddNode(n.ID)
	}

	step := uint64(math.MaxUint64) / uint64(a.partitionCount)
	partitions := make(map[int]*model.Partition, a.partitionCount)

	for id := 0; id < a.partitionCount; id++ {
		pidHash := HashKey(fmt.Sprintf("partition-%d", id))
		owners := ring.GetNodes(pidHash, len(primaries))
		if len(owners) == 0 {
			return nil, model.ErrPartitionUnavailable
		}

		primaryID := owners[0]

		// Remaining routable nodes, deterministically shuffled per partition
		// so replica load spreads evenly across the cluster.
		candidates := make([]string, 0, len(routable))
		for nodeID := range routable {
			if nodeID != primaryID {
				candidates = append(candidates, nodeID)
			}
		}
		sort.Strings(candidates)
		rng := rand.New(rand.NewSource(int64(pidHash)))
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})

		replicaCount := replicationFactor - 1
		if replicaCount > len(candidates) {
			replicaCount = len(candidates)
		}
		if replicaCount < 0 {
			replicaCount = 0
		}

		end := step * uint64(id+1)
		if id == a.partitionCount-1 {
			end = math.MaxUint64
		}

		partitions[id] = &model.Partition{
			ID:           id,
			KeyRange:     model.TokenRange{Start: step * uint64(id), End: end},
			PrimaryNodes: []string{primaryID},
			ReplicaNodes: candidates[:replicaCount],
		}
	}

	return partitions, nil
}
