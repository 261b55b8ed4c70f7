package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Default number of ring positions per physical node
const defaultVirtualNodes = 150

// vnode is one ring position owned by a physical node
type vnode struct {
	hash   uint64
	nodeID string
}

// HashRing implements consistent hashing with virtual nodes. Every physical
// node occupies the same number of ring positions, fixed at construction.
type HashRing struct {
	ring         []vnode
	nodeHashes   map[string][]uint64
	virtualNodes int
	mu           sync.RWMutex
}

// NewHashRing creates an empty ring with the given positions per node
func NewHashRing(virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &HashRing{
		nodeHashes:   make(map[string][]uint64),
		virtualNodes: virtualNodes,
	}
}

// AddNode places a physical node on the ring
func (r *HashRing) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeHashes[nodeID]; exists {
		return
	}

	hashes := make([]uint64, 0, r.virtualNodes)
	for i := 0; i < r.virtualNodes; i++ {
		hash := HashKey(fmt.Sprintf("%s#%d", nodeID, i))
		r.ring = append(r.ring, vnode{hash: hash, nodeID: nodeID})
		hashes = append(hashes, hash)
	}
	r.nodeHashes[nodeID] = hashes

	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i].hash < r.ring[j].hash })
}

// RemoveNode takes a physical node and all of its positions off the ring
func (r *HashRing) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeHashes[nodeID]; !exists {
		return
	}
	delete(r.nodeHashes, nodeID)

	kept := r.ring[:0]
	for _, vn := range r.ring {
		if vn.nodeID != nodeID {
			kept = append(kept, vn)
		}
	}
	r.ring = kept
}

// GetNodes returns up to count distinct physical node IDs for a key hash,
// walking clockwise from the hash position
func (r *HashRing) GetNodes(keyHash uint64, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil
	}

	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i].hash >= keyHash
	})
	if idx >= len(r.ring) {
		idx = 0
	}

	nodes := make([]string, 0, count)
	seen := make(map[string]bool)
	for i := 0; i < len(r.ring) && len(nodes) < count; i++ {
		vn := r.ring[(idx+i)%len(r.ring)]
		if !seen[vn.nodeID] {
			nodes = append(nodes, vn.nodeID)
			seen[vn.nodeID] = true
		}
	}
	return nodes
}

// HashKey computes the SHA-256 based ring position for a key
func HashKey(key string) uint64 {
	h := sha256.New()
	h.Write([]byte(key))
	hashBytes := h.Sum(nil)
	return binary.BigEndian.Uint64(hashBytes[:8])
}
