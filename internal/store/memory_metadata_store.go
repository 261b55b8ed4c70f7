package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cachemesh/cachemesh/internal/model"
)

// MemoryMetadataStore implements MetadataStore in process memory. Used when
// no database is configured and in tests.
type MemoryMetadataStore struct {
	mu       sync.RWMutex
	nodes    map[string]*model.Node
	policies map[string]model.PolicySpec
	rules    map[string]*model.InvalidationRule
}

// NewMemoryMetadataStore creates an in-memory metadata store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		nodes:    make(map[string]*model.Node),
		policies: make(map[string]model.PolicySpec),
		rules:    make(map[string]*model.InvalidationRule),
	}
}

// ListNodes returns all registered nodes
func (s *MemoryMetadataStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*model.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		n := *node
		nodes = append(nodes, &n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// SaveNode upserts a node record
func (s *MemoryMetadataStore) SaveNode(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := *node
	s.nodes[node.ID] = &n
	return nil
}

// RemoveNode deletes a node record
func (s *MemoryMetadataStore) RemoveNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("node not found")
	}
	delete(s.nodes, nodeID)
	return nil
}

// UpdateNodeHealth updates a node's recorded health
func (s *MemoryMetadataStore) UpdateNodeHealth(ctx context.Context, nodeID string, health model.NodeHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node not found")
	}
	node.Health = health
	return nil
}

// ListPolicies returns all stored policies
func (s *MemoryMetadataStore) ListPolicies(ctx context.Context) ([]model.PolicySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specs := make([]model.PolicySpec, 0, len(s.policies))
	for _, spec := range s.policies {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// SavePolicy upserts a policy
func (s *MemoryMetadataStore) SavePolicy(ctx context.Context, spec model.PolicySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[spec.Name] = spec
	return nil
}

// ListRules returns all stored invalidation rules
func (s *MemoryMetadataStore) ListRules(ctx context.Context) ([]*model.InvalidationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*model.InvalidationRule, 0, len(s.rules))
	for _, rule := range s.rules {
		r := *rule
		rules = append(rules, &r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

// SaveRule upserts an invalidation rule
func (s *MemoryMetadataStore) SaveRule(ctx context.Context, rule *model.InvalidationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rule
	s.rules[rule.Name] = &r
	return nil
}

// Ping always succeeds
func (s *MemoryMetadataStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryMetadataStore) Close() {}
