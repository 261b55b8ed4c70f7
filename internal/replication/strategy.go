// Package replication executes reads and writes against the node set owning
// a key's partition, honoring tunable consistency levels.
package replication

import (
	"fmt"
	"sync"

	"github.com/cachemesh/cachemesh/internal/model"
)

// DefaultStrategyName is used when an operation names no strategy
const DefaultStrategyName = "default"

// StrategyRegistry holds named replication strategies. Strategies are
// immutable once registered and selected per operation by name.
type StrategyRegistry struct {
	strategies map[string]*model.ReplicationStrategy
	mu         sync.RWMutex
}

// NewStrategyRegistry creates a registry seeded with a sensible default
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]*model.ReplicationStrategy)}
	r.strategies[DefaultStrategyName] = &model.ReplicationStrategy{
		Name:                DefaultStrategyName,
		ReplicationFactor:   3,
		WriteConsistency:    model.ConsistencyQuorum,
		ReadConsistency:     model.ConsistencyOne,
		RepairStrategy:      model.RepairHintedHandoff,
		MaxReplicationLagMs: 5000,
	}
	return r
}

// Register adds a strategy. Re-registering an existing name is rejected
// since strategies are immutable.
func (r *StrategyRegistry) Register(s *model.ReplicationStrategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if s.ReplicationFactor <= 0 {
		return fmt.Errorf("strategy %q: replication factor must be positive", s.Name)
	}
	if !s.WriteConsistency.Valid() || !s.ReadConsistency.Valid() {
		return fmt.Errorf("strategy %q: invalid consistency level", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.Name]; exists && s.Name != DefaultStrategyName {
		return fmt.Errorf("strategy %q already registered", s.Name)
	}
	stored := *s
	r.strategies[s.Name] = &stored
	return nil
}

// Get returns the named strategy, falling back to the default on empty name
func (r *StrategyRegistry) Get(name string) (*model.ReplicationStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = DefaultStrategyName
	}
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown replication strategy %q", name)
	}
	copied := *s
	return &copied, nil
}
