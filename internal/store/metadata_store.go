package store

import (
	"context"

	"github.com/cachemesh/cachemesh/internal/model"
)

// MetadataStore persists cluster membership, cache policies and invalidation
// rules for durable bootstrap. The hot path never touches it; the registry,
// policy engine and invalidation engine are loaded from it at startup and
// written through on admin changes.
type MetadataStore interface {
	// Nodes
	ListNodes(ctx context.Context) ([]*model.Node, error)
	SaveNode(ctx context.Context, node *model.Node) error
	RemoveNode(ctx context.Context, nodeID string) error
	UpdateNodeHealth(ctx context.Context, nodeID string, health model.NodeHealth) error

	// Policies
	ListPolicies(ctx context.Context) ([]model.PolicySpec, error)
	SavePolicy(ctx context.Context, spec model.PolicySpec) error

	// Invalidation rules
	ListRules(ctx context.Context) ([]*model.InvalidationRule, error)
	SaveRule(ctx context.Context, rule *model.InvalidationRule) error

	// Ping checks backend connectivity
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close()
}
