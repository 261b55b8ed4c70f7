// Package client defines the contract a cache-node driver must satisfy and
// ships the redis-backed and in-memory implementations.
package client

import (
	"context"
	"time"

	"github.com/cachemesh/cachemesh/internal/model"
)

// NodeClient is the driver contract for one remote cache node. All calls are
// bounded by the passed context; a timeout counts as a node failure for
// circuit-breaker purposes.
type NodeClient interface {
	Get(ctx context.Context, key string) (*model.Entry, error)
	Set(ctx context.Context, entry *model.Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// KeyScanner is an optional driver capability used to resolve concrete keys
// from a pattern during invalidation. Drivers that cannot enumerate keys
// simply do not implement it.
type KeyScanner interface {
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Pool hands out one NodeClient per cluster node
type Pool interface {
	ClientFor(node *model.Node) (NodeClient, error)
	CloseAll() error
}
