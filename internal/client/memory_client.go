package client

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cachemesh/cachemesh/internal/model"
)

// MemoryNodeClient implements NodeClient in process memory. Used in tests and
// for single-process bootstrap before real nodes are registered.
type MemoryNodeClient struct {
	entries map[string]*memoryItem
	mu      sync.RWMutex

	failing bool // when set, every call errors; used to simulate node outage
}

type memoryItem struct {
	entry     model.Entry
	expiresAt time.Time
}

// NewMemoryNodeClient creates an empty in-memory node
func NewMemoryNodeClient() *MemoryNodeClient {
	return &MemoryNodeClient{entries: make(map[string]*memoryItem)}
}

// SetFailing toggles simulated node failure
func (c *MemoryNodeClient) SetFailing(failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = failing
}

func (c *MemoryNodeClient) checkUp() error {
	if c.failing {
		return model.ErrNodeUnavailable
	}
	return nil
}

// Get retrieves an entry
func (c *MemoryNodeClient) Get(ctx context.Context, key string) (*model.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUp(); err != nil {
		return nil, err
	}

	item, ok := c.entries[key]
	if !ok {
		return nil, model.ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		return nil, model.ErrCacheMiss
	}

	entry := item.entry
	return &entry, nil
}

// Set stores an entry
func (c *MemoryNodeClient) Set(ctx context.Context, entry *model.Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUp(); err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries[entry.Key] = &memoryItem{entry: *entry, expiresAt: expiresAt}
	return nil
}

// Delete removes a key
func (c *MemoryNodeClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUp(); err != nil {
		return err
	}
	delete(c.entries, key)
	return nil
}

// Exists checks key presence
func (c *MemoryNodeClient) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUp(); err != nil {
		return false, err
	}
	item, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		return false, nil
	}
	return true, nil
}

// TTL returns the remaining time-to-live
func (c *MemoryNodeClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUp(); err != nil {
		return 0, err
	}
	item, ok := c.entries[key]
	if !ok {
		return -2 * time.Second, nil
	}
	if item.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(item.expiresAt), nil
}

// Scan resolves keys matching a glob pattern
func (c *MemoryNodeClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUp(); err != nil {
		return nil, err
	}

	hasGlob := strings.ContainsAny(pattern, "*?[")
	var keys []string
	for key := range c.entries {
		if hasGlob {
			if matched, _ := path.Match(pattern, key); matched {
				keys = append(keys, key)
			}
		} else if strings.Contains(key, pattern) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping checks simulated availability
func (c *MemoryNodeClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkUp()
}

// Close is a no-op for the in-memory client
func (c *MemoryNodeClient) Close() error {
	return nil
}

// Len returns the number of stored entries
func (c *MemoryNodeClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryPool maps every node to a dedicated in-memory client
type MemoryPool struct {
	clients map[string]*MemoryNodeClient
	mu      sync.Mutex
}

// NewMemoryPool creates an empty in-memory pool
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{clients: make(map[string]*MemoryNodeClient)}
}

// ClientFor returns the in-memory client for a node, creating it on first use
func (p *MemoryPool) ClientFor(node *model.Node) (NodeClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[node.ID]; ok {
		return c, nil
	}
	c := NewMemoryNodeClient()
	p.clients[node.ID] = c
	return c, nil
}

// Raw returns the underlying client for test assertions
func (p *MemoryPool) Raw(nodeID string) *MemoryNodeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[nodeID]
}

// CloseAll is a no-op for in-memory clients
func (p *MemoryPool) CloseAll() error {
	return nil
}
