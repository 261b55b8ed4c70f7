package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
)

// Only entries above this size are considered for compression
const compressionThreshold = 1024

const keyPrefix = "cm:"

// envelope is the wire form of an entry stored on a cache node
type envelope struct {
	Value      []byte   `json:"v"`
	Compressed bool     `json:"c,omitempty"`
	Tags       []string `json:"t,omitempty"`
	Version    int64    `json:"ver"`
	CreatedAt  int64    `json:"at"`
	TTLSeconds int64    `json:"ttl"`
}

// RedisNodeClient implements NodeClient against a redis-compatible cache node
type RedisNodeClient struct {
	client   *redis.Client
	nodeID   string
	compress bool
	logger   *zap.Logger
}

// NewRedisNodeClient connects to a cache node and verifies the connection
func NewRedisNodeClient(node *model.Node, password string, db int, compress bool, logger *zap.Logger) (*RedisNodeClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     node.Addr(),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache node %s: %w", node.ID, err)
	}

	return &RedisNodeClient{
		client:   client,
		nodeID:   node.ID,
		compress: compress,
		logger:   logger,
	}, nil
}

// Get retrieves an entry from the node
func (c *RedisNodeClient) Get(ctx context.Context, key string) (*model.Entry, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, model.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	value := env.Value
	if env.Compressed {
		if value, err = decompress(value); err != nil {
			return nil, fmt.Errorf("failed to decompress entry: %w", err)
		}
	}

	return &model.Entry{
		Key:        key,
		Value:      value,
		TTLSeconds: env.TTLSeconds,
		CreatedAt:  time.UnixMilli(env.CreatedAt),
		Tags:       env.Tags,
		Compressed: env.Compressed,
		SizeBytes:  len(value),
		Version:    env.Version,
	}, nil
}

// Set stores an entry on the node. Large values are compressed when the pool
// enables it globally or the entry's matched policy requested it.
func (c *RedisNodeClient) Set(ctx context.Context, entry *model.Entry, ttl time.Duration) error {
	env := envelope{
		Value:      entry.Value,
		Tags:       entry.Tags,
		Version:    entry.Version,
		CreatedAt:  entry.CreatedAt.UnixMilli(),
		TTLSeconds: entry.TTLSeconds,
	}

	if (c.compress || entry.Compressed) && len(entry.Value) > compressionThreshold {
		compressed, err := compress(entry.Value)
		if err == nil && len(compressed) < len(entry.Value) {
			env.Value = compressed
			env.Compressed = true
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+entry.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}
	return nil
}

// Delete removes a key from the node
func (c *RedisNodeClient) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}
	return nil
}

// Exists checks whether a key is present on the node
func (c *RedisNodeClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live of a key
func (c *RedisNodeClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}
	return d, nil
}

// Scan resolves concrete keys matching a glob pattern
func (c *RedisNodeClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, keyPrefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNodeUnavailable, err)
	}
	return keys, nil
}

// Ping checks the node connection
func (c *RedisNodeClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying connection
func (c *RedisNodeClient) Close() error {
	return c.client.Close()
}

// RedisPool hands out one connected client per node, reusing connections
type RedisPool struct {
	password string
	db       int
	compress bool
	logger   *zap.Logger

	clients map[string]*RedisNodeClient
	mu      sync.Mutex
}

// NewRedisPool creates a connection pool for redis cache nodes
func NewRedisPool(password string, db int, compress bool, logger *zap.Logger) *RedisPool {
	return &RedisPool{
		password: password,
		db:       db,
		compress: compress,
		logger:   logger,
		clients:  make(map[string]*RedisNodeClient),
	}
}

// ClientFor returns the client for a node, dialing on first use
func (p *RedisPool) ClientFor(node *model.Node) (NodeClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[node.ID]; ok {
		return c, nil
	}

	c, err := NewRedisNodeClient(node, p.password, p.db, p.compress, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[node.ID] = c
	return c, nil
}

// CloseAll closes every pooled connection
func (p *RedisPool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, id)
	}
	return firstErr
}

// Compression helpers using gzip
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
