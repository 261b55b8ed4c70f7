package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/cache"
	"github.com/cachemesh/cachemesh/internal/client"
	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
)

// GetOptions tune a distributed read
type GetOptions struct {
	Consistency    model.ConsistencyLevel
	ReadPreference model.ReadPreference
	// MaxStale allows returning an entry whose expiry lapsed within this window
	MaxStale time.Duration
	// SkipLocal bypasses the L1 tier
	SkipLocal bool
}

// SetOptions tune a replicated write
type SetOptions struct {
	TTL         time.Duration
	Tags        []string
	Strategy    string
	Consistency model.ConsistencyLevel
}

// InvalidateOptions tune an invalidation
type InvalidateOptions struct {
	Cascade         bool
	CrossRegionSync bool
}

// WriteResult reports the outcome of a replicated write
type WriteResult struct {
	Success     bool
	Key         string
	Acks        int
	Required    int
	Consistency model.ConsistencyLevel
}

// readResponse is one node's answer during a fan-out read
type readResponse struct {
	nodeID string
	entry  *model.Entry
	err    error
}

// Coordinator routes reads and writes through the partition map, honoring
// the requested consistency level and feeding per-node circuit breakers.
type Coordinator struct {
	registry   *cluster.Registry
	breakers   *cluster.BreakerGroup
	pool       client.Pool
	strategies *StrategyRegistry
	policies   *policy.Engine
	local      *cache.Local
	quorum     *algorithm.QuorumCalculator
	hints      *HintQueue

	readTimeout  time.Duration
	writeTimeout time.Duration

	// onCascade is installed by the invalidation engine so pattern
	// invalidations can fan out to dependent rules
	onCascade func(pattern string)
	cascadeMu sync.RWMutex

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a replication coordinator
func NewCoordinator(
	registry *cluster.Registry,
	breakers *cluster.BreakerGroup,
	pool client.Pool,
	strategies *StrategyRegistry,
	policies *policy.Engine,
	local *cache.Local,
	readTimeout, writeTimeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if readTimeout <= 0 {
		readTimeout = 3 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Coordinator{
		registry:     registry,
		breakers:     breakers,
		pool:         pool,
		strategies:   strategies,
		policies:     policies,
		local:        local,
		quorum:       algorithm.NewQuorumCalculator(),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		metrics:      m,
		logger:       logger,
	}
	c.hints = NewHintQueue(registry, c.hintPool, 0, 0, 0, m, logger)
	return c
}

// Hints exposes the hinted-handoff queue for lifecycle control
func (c *Coordinator) Hints() *HintQueue {
	return c.hints
}

// SetCascadeHook installs the invalidation cascade callback
func (c *Coordinator) SetCascadeHook(fn func(pattern string)) {
	c.cascadeMu.Lock()
	c.onCascade = fn
	c.cascadeMu.Unlock()
}

// Get reads a key, consulting L1 first and then the distributed tier at the
// requested consistency level. Caller options win; unset consistency and read
// preference fall back to the matched policy. Unless the level is `all`,
// failures degrade to a cache miss rather than an error; the caller falls
// through to the source of truth.
func (c *Coordinator) Get(ctx context.Context, key string, opts GetOptions) (*model.Entry, error) {
	started := time.Now()
	readLevel := level(opts.Consistency)
	if c.policies != nil {
		if matched := c.policies.Resolve(key); matched != nil {
			if readLevel == "" && matched.Replication.Consistency.Valid() {
				readLevel = matched.Replication.Consistency
			}
			if opts.ReadPreference == "" {
				opts.ReadPreference = matched.Access.ReadPreference
			}
		}
	}
	level := c.normalizeRead(readLevel)
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordOperation("get", string(level), time.Since(started).Seconds())
		}
	}()

	if !opts.SkipLocal && c.local != nil {
		if entry, ok := c.local.Get(key); ok {
			return entry, nil
		}
	}

	entry, err := c.distributedGet(ctx, key, level, opts)
	if err != nil {
		if level == model.ConsistencyAll && !model.IsMiss(err) {
			return nil, err
		}
		if !model.IsMiss(err) {
			c.logger.Debug("Distributed read degraded to miss",
				zap.String("key", key), zap.Error(err))
		}
		if c.metrics != nil {
			c.metrics.RecordMiss("l2")
		}
		return nil, model.ErrCacheMiss
	}

	if c.metrics != nil {
		c.metrics.RecordHit("l2")
	}

	// Repopulate L1 on a distributed hit
	if c.local != nil {
		remaining := time.Until(entry.ExpiresAt())
		if entry.TTLSeconds <= 0 || remaining > 0 {
			c.local.Set(entry, remaining)
		}
	}

	return entry, nil
}

// Set writes a key to L1 immediately and replicates it to the distributed
// tier. The write fails with ErrInsufficientReplicas when acknowledgments
// fall below the consistency threshold, even if some replicas landed.
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, opts SetOptions) (*WriteResult, error) {
	started := time.Now()

	strategy, err := c.strategies.Get(opts.Strategy)
	if err != nil {
		return nil, err
	}

	writeLevel := level(opts.Consistency)
	ttl := opts.TTL
	factor := strategy.ReplicationFactor
	compress := false
	var eviction model.EvictionConfig

	if c.policies != nil {
		if matched := c.policies.Resolve(key); matched != nil {
			if writeLevel == "" && matched.Replication.Consistency.Valid() {
				writeLevel = matched.Replication.Consistency
			}
			if matched.Replication.Factor > 0 {
				factor = matched.Replication.Factor
			}
			compress = matched.Storage.Compress
			eviction = matched.Eviction
		}
		if ttl <= 0 {
			ttl = c.policies.EffectiveTTL(key)
		}
	}
	if writeLevel == "" {
		writeLevel = strategy.WriteConsistency
	}

	now := time.Now()
	entry := &model.Entry{
		Key:              key,
		Value:            value,
		TTLSeconds:       int64(ttl / time.Second),
		CreatedAt:        now,
		Tags:             opts.Tags,
		SizeBytes:        len(value),
		Compressed:       compress,
		EvictionPolicy:   eviction.Policy,
		EvictionPriority: eviction.Priority,
		Version:          now.UnixMilli(),
	}

	if c.local != nil {
		c.local.Set(entry, ttl)
	}

	result, err := c.replicateWrite(ctx, entry, ttl, strategy, writeLevel, factor)

	if c.metrics != nil {
		c.metrics.RecordOperation("set", string(writeLevel), time.Since(started).Seconds())
		if err != nil {
			c.metrics.RecordQuorumFailure("set", string(writeLevel))
		}
	}

	return result, err
}

// Invalidate resolves concrete keys from a pattern and deletes them from L1
// and from every node holding a copy. Invalidating a pattern with no matches
// is a no-op. Failures are logged and left to hint replay; they never block
// the caller.
func (c *Coordinator) Invalidate(ctx context.Context, keyOrPattern string, opts InvalidateOptions) error {
	removed := 0
	if c.local != nil {
		removed = c.local.InvalidateByPattern(keyOrPattern)
	}

	keys := c.resolveKeys(ctx, keyOrPattern)
	for _, key := range keys {
		c.deleteEverywhere(ctx, key)
	}

	c.logger.Debug("Invalidation executed",
		zap.String("pattern", keyOrPattern),
		zap.Int("l1_removed", removed),
		zap.Int("l2_keys", len(keys)))

	if opts.Cascade {
		c.cascadeMu.RLock()
		hook := c.onCascade
		c.cascadeMu.RUnlock()
		if hook != nil {
			hook(keyOrPattern)
		}
	}

	return nil
}

// Exists reports whether a live entry for the key is present in either tier
func (c *Coordinator) Exists(ctx context.Context, key string) bool {
	if c.local != nil {
		if _, ok := c.local.Get(key); ok {
			return true
		}
	}

	partition, err := c.registry.PartitionFor(key)
	if err != nil {
		return false
	}
	for _, nodeID := range partition.Nodes() {
		call, ok := c.clientFor(nodeID)
		if !ok {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
		exists, err := call.Exists(checkCtx, key)
		cancel()
		if err == nil {
			return exists
		}
	}
	return false
}

// Local exposes the L1 tier
func (c *Coordinator) Local() *cache.Local {
	return c.local
}

// distributedGet fans reads out to the partition's candidate nodes
func (c *Coordinator) distributedGet(ctx context.Context, key string, readLevel model.ConsistencyLevel, opts GetOptions) (*model.Entry, error) {
	partition, err := c.registry.PartitionFor(key)
	if err != nil {
		return nil, err
	}

	candidates := c.readCandidates(partition, opts.ReadPreference)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate nodes for key %q", model.ErrInsufficientReplicas, key)
	}

	required := c.quorum.Required(readLevel, len(candidates))
	if readLevel == model.ConsistencyAll {
		required = len(candidates)
	}

	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	responses := c.fanOutRead(ctx, key, candidates, required)

	// Failover: node errors are retried on the remaining candidates within
	// the same operation deadline.
	tried := required
	for successCount(responses) < required && tried < len(candidates) {
		if ctx.Err() != nil {
			break
		}
		responses = append(responses, c.readOne(ctx, key, candidates[tried]))
		tried++
	}

	return c.reconcile(ctx, key, candidates, responses, readLevel, required, opts.MaxStale)
}

// fanOutRead issues parallel reads to the first `count` candidates
func (c *Coordinator) fanOutRead(ctx context.Context, key string, candidates []string, count int) []readResponse {
	if count > len(candidates) {
		count = len(candidates)
	}

	responses := make([]readResponse, 0, count)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range candidates[:count] {
		nodeID := nodeID
		g.Go(func() error {
			resp := c.readOne(gctx, key, nodeID)
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

// readOne reads a key from one node through its circuit breaker
func (c *Coordinator) readOne(ctx context.Context, key, nodeID string) readResponse {
	call, ok := c.clientFor(nodeID)
	if !ok {
		return readResponse{nodeID: nodeID, err: model.ErrNodeUnavailable}
	}

	var entry *model.Entry
	err := c.breakers.Execute(nodeID, func() error {
		var callErr error
		entry, callErr = call.Get(ctx, key)
		if model.IsMiss(callErr) {
			// A miss is a valid response, not a node failure
			entry = nil
			return nil
		}
		return callErr
	})

	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		c.metrics.RecordReplicaRead(nodeID, status)
	}

	if err != nil {
		c.logger.Warn("Read failed from replica",
			zap.String("key", key),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return readResponse{nodeID: nodeID, err: err}
	}
	return readResponse{nodeID: nodeID, entry: entry}
}

// reconcile picks the winning value from fan-out responses. Writes carry a
// millisecond version timestamp; quorum reads return the most recent version
// and repair stale replicas asynchronously.
func (c *Coordinator) reconcile(
	ctx context.Context,
	key string,
	candidates []string,
	responses []readResponse,
	readLevel model.ConsistencyLevel,
	required int,
	maxStale time.Duration,
) (*model.Entry, error) {
	successes := successCount(responses)
	if successes < required {
		return nil, fmt.Errorf("%w: %d/%d reads succeeded for key %q",
			model.ErrInsufficientReplicas, successes, required, key)
	}

	var latest *model.Entry
	divergent := false
	missing := 0
	for _, resp := range responses {
		if resp.err != nil {
			continue
		}
		if resp.entry == nil {
			missing++
			continue
		}
		if latest == nil {
			latest = resp.entry
			continue
		}
		if resp.entry.Version != latest.Version {
			divergent = true
			if resp.entry.Version > latest.Version {
				latest = resp.entry
			}
		}
	}

	// A replica that answered cleanly but has no copy disagrees with the
	// replicas that do.
	if latest != nil && missing > 0 {
		divergent = true
	}

	if readLevel == model.ConsistencyAll && divergent {
		return nil, fmt.Errorf("%w: replicas disagree for key %q under all-consistency",
			model.ErrInsufficientReplicas, key)
	}

	if latest == nil {
		return nil, model.ErrCacheMiss
	}

	now := time.Now()
	if latest.Expired(now) {
		if maxStale <= 0 || now.Sub(latest.ExpiresAt()) > maxStale {
			return nil, model.ErrCacheMiss
		}
	}

	if divergent {
		c.logger.Warn("Divergent replica values detected",
			zap.String("key", key),
			zap.Int64("winning_version", latest.Version))
		c.repairAsync(key, latest, responses)
	}

	return latest, nil
}

// repairAsync rewrites the winning value to replicas that returned a stale
// or missing copy
func (c *Coordinator) repairAsync(key string, latest *model.Entry, responses []readResponse) {
	stale := make([]string, 0, len(responses))
	for _, resp := range responses {
		if resp.err != nil {
			continue
		}
		if resp.entry == nil || resp.entry.Version < latest.Version {
			stale = append(stale, resp.nodeID)
		}
	}
	if len(stale) == 0 {
		return
	}

	entry := *latest
	ttl := time.Until(entry.ExpiresAt())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()

		for _, nodeID := range stale {
			call, ok := c.clientFor(nodeID)
			if !ok {
				continue
			}
			err := c.breakers.Execute(nodeID, func() error {
				return call.Set(ctx, &entry, ttl)
			})
			if c.metrics != nil {
				status := "success"
				if err != nil {
					status = "failure"
				}
				c.metrics.RecordReadRepair(status)
			}
		}
	}()
}

// replicateWrite writes the entry to the partition's replica set in parallel.
// The effective factor is the strategy's unless a matched policy overrode it.
func (c *Coordinator) replicateWrite(
	ctx context.Context,
	entry *model.Entry,
	ttl time.Duration,
	strategy *model.ReplicationStrategy,
	writeLevel model.ConsistencyLevel,
	factor int,
) (*WriteResult, error) {
	partition, err := c.registry.PartitionFor(entry.Key)
	if err != nil {
		return nil, err
	}

	replicas := partition.Nodes()
	if factor <= 0 {
		factor = strategy.ReplicationFactor
	}
	if len(replicas) > factor {
		replicas = replicas[:factor]
	}
	if len(replicas) == 0 {
		return nil, fmt.Errorf("%w: no replicas for key %q", model.ErrInsufficientReplicas, entry.Key)
	}

	required := c.quorum.Required(writeLevel, len(replicas))

	c.logger.Debug("Writing to replicas",
		zap.String("key", entry.Key),
		zap.Int("total_replicas", len(replicas)),
		zap.Int("required_replicas", required),
		zap.String("consistency", string(writeLevel)))

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var acks int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range replicas {
		nodeID := nodeID
		g.Go(func() error {
			err := c.writeOne(gctx, nodeID, entry, ttl, strategy)
			if err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &WriteResult{
		Key:         entry.Key,
		Acks:        acks,
		Required:    required,
		Consistency: writeLevel,
	}

	if acks < required {
		// Partial-failure state: some replicas may hold the write even
		// though the operation failed. Surfaced, never swallowed.
		c.logger.Warn("Write consistency threshold not met",
			zap.String("key", entry.Key),
			zap.Int("acks", acks),
			zap.Int("required", required))
		return result, fmt.Errorf("%w: %d/%d writes acknowledged for key %q",
			model.ErrInsufficientReplicas, acks, required, entry.Key)
	}

	result.Success = true
	return result, nil
}

// writeOne writes to a single node, storing a hint on failure when the
// strategy uses hinted handoff
func (c *Coordinator) writeOne(ctx context.Context, nodeID string, entry *model.Entry, ttl time.Duration, strategy *model.ReplicationStrategy) error {
	call, ok := c.clientFor(nodeID)
	if !ok {
		if strategy.RepairStrategy == model.RepairHintedHandoff {
			c.hints.Store(nodeID, entry, ttl)
		}
		return model.ErrNodeUnavailable
	}

	err := c.breakers.Execute(nodeID, func() error {
		return call.Set(ctx, entry, ttl)
	})

	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		c.metrics.RecordReplicaWrite(nodeID, status)
	}

	if err != nil {
		c.logger.Warn("Write failed to replica",
			zap.String("key", entry.Key),
			zap.String("node_id", nodeID),
			zap.Error(err))
		if strategy.RepairStrategy == model.RepairHintedHandoff {
			c.hints.Store(nodeID, entry, ttl)
		}
	}
	return err
}

// resolveKeys expands a pattern into concrete keys using the driver's Scan
// capability where available; drivers without Scan treat the pattern as an
// exact key
func (c *Coordinator) resolveKeys(ctx context.Context, pattern string) []string {
	seen := make(map[string]bool)
	scanned := false

	for _, node := range c.registry.Nodes() {
		if !node.IsRoutable() {
			continue
		}
		nodeClient, err := c.pool.ClientFor(node)
		if err != nil {
			continue
		}
		scanner, ok := nodeClient.(client.KeyScanner)
		if !ok {
			continue
		}
		scanned = true

		scanCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
		keys, err := scanner.Scan(scanCtx, pattern)
		cancel()
		if err != nil {
			c.logger.Debug("Key scan failed",
				zap.String("node_id", node.ID),
				zap.String("pattern", pattern),
				zap.Error(err))
			continue
		}
		for _, key := range keys {
			seen[key] = true
		}
	}

	if !scanned {
		return []string{pattern}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	return keys
}

// deleteEverywhere removes a key from every node owning its partition
func (c *Coordinator) deleteEverywhere(ctx context.Context, key string) {
	partition, err := c.registry.PartitionFor(key)
	if err != nil {
		return
	}

	for _, nodeID := range partition.Nodes() {
		call, ok := c.clientFor(nodeID)
		if !ok {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		err := c.breakers.Execute(nodeID, func() error {
			return call.Delete(delCtx, key)
		})
		cancel()
		if err != nil && !errors.Is(err, model.ErrCacheMiss) {
			c.logger.Debug("Delete failed on node",
				zap.String("key", key),
				zap.String("node_id", nodeID),
				zap.Error(err))
		}
	}
}

// readCandidates filters a partition's nodes by read preference, registry
// health and breaker state
func (c *Coordinator) readCandidates(partition *model.Partition, pref model.ReadPreference) []string {
	var pool []string
	switch pref {
	case model.ReadPreferMaster:
		pool = partition.PrimaryNodes
	case model.ReadPreferReplica:
		pool = partition.ReplicaNodes
		if len(pool) == 0 {
			pool = partition.PrimaryNodes
		}
	default:
		pool = partition.Nodes()
	}

	candidates := make([]string, 0, len(pool))
	for _, nodeID := range pool {
		node, ok := c.registry.Node(nodeID)
		if !ok || !node.IsRoutable() {
			continue
		}
		if !c.breakers.Allow(nodeID) {
			continue
		}
		candidates = append(candidates, nodeID)
	}
	return candidates
}

// clientFor resolves the driver for a node id
func (c *Coordinator) clientFor(nodeID string) (client.NodeClient, bool) {
	node, ok := c.registry.Node(nodeID)
	if !ok {
		return nil, false
	}
	nodeClient, err := c.pool.ClientFor(node)
	if err != nil {
		return nil, false
	}
	return nodeClient, true
}

// hintPool adapts the client pool for hint replay
func (c *Coordinator) hintPool(nodeID string) (nodeCall, bool) {
	nodeClient, ok := c.clientFor(nodeID)
	if !ok {
		return nil, false
	}
	return nodeClient, true
}

// normalizeRead applies the default read consistency
func (c *Coordinator) normalizeRead(l model.ConsistencyLevel) model.ConsistencyLevel {
	if l == "" {
		return model.ConsistencyOne
	}
	return l
}

func level(l model.ConsistencyLevel) model.ConsistencyLevel {
	if l != "" && !l.Valid() {
		return ""
	}
	return l
}

func successCount(responses []readResponse) int {
	count := 0
	for _, resp := range responses {
		if resp.err == nil {
			count++
		}
	}
	return count
}
