package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
)

// Hint represents a write that failed to reach a node and will be replayed
// once the node recovers
type Hint struct {
	NodeID  string
	Entry   model.Entry
	TTL     time.Duration
	Stored  time.Time
	Retries int
}

const maxHintRetries = 10

// HintQueue implements the hinted-handoff repair strategy: missed writes are
// held per node and replayed by a background loop.
type HintQueue struct {
	registry *cluster.Registry
	pool     poolFunc

	hints    map[string][]*Hint
	mu       sync.RWMutex
	maxHints int
	hintTTL  time.Duration
	interval time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// poolFunc resolves the client for a node id
type poolFunc func(nodeID string) (nodeCall, bool)

// nodeCall is the subset of the driver used for hint replay
type nodeCall interface {
	Set(ctx context.Context, entry *model.Entry, ttl time.Duration) error
}

// NewHintQueue creates a hint queue with the given bounds
func NewHintQueue(registry *cluster.Registry, pool poolFunc, maxHints int, hintTTL, replayInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *HintQueue {
	if maxHints <= 0 {
		maxHints = 10000
	}
	if hintTTL == 0 {
		hintTTL = 3 * time.Hour
	}
	if replayInterval == 0 {
		replayInterval = 10 * time.Second
	}
	return &HintQueue{
		registry: registry,
		pool:     pool,
		hints:    make(map[string][]*Hint),
		maxHints: maxHints,
		hintTTL:  hintTTL,
		interval: replayInterval,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background replay loop
func (q *HintQueue) Start() {
	q.logger.Info("Starting hint replay loop",
		zap.Int("max_hints_per_node", q.maxHints),
		zap.Duration("hint_ttl", q.hintTTL),
		zap.Duration("replay_interval", q.interval))

	ticker := time.NewTicker(q.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				q.ReplayAll(context.Background())
			case <-q.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the replay loop
func (q *HintQueue) Stop() {
	q.stopped.Do(func() { close(q.stopCh) })
}

// Store records a missed write for later replay, dropping the oldest hint
// for the node when at capacity
func (q *HintQueue) Store(nodeID string, entry *model.Entry, ttl time.Duration) {
	q.mu.Lock()
	if len(q.hints[nodeID]) >= q.maxHints {
		q.logger.Warn("Max hints reached for node, dropping oldest hint",
			zap.String("node_id", nodeID),
			zap.Int("max_hints", q.maxHints))
		q.hints[nodeID] = q.hints[nodeID][1:]
	}
	q.hints[nodeID] = append(q.hints[nodeID], &Hint{
		NodeID: nodeID,
		Entry:  *entry,
		TTL:    ttl,
		Stored: time.Now(),
	})
	pending := q.pendingLocked()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.HintsPending.Set(float64(pending))
	}

	q.logger.Debug("Hint stored",
		zap.String("node_id", nodeID),
		zap.String("key", entry.Key))
}

// Pending returns the total number of stored hints
func (q *HintQueue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pendingLocked()
}

func (q *HintQueue) pendingLocked() int {
	total := 0
	for _, hints := range q.hints {
		total += len(hints)
	}
	return total
}

// ReplayAll attempts to replay hints for every node with pending hints
func (q *HintQueue) ReplayAll(ctx context.Context) {
	q.mu.RLock()
	nodeIDs := make([]string, 0, len(q.hints))
	for nodeID := range q.hints {
		nodeIDs = append(nodeIDs, nodeID)
	}
	q.mu.RUnlock()

	for _, nodeID := range nodeIDs {
		q.replayNode(ctx, nodeID)
	}

	if q.metrics != nil {
		q.metrics.HintsPending.Set(float64(q.Pending()))
	}
}

// replayNode replays hints for one node; only nodes that are routable again
// are attempted
func (q *HintQueue) replayNode(ctx context.Context, nodeID string) {
	node, ok := q.registry.Node(nodeID)
	if !ok || !node.IsRoutable() {
		return
	}

	call, ok := q.pool(nodeID)
	if !ok {
		return
	}

	q.mu.RLock()
	hintsToReplay := make([]*Hint, len(q.hints[nodeID]))
	copy(hintsToReplay, q.hints[nodeID])
	q.mu.RUnlock()

	if len(hintsToReplay) == 0 {
		return
	}

	success, expired, failed := 0, 0, 0
	for _, hint := range hintsToReplay {
		if time.Since(hint.Stored) > q.hintTTL {
			q.remove(nodeID, hint)
			expired++
			continue
		}

		replayCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := call.Set(replayCtx, &hint.Entry, hint.TTL)
		cancel()

		if err == nil {
			q.remove(nodeID, hint)
			success++
			continue
		}

		hint.Retries++
		failed++
		if hint.Retries >= maxHintRetries {
			q.remove(nodeID, hint)
			q.logger.Warn("Hint max retries exceeded, dropping",
				zap.String("node_id", nodeID),
				zap.String("key", hint.Entry.Key))
		}
	}

	if success > 0 || expired > 0 || failed > 0 {
		q.logger.Info("Hint replay completed",
			zap.String("node_id", nodeID),
			zap.Int("success", success),
			zap.Int("expired", expired),
			zap.Int("failed", failed))
	}
}

func (q *HintQueue) remove(nodeID string, target *Hint) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nodeHints := q.hints[nodeID]
	newHints := make([]*Hint, 0, len(nodeHints))
	for _, hint := range nodeHints {
		if hint != target {
			newHints = append(newHints, hint)
		}
	}
	if len(newHints) == 0 {
		delete(q.hints, nodeID)
	} else {
		q.hints[nodeID] = newHints
	}
}
