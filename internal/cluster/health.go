package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/client"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
)

// HealthLoop periodically probes every registered node, feeds the circuit
// breakers, and degrades or recovers nodes in the registry. Topology rebuilds
// happen inside the registry when a health transition changes the routable
// primary set.
type HealthLoop struct {
	registry *Registry
	pool     client.Pool
	breakers *BreakerGroup

	interval     time.Duration
	probeTimeout time.Duration
	// consecutive probe failures before a node is marked unhealthy
	failureThreshold int

	failures map[string]int
	mu       sync.Mutex

	metrics *metrics.Metrics
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// NewHealthLoop creates a health loop over the registry's nodes
func NewHealthLoop(
	registry *Registry,
	pool client.Pool,
	breakers *BreakerGroup,
	interval, probeTimeout time.Duration,
	failureThreshold int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthLoop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &HealthLoop{
		registry:         registry,
		pool:             pool,
		breakers:         breakers,
		interval:         interval,
		probeTimeout:     probeTimeout,
		failureThreshold: failureThreshold,
		failures:         make(map[string]int),
		metrics:          m,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the periodic probe loop
func (h *HealthLoop) Start() {
	h.logger.Info("Starting health loop",
		zap.Duration("interval", h.interval),
		zap.Int("failure_threshold", h.failureThreshold))

	ticker := time.NewTicker(h.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				h.ProbeAll(context.Background())
			case <-h.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the probe loop
func (h *HealthLoop) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })
	h.logger.Info("Health loop stopped")
}

// ProbeAll probes every registered node once
func (h *HealthLoop) ProbeAll(ctx context.Context) {
	nodes := h.registry.Nodes()
	for _, node := range nodes {
		h.Probe(ctx, node)
	}

	if h.metrics != nil {
		h.metrics.NodesHealthy.Set(float64(h.registry.HealthyCount()))
	}
}

// Probe checks a single node and updates the registry and breaker
func (h *HealthLoop) Probe(ctx context.Context, node *model.Node) {
	nodeClient, err := h.pool.ClientFor(node)
	if err != nil {
		h.recordFailure(node, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	started := time.Now()
	err = h.breakers.Execute(node.ID, func() error {
		return nodeClient.Ping(ctx)
	})
	rtt := time.Since(started)

	if err != nil {
		h.recordFailure(node, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ReplicationLag.WithLabelValues(node.ID).Set(float64(rtt.Milliseconds()))
	}

	h.mu.Lock()
	h.failures[node.ID] = 0
	h.mu.Unlock()

	h.registry.Heartbeat(node.ID, node.Load)
	if node.Health != model.NodeHealthy {
		h.logger.Info("Node recovered", zap.String("node_id", node.ID))
		_ = h.registry.MarkHealth(node.ID, model.NodeHealthy)
	}
}

// recordFailure counts a failed probe and degrades the node when the
// consecutive-failure threshold is crossed
func (h *HealthLoop) recordFailure(node *model.Node, err error) {
	h.mu.Lock()
	h.failures[node.ID]++
	count := h.failures[node.ID]
	h.mu.Unlock()

	h.logger.Warn("Node probe failed",
		zap.String("node_id", node.ID),
		zap.Int("consecutive_failures", count),
		zap.Error(err))

	switch {
	case count >= h.failureThreshold:
		_ = h.registry.MarkHealth(node.ID, model.NodeUnhealthy)
	case node.Health == model.NodeHealthy:
		_ = h.registry.MarkHealth(node.ID, model.NodeDegraded)
	}
}
