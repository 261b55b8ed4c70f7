package cluster

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
)

// BreakerConfig tunes the per-node circuit breakers
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before probing half-open
	Timeout time.Duration
	// HalfOpenRequests limits concurrent requests while half-open
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the default breaker tuning
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerGroup maintains one circuit breaker per cluster node. State is
// evaluated per node, never globally; any caller observing a node outcome
// feeds the same breaker.
type BreakerGroup struct {
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewBreakerGroup creates an empty breaker group
func NewBreakerGroup(config BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *BreakerGroup {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &BreakerGroup{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		metrics:  m,
		logger:   logger,
	}
}

// For returns the breaker for a node, creating it on first use
func (g *BreakerGroup) For(nodeID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[nodeID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: g.config.HalfOpenRequests,
		Timeout:     g.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Circuit breaker state changed",
				zap.String("node_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if g.metrics != nil {
				g.metrics.RecordBreakerTransition(name, to.String())
			}
		},
	})
	g.breakers[nodeID] = cb
	return cb
}

// Execute runs fn through the node's breaker. An open circuit fails fast
// with ErrNodeUnavailable without attempting the call.
func (g *BreakerGroup) Execute(nodeID string, fn func() error) error {
	_, err := g.For(nodeID).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.ErrNodeUnavailable
	}
	return err
}

// Allow reports whether the node's circuit currently admits requests
func (g *BreakerGroup) Allow(nodeID string) bool {
	return g.For(nodeID).State() != gobreaker.StateOpen
}

// State returns the breaker state for a node
func (g *BreakerGroup) State(nodeID string) gobreaker.State {
	return g.For(nodeID).State()
}
