package warmer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/replication"
)

// Strategy selects how aggressively a target is warmed
type Strategy string

const (
	// StrategyAggressive warms all keys immediately in parallel
	StrategyAggressive Strategy = "aggressive"
	// StrategyConservative staggers key loads to limit backend pressure
	StrategyConservative Strategy = "conservative"
	// StrategyAdaptive warms only when recent hit-rate statistics suggest
	// the cache is cold
	StrategyAdaptive Strategy = "adaptive"
)

// Valid reports whether the strategy is known
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAggressive, StrategyConservative, StrategyAdaptive:
		return true
	}
	return false
}

// Target is one warm-up unit: a pattern the loader can resolve into entries
type Target struct {
	Pattern  string
	Priority int
	Strategy Strategy
	TTL      time.Duration
}

// Loader resolves a pattern into the key/value pairs to warm
type Loader func(ctx context.Context, pattern string) (map[string][]byte, error)

// Warmer pre-populates the cache from a prioritized target list
type Warmer struct {
	coordinator *replication.Coordinator
	loader      Loader

	mu      sync.Mutex
	targets []Target

	staggerDelay time.Duration
	// adaptiveThreshold is the L1 hit rate above which adaptive warming is
	// skipped as not worthwhile
	adaptiveThreshold float64

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWarmer creates a cache warmer
func NewWarmer(coordinator *replication.Coordinator, loader Loader, staggerDelay time.Duration, m *metrics.Metrics, logger *zap.Logger) *Warmer {
	if staggerDelay <= 0 {
		staggerDelay = 100 * time.Millisecond
	}
	return &Warmer{
		coordinator:       coordinator,
		loader:            loader,
		staggerDelay:      staggerDelay,
		adaptiveThreshold: 0.8,
		metrics:           m,
		logger:            logger,
	}
}

// AddTarget queues a warm-up target
func (w *Warmer) AddTarget(target Target) error {
	if target.Pattern == "" {
		return fmt.Errorf("warm-up target requires a pattern")
	}
	if target.Strategy == "" {
		target.Strategy = StrategyConservative
	}
	if !target.Strategy.Valid() {
		return fmt.Errorf("unknown warm-up strategy %q", target.Strategy)
	}

	w.mu.Lock()
	w.targets = append(w.targets, target)
	w.mu.Unlock()
	return nil
}

// WarmAll executes every queued target in descending priority order
func (w *Warmer) WarmAll(ctx context.Context) error {
	w.mu.Lock()
	targets := append([]Target(nil), w.targets...)
	w.mu.Unlock()

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Priority > targets[j].Priority
	})

	var firstErr error
	for _, target := range targets {
		if err := w.warmTarget(ctx, target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Warmer) warmTarget(ctx context.Context, target Target) error {
	if target.Strategy == StrategyAdaptive && !w.worthWarming() {
		w.logger.Debug("Adaptive warm-up skipped, cache is warm enough",
			zap.String("pattern", target.Pattern))
		if w.metrics != nil {
			w.metrics.RecordWarmup(string(target.Strategy), "skipped")
		}
		return nil
	}

	var entries map[string][]byte
	err := retry.Do(
		func() error {
			var loadErr error
			entries, loadErr = w.loader(ctx, target.Pattern)
			return loadErr
		},
		retry.Attempts(3),
		retry.Delay(w.staggerDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordWarmup(string(target.Strategy), "failure")
		}
		return fmt.Errorf("loading warm-up data for %q: %w", target.Pattern, err)
	}

	warmed, err := w.populate(ctx, target, entries)

	w.logger.Info("Warm-up target executed",
		zap.String("pattern", target.Pattern),
		zap.String("strategy", string(target.Strategy)),
		zap.Int("loaded", len(entries)),
		zap.Int("warmed", warmed))

	if w.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		w.metrics.RecordWarmup(string(target.Strategy), status)
	}
	return err
}

// populate writes loaded entries, skipping keys that already hold a live
// value so warming never clobbers in-flight writers
func (w *Warmer) populate(ctx context.Context, target Target, entries map[string][]byte) (int, error) {
	warmed := 0

	if target.Strategy == StrategyAggressive {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for key, value := range entries {
			key, value := key, value
			g.Go(func() error {
				if w.warmKey(gctx, target, key, value) {
					mu.Lock()
					warmed++
					mu.Unlock()
				}
				return nil
			})
		}
		err := g.Wait()
		return warmed, err
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for i, key := range keys {
		if i > 0 {
			select {
			case <-time.After(w.staggerDelay):
			case <-ctx.Done():
				return warmed, ctx.Err()
			}
		}
		if w.warmKey(ctx, target, key, entries[key]) {
			warmed++
		}
	}
	return warmed, nil
}

func (w *Warmer) warmKey(ctx context.Context, target Target, key string, value []byte) bool {
	if w.coordinator.Exists(ctx, key) {
		return false
	}

	_, err := w.coordinator.Set(ctx, key, value, replication.SetOptions{TTL: target.TTL})
	if err != nil {
		w.logger.Warn("Warm-up write failed",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	return true
}

// worthWarming checks recent L1 statistics; a high hit rate means warming
// would mostly duplicate live entries
func (w *Warmer) worthWarming() bool {
	local := w.coordinator.Local()
	if local == nil {
		return true
	}
	return local.HitRate() < w.adaptiveThreshold
}
