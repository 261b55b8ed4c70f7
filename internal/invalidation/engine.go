package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/replication"
)

const (
	// defaultCascadeDelay spaces cascaded rules out to avoid re-invalidation
	// storms
	defaultCascadeDelay = 100 * time.Millisecond

	invalidateAttempts = 3
	invalidateBackoff  = 50 * time.Millisecond
)

// Engine turns domain events into delayed, optionally cascading cache
// invalidations across both tiers
type Engine struct {
	coordinator *replication.Coordinator

	mu      sync.RWMutex
	rules   map[string]*model.InvalidationRule
	byEvent map[string][]string

	cascadeDelay time.Duration

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine creates an invalidation engine
func NewEngine(coordinator *replication.Coordinator, cascadeDelay time.Duration, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cascadeDelay <= 0 {
		cascadeDelay = defaultCascadeDelay
	}
	e := &Engine{
		coordinator:  coordinator,
		rules:        make(map[string]*model.InvalidationRule),
		byEvent:      make(map[string][]string),
		cascadeDelay: cascadeDelay,
		closed:       make(chan struct{}),
		metrics:      m,
		logger:       logger,
	}
	// Pattern invalidations issued with cascade enabled re-enter the engine
	// as events named after the pattern
	coordinator.SetCascadeHook(func(pattern string) {
		e.OnEvent(pattern)
	})
	return e
}

// RegisterRule installs an invalidation rule. Cascade targets may reference
// rules registered later; unknown names are skipped at fire time.
func (e *Engine) RegisterRule(rule *model.InvalidationRule) error {
	if rule == nil || rule.Name == "" {
		return fmt.Errorf("invalidation rule requires a name")
	}
	if len(rule.TriggerEvents) == 0 && len(rule.AffectedKeyPatterns) == 0 {
		return fmt.Errorf("rule %q has neither trigger events nor patterns", rule.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.Name]; exists {
		return fmt.Errorf("rule %q already registered", rule.Name)
	}
	e.rules[rule.Name] = rule
	for _, event := range rule.TriggerEvents {
		e.byEvent[event] = append(e.byEvent[event], rule.Name)
	}

	e.logger.Info("Invalidation rule registered",
		zap.String("rule", rule.Name),
		zap.Strings("trigger_events", rule.TriggerEvents),
		zap.Strings("patterns", rule.AffectedKeyPatterns),
		zap.Duration("delay", rule.Delay))
	return nil
}

// Rules returns the registered rule names
func (e *Engine) Rules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	return names
}

// OnEvent fires every rule triggered by the event and returns how many were
// scheduled. Rule execution is asynchronous; the triggering write path is
// never blocked.
func (e *Engine) OnEvent(event string) int {
	e.mu.RLock()
	var triggered []*model.InvalidationRule
	for _, name := range e.byEvent[event] {
		rule := e.rules[name]
		if rule != nil && rule.TriggeredBy(event) {
			triggered = append(triggered, rule)
		}
	}
	e.mu.RUnlock()

	for _, rule := range triggered {
		visited := map[string]bool{rule.Name: true}
		e.schedule(rule, rule.Delay, visited)
	}
	return len(triggered)
}

// Stop cancels pending invalidations and waits for in-flight ones
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.closed) })
	e.wg.Wait()
}

// Drain waits for all scheduled invalidations to finish
func (e *Engine) Drain() {
	e.wg.Wait()
}

// schedule runs a rule after its delay; the visited set suppresses cascade
// cycles within one invocation chain
func (e *Engine) schedule(rule *model.InvalidationRule, delay time.Duration, visited map[string]bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-e.closed:
				return
			}
		}
		e.fire(rule, visited)
	}()
}

func (e *Engine) fire(rule *model.InvalidationRule, visited map[string]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pattern := range rule.AffectedKeyPatterns {
		err := retry.Do(
			func() error {
				return e.coordinator.Invalidate(ctx, pattern, replication.InvalidateOptions{})
			},
			retry.Attempts(invalidateAttempts),
			retry.Delay(invalidateBackoff),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)

		status := "success"
		if err != nil {
			status = "failure"
			e.logger.Warn("Invalidation failed after retries",
				zap.String("rule", rule.Name),
				zap.String("pattern", pattern),
				zap.Error(err))
		}
		if e.metrics != nil {
			e.metrics.RecordInvalidation(rule.Name, status)
		}
	}

	e.cascade(rule, visited)
}

// cascade fires dependent rules with an added fixed delay, skipping any rule
// already visited in this chain
func (e *Engine) cascade(parent *model.InvalidationRule, visited map[string]bool) {
	for _, name := range parent.CascadeRuleNames {
		if visited[name] {
			e.logger.Debug("Cascade cycle suppressed",
				zap.String("rule", name),
				zap.String("parent", parent.Name))
			continue
		}

		e.mu.RLock()
		next := e.rules[name]
		e.mu.RUnlock()
		if next == nil {
			e.logger.Warn("Cascade target not registered",
				zap.String("rule", name),
				zap.String("parent", parent.Name))
			continue
		}

		branch := make(map[string]bool, len(visited)+1)
		for k := range visited {
			branch[k] = true
		}
		branch[name] = true

		e.schedule(next, next.Delay+e.cascadeDelay, branch)
	}
}
