package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/replication"
)

const fieldKeyPrefix = "gqlfield:"

// FieldStrategy controls caching for one resolver field, independent of the
// whole-query cache
type FieldStrategy struct {
	Field string
	// KeyFunc derives the cache key suffix from resolver inputs
	KeyFunc func(parentID string, args map[string]any, principalID string) string
	// ShouldCache decides per call, e.g. only when a principal is present
	ShouldCache func(principalID string) bool
	TTL         time.Duration
	// TriggerEvents invalidate every entry cached under this strategy
	TriggerEvents []string
}

// FieldCache caches individual resolver fields under registered strategies
type FieldCache struct {
	coordinator *replication.Coordinator

	mu         sync.RWMutex
	strategies map[string]*FieldStrategy
	byEvent    map[string][]string

	logger *zap.Logger
}

// NewFieldCache creates a per-field cache
func NewFieldCache(coordinator *replication.Coordinator, logger *zap.Logger) *FieldCache {
	return &FieldCache{
		coordinator: coordinator,
		strategies:  make(map[string]*FieldStrategy),
		byEvent:     make(map[string][]string),
		logger:      logger,
	}
}

// RegisterStrategy installs the caching strategy for a field
func (f *FieldCache) RegisterStrategy(strategy *FieldStrategy) error {
	if strategy == nil || strategy.Field == "" {
		return fmt.Errorf("field strategy requires a field name")
	}
	if strategy.KeyFunc == nil {
		return fmt.Errorf("field strategy for %q requires a key function", strategy.Field)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.strategies[strategy.Field]; exists {
		return fmt.Errorf("field strategy for %q already registered", strategy.Field)
	}
	f.strategies[strategy.Field] = strategy
	for _, event := range strategy.TriggerEvents {
		f.byEvent[event] = append(f.byEvent[event], strategy.Field)
	}

	f.logger.Info("Field cache strategy registered",
		zap.String("field", strategy.Field),
		zap.Duration("ttl", strategy.TTL),
		zap.Strings("trigger_events", strategy.TriggerEvents))
	return nil
}

// CacheField stores one resolved field value. Fields without a registered
// strategy, or whose predicate declines, are skipped without error.
func (f *FieldCache) CacheField(ctx context.Context, field, parentID string, args map[string]any, principalID string, value []byte) (bool, error) {
	strategy, ok := f.strategy(field)
	if !ok {
		return false, nil
	}
	if strategy.ShouldCache != nil && !strategy.ShouldCache(principalID) {
		return false, nil
	}

	key := f.cacheKey(strategy, parentID, args, principalID)
	_, err := f.coordinator.Set(ctx, key, value, replication.SetOptions{
		TTL:  strategy.TTL,
		Tags: []string{"field:" + field},
	})
	if err != nil {
		return false, fmt.Errorf("caching field %q: %w", field, err)
	}
	return true, nil
}

// GetCachedField returns a cached field value or ErrCacheMiss
func (f *FieldCache) GetCachedField(ctx context.Context, field, parentID string, args map[string]any, principalID string) ([]byte, error) {
	strategy, ok := f.strategy(field)
	if !ok {
		return nil, model.ErrCacheMiss
	}

	key := f.cacheKey(strategy, parentID, args, principalID)
	entry, err := f.coordinator.Get(ctx, key, replication.GetOptions{})
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// OnEvent invalidates every field registered against the event
func (f *FieldCache) OnEvent(ctx context.Context, event string) {
	f.mu.RLock()
	fields := append([]string(nil), f.byEvent[event]...)
	f.mu.RUnlock()

	for _, field := range fields {
		pattern := fieldKeyPrefix + field + ":*"
		if err := f.coordinator.Invalidate(ctx, pattern, replication.InvalidateOptions{}); err != nil {
			f.logger.Warn("Field invalidation failed",
				zap.String("field", field),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

func (f *FieldCache) strategy(field string) (*FieldStrategy, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	strategy, ok := f.strategies[field]
	return strategy, ok
}

func (f *FieldCache) cacheKey(strategy *FieldStrategy, parentID string, args map[string]any, principalID string) string {
	return fieldKeyPrefix + strategy.Field + ":" + strategy.KeyFunc(parentID, args, principalID)
}
