package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
	"github.com/cachemesh/cachemesh/internal/replication"
)

const (
	// DefaultMaxComplexity is the ceiling above which results are not cached
	DefaultMaxComplexity = 100

	// TTL caps for staleness-sensitive field classes
	userFieldTTLCap  = 5 * time.Minute
	statsFieldTTLCap = 1 * time.Minute
)

// Response is a graph query result as seen by the cache
type Response struct {
	Data   json.RawMessage   `json:"data,omitempty"`
	Errors []json.RawMessage `json:"errors,omitempty"`
}

// HasErrors reports whether the response carries errors
func (r *Response) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// cachedResult is the stored payload: the response plus its metadata
type cachedResult struct {
	Meta     *model.QueryMetadata `json:"meta"`
	Response *Response            `json:"response"`
}

// Cache stores whole-query results keyed by query signature. Results flow
// through the replication coordinator, so they live in both tiers.
type Cache struct {
	coordinator   *replication.Coordinator
	policies      *policy.Engine
	maxComplexity int
	group         singleflight.Group
	logger        *zap.Logger
}

// NewCache creates a query result cache
func NewCache(coordinator *replication.Coordinator, policies *policy.Engine, maxComplexity int, logger *zap.Logger) *Cache {
	if maxComplexity <= 0 {
		maxComplexity = DefaultMaxComplexity
	}
	return &Cache{
		coordinator:   coordinator,
		policies:      policies,
		maxComplexity: maxComplexity,
		logger:        logger,
	}
}

// CacheQuery stores a query result. It refuses mutations and subscriptions,
// responses carrying errors, and queries above the complexity ceiling; a
// refusal is not an error. Returns whether the result was cached.
func (c *Cache) CacheQuery(ctx context.Context, queryText string, variables map[string]any, response *Response, principalID string) (bool, error) {
	sig, err := ComputeSignature(queryText, variables, principalID)
	if err != nil {
		return false, err
	}

	if !sig.Kind.Cacheable() {
		c.logger.Debug("Refusing to cache non-query operation",
			zap.String("kind", string(sig.Kind)),
			zap.String("operation", sig.OperationName))
		return false, nil
	}
	if response.HasErrors() {
		c.logger.Debug("Refusing to cache errored response",
			zap.String("operation", sig.OperationName))
		return false, nil
	}
	if sig.Complexity > c.maxComplexity {
		c.logger.Debug("Refusing to cache over-complex query",
			zap.Int("complexity", sig.Complexity),
			zap.Int("ceiling", c.maxComplexity))
		return false, nil
	}

	ttl := c.effectiveTTL(sig)

	payload, err := json.Marshal(cachedResult{
		Meta:     sig.Metadata(time.Now(), ttl),
		Response: response,
	})
	if err != nil {
		return false, fmt.Errorf("encoding cached result: %w", err)
	}

	_, err = c.coordinator.Set(ctx, sig.CacheKey, payload, replication.SetOptions{
		TTL:  ttl,
		Tags: c.tags(sig),
	})
	if err != nil {
		return false, fmt.Errorf("storing query result: %w", err)
	}
	return true, nil
}

// GetCachedQuery recomputes the signature and returns the cached response.
// Entries past their recorded expiry are purged and reported as misses.
// Concurrent lookups of the same key are deduplicated.
func (c *Cache) GetCachedQuery(ctx context.Context, queryText string, variables map[string]any, principalID string) (*Response, *model.QueryMetadata, error) {
	sig, err := ComputeSignature(queryText, variables, principalID)
	if err != nil {
		return nil, nil, err
	}
	if !sig.Kind.Cacheable() {
		return nil, nil, model.ErrCacheMiss
	}

	value, err, _ := c.group.Do(sig.CacheKey, func() (any, error) {
		entry, err := c.coordinator.Get(ctx, sig.CacheKey, replication.GetOptions{})
		if err != nil {
			return nil, err
		}

		var result cachedResult
		if err := json.Unmarshal(entry.Value, &result); err != nil {
			return nil, fmt.Errorf("decoding cached result: %w", err)
		}

		if result.Meta != nil && time.Now().After(result.Meta.ExpiresAt) {
			_ = c.coordinator.Invalidate(ctx, sig.CacheKey, replication.InvalidateOptions{})
			return nil, model.ErrCacheMiss
		}
		return &result, nil
	})
	if err != nil {
		return nil, nil, err
	}

	result := value.(*cachedResult)
	return result.Response, result.Meta, nil
}

// InvalidateOperation drops L1 entries tagged with an operation name or any
// other derived tag
func (c *Cache) InvalidateOperation(tag string) int {
	local := c.coordinator.Local()
	if local == nil {
		return 0
	}
	return local.InvalidateByTag(tag)
}

// effectiveTTL derives the TTL from the policy engine, then caps it for
// staleness-sensitive field classes: personal data gets a shorter cap,
// stats and analytics an even shorter one
func (c *Cache) effectiveTTL(sig *Signature) time.Duration {
	ttl := c.policies.EffectiveTTL(sig.CacheKey)

	if touchesAny(sig.TopFields, "stats", "analytics", "metrics") {
		if ttl > statsFieldTTLCap {
			ttl = statsFieldTTLCap
		}
	} else if touchesAny(sig.TopFields, "user", "profile", "me", "account") {
		if ttl > userFieldTTLCap {
			ttl = userFieldTTLCap
		}
	}
	return ttl
}

// tags derives invalidation tags: operation type, a coarse complexity
// bucket, and each top-level field
func (c *Cache) tags(sig *Signature) []string {
	tags := make([]string, 0, len(sig.TopFields)+2)
	tags = append(tags, "op:"+string(sig.Kind))
	tags = append(tags, "complexity:"+complexityBucket(sig.Complexity))
	for _, field := range sig.TopFields {
		tags = append(tags, "field:"+field)
	}
	return tags
}

func complexityBucket(score int) string {
	switch {
	case score < 10:
		return "low"
	case score < 40:
		return "medium"
	default:
		return "high"
	}
}

func touchesAny(fields []string, needles ...string) bool {
	for _, field := range fields {
		lower := strings.ToLower(field)
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				return true
			}
		}
	}
	return false
}
