// Package policy matches keys and query signatures against registered cache
// policies to decide TTL, eviction, compression and routing preferences.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
)

// Defaults applied when no policy matches
const (
	DefaultTTL         = 5 * time.Minute
	DefaultConsistency = model.ConsistencyOne
)

// Engine resolves the highest-priority matching policy for a key. Policies
// are ordered by descending priority at registration; first match wins.
type Engine struct {
	policies []*model.CachePolicy
	byName   map[string]*model.CachePolicy
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewEngine creates an empty policy engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		byName: make(map[string]*model.CachePolicy),
		logger: logger,
	}
}

// Register adds or replaces a policy. Regex patterns are already compiled in
// the PolicyPattern; registration keeps the policy list priority-sorted so
// resolution is a single ordered scan.
func (e *Engine) Register(p *model.CachePolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Pattern.Kind == model.PatternRegex && p.Pattern.Regex == nil {
		return fmt.Errorf("%w: policy %q has an uncompiled regex pattern", model.ErrInvalidPolicyPattern, p.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stored := *p
	if old, ok := e.byName[p.Name]; ok {
		for i, existing := range e.policies {
			if existing == old {
				e.policies[i] = &stored
				break
			}
		}
	} else {
		e.policies = append(e.policies, &stored)
	}
	e.byName[p.Name] = &stored

	sort.SliceStable(e.policies, func(i, j int) bool {
		return e.policies[i].Priority > e.policies[j].Priority
	})

	e.logger.Info("Cache policy registered",
		zap.String("policy", p.Name),
		zap.String("pattern", p.Pattern.String()),
		zap.Int("priority", p.Priority))

	return nil
}

// SetEnabled enables or disables a policy without removing it. Policies are
// never deleted; disabling preserves history.
func (e *Engine) SetEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.byName[name]
	if !ok {
		return false
	}
	p.Enabled = enabled
	return true
}

// Resolve returns the highest-priority enabled policy matching the key or
// query signature, or nil when nothing matches. Callers fall back to the
// system defaults on nil.
func (e *Engine) Resolve(keyOrSignature string) *model.CachePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		if p.Pattern.Matches(keyOrSignature) {
			copied := *p
			return &copied
		}
	}
	return nil
}

// EffectiveTTL returns the TTL a matched policy assigns, or the system
// default when no policy matches
func (e *Engine) EffectiveTTL(keyOrSignature string) time.Duration {
	if p := e.Resolve(keyOrSignature); p != nil {
		return p.TTL.Clamp(p.TTL.Default)
	}
	return DefaultTTL
}

// EffectiveConsistency returns the consistency a matched policy requests,
// or the system default when no policy matches
func (e *Engine) EffectiveConsistency(keyOrSignature string) model.ConsistencyLevel {
	if p := e.Resolve(keyOrSignature); p != nil && p.Replication.Consistency.Valid() {
		return p.Replication.Consistency
	}
	return DefaultConsistency
}

// Policies returns copies of all registered policies ordered by priority
func (e *Engine) Policies() []*model.CachePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*model.CachePolicy, 0, len(e.policies))
	for _, p := range e.policies {
		copied := *p
		out = append(out, &copied)
	}
	return out
}
