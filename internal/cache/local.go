// Package cache implements the process-local L1 tier. L1 is best effort:
// its failures are treated as misses and never surfaced to callers.
package cache

import (
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
)

// Default entry ceiling for the L1 tier
const defaultMaxEntries = 10000

// Local is the in-process L1 cache. Entries carry their own expiry and tag
// set; expired entries are logically dead immediately and reaped lazily on
// access or by the pressure sweep.
type Local struct {
	entries *lru.Cache[string, *localEntry]

	// tag -> set of keys carrying it
	tagIndex map[string]map[string]bool
	mu       sync.RWMutex

	maxEntries int
	metrics    *metrics.Metrics
	logger     *zap.Logger

	hits   int64
	misses int64
}

type localEntry struct {
	entry     model.Entry
	expiresAt time.Time
}

// NewLocal creates an L1 cache with the given entry ceiling
func NewLocal(maxEntries int, m *metrics.Metrics, logger *zap.Logger) (*Local, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	l := &Local{
		tagIndex:   make(map[string]map[string]bool),
		maxEntries: maxEntries,
		metrics:    m,
		logger:     logger,
	}

	entries, err := lru.NewWithEvict[string, *localEntry](maxEntries, l.onEvict)
	if err != nil {
		return nil, err
	}
	l.entries = entries
	return l, nil
}

// Get returns the entry for a key, dropping it when past expiry
func (l *Local) Get(key string) (*model.Entry, bool) {
	item, ok := l.entries.Get(key)
	if !ok {
		l.recordMiss()
		return nil, false
	}

	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		l.Delete(key)
		l.recordMiss()
		return nil, false
	}

	l.mu.Lock()
	item.entry.LastAccessedAt = time.Now()
	item.entry.HitCount++
	entry := item.entry
	l.mu.Unlock()

	l.recordHit()
	return &entry, true
}

// Set stores an entry in L1 with its own expiry bookkeeping
func (l *Local) Set(entry *model.Entry, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.LastAccessedAt = stored.CreatedAt
	if stored.SizeBytes == 0 {
		stored.SizeBytes = len(stored.Value)
	}
	if ttl > 0 {
		stored.TTLSeconds = int64(ttl / time.Second)
	}

	l.mu.Lock()
	for _, tag := range stored.Tags {
		if l.tagIndex[tag] == nil {
			l.tagIndex[tag] = make(map[string]bool)
		}
		l.tagIndex[tag][stored.Key] = true
	}
	l.mu.Unlock()

	l.entries.Add(stored.Key, &localEntry{entry: stored, expiresAt: expiresAt})
}

// Delete removes a key. Removing an absent key is a no-op.
func (l *Local) Delete(key string) {
	l.entries.Remove(key)
}

// InvalidateByTag removes every entry carrying the tag and returns the
// number of removed entries
func (l *Local) InvalidateByTag(tag string) int {
	l.mu.RLock()
	keys := make([]string, 0, len(l.tagIndex[tag]))
	for key := range l.tagIndex[tag] {
		keys = append(keys, key)
	}
	l.mu.RUnlock()

	for _, key := range keys {
		l.entries.Remove(key)
	}
	return len(keys)
}

// InvalidateByPattern removes entries whose key matches a glob or substring
// pattern and returns the number removed. No matches is a no-op.
func (l *Local) InvalidateByPattern(pattern string) int {
	hasGlob := strings.ContainsAny(pattern, "*?[")
	removed := 0
	for _, key := range l.entries.Keys() {
		var matched bool
		if hasGlob {
			matched, _ = path.Match(pattern, key)
		} else {
			matched = strings.Contains(key, pattern)
		}
		if matched {
			l.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Sweep drops expired entries and, under pressure, evicts the lowest-scoring
// entries until the cache is back below the target fraction of its ceiling.
// Scoring blends remaining TTL, size and usage frequency, shifted by the
// entry's policy eviction hints, via a bounded min-heap instead of sorting
// the full key space.
func (l *Local) Sweep(targetFraction float64) int {
	now := time.Now()
	removed := 0

	for _, key := range l.entries.Keys() {
		if item, ok := l.entries.Peek(key); ok {
			if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
				l.entries.Remove(key)
				removed++
				if l.metrics != nil {
					l.metrics.RecordEviction("l1", "expired")
				}
			}
		}
	}

	if targetFraction <= 0 || targetFraction >= 1 {
		return removed
	}

	target := int(float64(l.maxEntries) * targetFraction)
	excess := l.entries.Len() - target
	if excess <= 0 {
		return removed
	}

	h := algorithm.NewEvictionHeap(excess)
	for _, key := range l.entries.Keys() {
		item, ok := l.entries.Peek(key)
		if !ok {
			continue
		}
		remaining := time.Duration(0)
		if !item.expiresAt.IsZero() {
			remaining = item.expiresAt.Sub(now)
		}
		score := algorithm.ScoreEntry(&item.entry, remaining, now)
		h.Offer(key, score)
	}

	for _, key := range h.PopVictims(excess) {
		l.entries.Remove(key)
		removed++
		if l.metrics != nil {
			l.metrics.RecordEviction("l1", "pressure")
		}
	}

	return removed
}

// Len returns the number of resident entries, including not-yet-reaped
// expired ones
func (l *Local) Len() int {
	return l.entries.Len()
}

// Purge drops every entry
func (l *Local) Purge() {
	l.entries.Purge()
	l.mu.Lock()
	l.tagIndex = make(map[string]map[string]bool)
	l.mu.Unlock()
}

// Stats reports hit/miss counts for the adaptive warmer
func (l *Local) Stats() (hits, misses int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hits, l.misses
}

// HitRate returns the fraction of lookups served from L1
func (l *Local) HitRate() float64 {
	hits, misses := l.Stats()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (l *Local) onEvict(key string, item *localEntry) {
	l.mu.Lock()
	for _, tag := range item.entry.Tags {
		if keys, ok := l.tagIndex[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(l.tagIndex, tag)
			}
		}
	}
	l.mu.Unlock()
}

func (l *Local) recordHit() {
	l.mu.Lock()
	l.hits++
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.RecordHit("l1")
	}
}

func (l *Local) recordMiss() {
	l.mu.Lock()
	l.misses++
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.RecordMiss("l1")
	}
}
