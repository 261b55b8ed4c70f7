package model

import "time"

// Entry represents a cached value with its bookkeeping metadata.
// Version carries the write timestamp in unix milliseconds and is used by
// quorum reads to pick the most recent replica value. Compressed requests
// compression on the write path and reports the stored form on the read
// path; the eviction fields carry the matched policy's hints into the L1
// pressure sweep.
type Entry struct {
	Key              string         `json:"key"`
	Value            []byte         `json:"value"`
	TTLSeconds       int64          `json:"ttl_seconds"`
	CreatedAt        time.Time      `json:"created_at"`
	LastAccessedAt   time.Time      `json:"last_accessed_at"`
	HitCount         int64          `json:"hit_count"`
	SizeBytes        int            `json:"size_bytes"`
	Tags             []string       `json:"tags,omitempty"`
	Compressed       bool           `json:"compressed,omitempty"`
	EvictionPolicy   EvictionPolicy `json:"eviction_policy,omitempty"`
	EvictionPriority int            `json:"eviction_priority,omitempty"`
	Version          int64          `json:"version"`
}

// ExpiresAt returns the absolute expiry time of the entry
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is logically dead at the given time
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.ExpiresAt())
}

// HasTag reports whether the entry carries the given invalidation tag
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
