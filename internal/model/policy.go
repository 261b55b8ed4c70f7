package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PatternKind distinguishes literal substring patterns from regular expressions
type PatternKind string

const (
	// PatternLiteral matches when the key contains the pattern as a substring
	PatternLiteral PatternKind = "literal"
	// PatternRegex matches against a pre-compiled regular expression
	PatternRegex PatternKind = "regex"
)

// PolicyPattern is a tagged pattern variant decided once at registration time.
// Regex patterns are compiled exactly once; a malformed expression is rejected
// with ErrInvalidPolicyPattern instead of failing at match time.
type PolicyPattern struct {
	Kind    PatternKind
	Literal string
	Regex   *regexp.Regexp
}

// NewLiteralPattern creates a substring pattern
func NewLiteralPattern(s string) PolicyPattern {
	return PolicyPattern{Kind: PatternLiteral, Literal: s}
}

// NewRegexPattern compiles a regular expression pattern
func NewRegexPattern(expr string) (PolicyPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return PolicyPattern{}, fmt.Errorf("%w: %q: %v", ErrInvalidPolicyPattern, expr, err)
	}
	return PolicyPattern{Kind: PatternRegex, Regex: re}, nil
}

// Matches reports whether the pattern matches the given key or query signature
func (p PolicyPattern) Matches(key string) bool {
	switch p.Kind {
	case PatternRegex:
		return p.Regex.MatchString(key)
	default:
		return strings.Contains(key, p.Literal)
	}
}

// String returns the source form of the pattern
func (p PolicyPattern) String() string {
	if p.Kind == PatternRegex {
		return p.Regex.String()
	}
	return p.Literal
}

// EvictionPolicy selects the eviction algorithm for matched keys
type EvictionPolicy string

const (
	EvictionLRU    EvictionPolicy = "lru"
	EvictionLFU    EvictionPolicy = "lfu"
	EvictionTTL    EvictionPolicy = "ttl"
	EvictionRandom EvictionPolicy = "random"
)

// TTLConfig bounds the time-to-live applied to matched entries
type TTLConfig struct {
	Default time.Duration `mapstructure:"default" yaml:"default" json:"default"`
	Min     time.Duration `mapstructure:"min" yaml:"min" json:"min"`
	Max     time.Duration `mapstructure:"max" yaml:"max" json:"max"`
	Sliding bool          `mapstructure:"sliding" yaml:"sliding" json:"sliding"`
}

// Clamp applies the configured bounds to a ttl
func (t TTLConfig) Clamp(ttl time.Duration) time.Duration {
	if t.Min > 0 && ttl < t.Min {
		ttl = t.Min
	}
	if t.Max > 0 && ttl > t.Max {
		ttl = t.Max
	}
	return ttl
}

// EvictionConfig carries eviction hints for matched entries
type EvictionConfig struct {
	Policy   EvictionPolicy `mapstructure:"policy" yaml:"policy" json:"policy"`
	Priority int            `mapstructure:"priority" yaml:"priority" json:"priority"`
}

// StorageConfig carries serialization hints for matched entries
type StorageConfig struct {
	Compress  bool `mapstructure:"compress" yaml:"compress" json:"compress"`
	Serialize bool `mapstructure:"serialize" yaml:"serialize" json:"serialize"`
}

// ReplicationConfig overrides replication behavior for matched entries
type ReplicationConfig struct {
	Factor      int              `mapstructure:"factor" yaml:"factor" json:"factor"`
	Consistency ConsistencyLevel `mapstructure:"consistency" yaml:"consistency" json:"consistency"`
}

// AccessConfig carries read/write routing preferences for matched entries
type AccessConfig struct {
	ReadPreference ReadPreference `mapstructure:"read_preference" yaml:"read_preference" json:"read_preference"`
	WritePolicy    string         `mapstructure:"write_policy" yaml:"write_policy" json:"write_policy"`
}

// PolicySpec is the flat, serializable form of a policy as it appears in
// configuration files and the metadata store
type PolicySpec struct {
	Name        string            `mapstructure:"name" yaml:"name" json:"name"`
	PatternKind PatternKind       `mapstructure:"pattern_kind" yaml:"pattern_kind" json:"pattern_kind"`
	Pattern     string            `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	TTL         TTLConfig         `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	Eviction    EvictionConfig    `mapstructure:"eviction" yaml:"eviction" json:"eviction"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage" json:"storage"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication" json:"replication"`
	Access      AccessConfig      `mapstructure:"access" yaml:"access" json:"access"`
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Priority    int               `mapstructure:"priority" yaml:"priority" json:"priority"`
}

// Compile builds a CachePolicy from its serializable form, compiling regex patterns once
func (s PolicySpec) Compile() (*CachePolicy, error) {
	pattern := NewLiteralPattern(s.Pattern)
	if s.PatternKind == PatternRegex {
		var err error
		pattern, err = NewRegexPattern(s.Pattern)
		if err != nil {
			return nil, err
		}
	}
	return &CachePolicy{
		Name:        s.Name,
		Pattern:     pattern,
		TTL:         s.TTL,
		Eviction:    s.Eviction,
		Storage:     s.Storage,
		Replication: s.Replication,
		Access:      s.Access,
		Enabled:     s.Enabled,
		Priority:    s.Priority,
	}, nil
}

// Spec returns the serializable form of the policy
func (p *CachePolicy) Spec() PolicySpec {
	return PolicySpec{
		Name:        p.Name,
		PatternKind: p.Pattern.Kind,
		Pattern:     p.Pattern.String(),
		TTL:         p.TTL,
		Eviction:    p.Eviction,
		Storage:     p.Storage,
		Replication: p.Replication,
		Access:      p.Access,
		Enabled:     p.Enabled,
		Priority:    p.Priority,
	}
}

// CachePolicy assigns TTL, eviction, compression and routing preferences to
// keys matching its pattern. Policies are never deleted; disabling keeps
// history while removing the policy from resolution.
type CachePolicy struct {
	Name        string
	Pattern     PolicyPattern
	TTL         TTLConfig
	Eviction    EvictionConfig
	Storage     StorageConfig
	Replication ReplicationConfig
	Access      AccessConfig
	Enabled     bool
	Priority    int
}
