package model

import "time"

// InvalidationRule maps domain events to key-pattern invalidations.
// A rule may cascade to other rules after an additional delay; re-entry into
// an already-visited rule is suppressed per cascade invocation.
type InvalidationRule struct {
	Name                string        `mapstructure:"name" yaml:"name" json:"name"`
	TriggerEvents       []string      `mapstructure:"trigger_events" yaml:"trigger_events" json:"trigger_events"`
	AffectedKeyPatterns []string      `mapstructure:"affected_key_patterns" yaml:"affected_key_patterns" json:"affected_key_patterns"`
	Delay               time.Duration `mapstructure:"delay" yaml:"delay" json:"delay"`
	CascadeRuleNames    []string      `mapstructure:"cascade_rules" yaml:"cascade_rules" json:"cascade_rules"`
	// Condition is code, not data; it never round-trips through config or
	// the metadata store
	Condition func(event string) bool `mapstructure:"-" yaml:"-" json:"-"`
}

// TriggeredBy reports whether the rule reacts to the given event
func (r *InvalidationRule) TriggeredBy(event string) bool {
	for _, e := range r.TriggerEvents {
		if e == event {
			if r.Condition != nil {
				return r.Condition(event)
			}
			return true
		}
	}
	return false
}
