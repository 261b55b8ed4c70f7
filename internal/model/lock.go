package model

import "time"

// Lock is an advisory application-level lease over an external resource.
// Only the recorded owner may release or renew it.
type Lock struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	Owner        string        `json:"owner"`
	TTL          time.Duration `json:"ttl"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	RenewalCount int           `json:"renewal_count"`
	AutoRenew    bool          `json:"auto_renew"`
}

// Expired reports whether the lease has lapsed at the given time
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
