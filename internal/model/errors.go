package model

import "errors"

// Sentinel errors for the cache coordination core. CacheMiss is a normal
// control-flow outcome, not a failure; the caller is expected to fall
// through to the source of truth.
var (
	// ErrCacheMiss indicates the key is not present in any consulted tier
	ErrCacheMiss = errors.New("cache miss")
	// ErrNodeUnavailable indicates a circuit is open or a network call failed
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrNodeNotFound indicates the node id is not registered
	ErrNodeNotFound = errors.New("node not found")
	// ErrInsufficientReplicas indicates the consistency threshold was not met
	ErrInsufficientReplicas = errors.New("insufficient replicas")
	// ErrPartitionUnavailable indicates no healthy node owns the key's partition
	ErrPartitionUnavailable = errors.New("no available partition")
	// ErrLockHeld indicates the key is already locked by another owner
	ErrLockHeld = errors.New("lock already held")
	// ErrLockOwnershipViolation indicates a release or renew by a non-owner
	ErrLockOwnershipViolation = errors.New("lock ownership violation")
	// ErrInvalidPolicyPattern indicates a malformed regex at policy registration
	ErrInvalidPolicyPattern = errors.New("invalid policy pattern")
)

// IsMiss reports whether err represents a cache miss rather than a failure
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
