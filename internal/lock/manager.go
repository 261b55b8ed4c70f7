package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
)

const defaultLeaseTTL = 30 * time.Second

// Manager hands out advisory leases over cache keys. Leases are held until
// explicitly released or until expiry; a background sweep renews auto-renew
// leases and reaps the rest.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*model.Lock

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopped       sync.Once

	logger *zap.Logger
}

// NewManager creates a lease manager
func NewManager(sweepInterval time.Duration, logger *zap.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Manager{
		locks:         make(map[string]*model.Lock),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// Start runs the maintenance sweep loop
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the maintenance loop
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Acquire takes a lease on the key for the owner. An unexpired lease held by
// a different owner fails with ErrLockHeld; re-acquiring one's own lease
// refreshes it.
func (m *Manager) Acquire(key, owner string, ttl time.Duration, autoRenew bool) (*model.Lock, error) {
	if key == "" || owner == "" {
		return nil, fmt.Errorf("lock acquisition requires key and owner")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[key]; ok && !existing.Expired(now) {
		if existing.Owner != owner {
			return nil, fmt.Errorf("%w: key %q held by %q", model.ErrLockHeld, key, existing.Owner)
		}
		existing.ExpiresAt = now.Add(ttl)
		existing.TTL = ttl
		existing.AutoRenew = autoRenew
		existing.RenewalCount++
		return copyLock(existing), nil
	}

	lease := &model.Lock{
		ID:         uuid.NewString(),
		Key:        key,
		Owner:      owner,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		AutoRenew:  autoRenew,
	}
	m.locks[key] = lease

	m.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.String("owner", owner),
		zap.String("lock_id", lease.ID),
		zap.Duration("ttl", ttl))

	return copyLock(lease), nil
}

// Release frees the lease. A non-owner release is rejected and the lock
// stays held.
func (m *Manager) Release(key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.locks[key]
	if !ok {
		return nil
	}
	if lease.Owner != owner {
		return fmt.Errorf("%w: %q cannot release lock on %q held by %q",
			model.ErrLockOwnershipViolation, owner, key, lease.Owner)
	}

	delete(m.locks, key)
	m.logger.Debug("Lock released",
		zap.String("key", key),
		zap.String("owner", owner))
	return nil
}

// Renew extends the lease from now. Only the owner may renew; expired leases
// cannot be renewed.
func (m *Manager) Renew(key, owner string) (*model.Lock, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.locks[key]
	if !ok {
		return nil, fmt.Errorf("no lock on key %q", key)
	}
	if lease.Owner != owner {
		return nil, fmt.Errorf("%w: %q cannot renew lock on %q held by %q",
			model.ErrLockOwnershipViolation, owner, key, lease.Owner)
	}
	if lease.Expired(now) {
		delete(m.locks, key)
		return nil, fmt.Errorf("lock on key %q expired", key)
	}

	lease.ExpiresAt = now.Add(lease.TTL)
	lease.RenewalCount++
	return copyLock(lease), nil
}

// Holder returns the live lease on a key, if any
func (m *Manager) Holder(key string) (*model.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.locks[key]
	if !ok || lease.Expired(time.Now()) {
		return nil, false
	}
	return copyLock(lease), true
}

// Sweep renews auto-renew leases and removes expired ones. Returns how many
// leases were reaped.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for key, lease := range m.locks {
		switch {
		case lease.AutoRenew && !lease.Expired(now):
			lease.ExpiresAt = now.Add(lease.TTL)
			lease.RenewalCount++
		case lease.Expired(now):
			delete(m.locks, key)
			reaped++
			m.logger.Debug("Expired lock reaped",
				zap.String("key", key),
				zap.String("owner", lease.Owner))
		}
	}
	return reaped
}

// Len returns the number of live leases
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func copyLock(l *model.Lock) *model.Lock {
	c := *l
	return &c
}
