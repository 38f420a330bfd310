// Package pool manages account leases for running tasks: checkout,
// heartbeats while a task holds an account, and release with the cooldown
// the task's outcome earned.
package pool

import (
	"context"
	"sync"
	"time"

	"xscraper/pkg/cooldown"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/storage"
)

// Manager coordinates account checkout and release around the store.
type Manager struct {
	store     *storage.Store
	policy    *cooldown.Policy
	ttl       time.Duration
	heartbeat time.Duration
	limits    storage.DailyLimits
	log       logger.Logger
}

// New creates a lease manager.
func New(store *storage.Store, policy *cooldown.Policy, ttl, heartbeat time.Duration, limits storage.DailyLimits) *Manager {
	return &Manager{
		store:     store,
		policy:    policy,
		ttl:       ttl,
		heartbeat: heartbeat,
		limits:    limits,
		log:       logger.GetLogger(),
	}
}

// Checkout claims an eligible account for taskID. Returns
// errors.ErrAccountPoolExhausted when none is available.
func (m *Manager) Checkout(ctx context.Context, taskID string) (*models.Account, *models.Lease, error) {
	account, lease, err := m.store.Checkout(ctx, taskID, m.ttl, m.limits)
	if err != nil {
		return nil, nil, err
	}
	m.log.DebugWithFields("account checked out", map[string]interface{}{
		"account": account.Username,
		"task_id": taskID,
		"lease":   lease.ID,
	})
	return account, lease, nil
}

// StartHeartbeat extends the lease every heartbeat interval until the
// returned stop function is called or the context ends. With the interval
// set to 0 heartbeats are disabled and the lease rides on its TTL alone.
// A failed heartbeat stops the loop; the lease then lapses on its own and
// the next checkout scan reclaims the account.
func (m *Manager) StartHeartbeat(ctx context.Context, lease *models.Lease) (stop func()) {
	if m.heartbeat <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.Heartbeat(ctx, lease.ID, m.ttl); err != nil {
					m.log.WarnWithFields("lease heartbeat failed", map[string]interface{}{
						"lease": lease.ID,
						"error": err.Error(),
					})
					return
				}
			}
		}
	}()
	return stop
}

// ReleaseSuccess returns the account to the pool with no cooldown.
func (m *Manager) ReleaseSuccess(ctx context.Context, lease *models.Lease) error {
	return m.store.Release(ctx, lease.ID, storage.ReleaseOutcome{})
}

// ReleaseFailure returns the account to the pool cooled down according to
// the failure kind and any rate-limit headers the server sent.
func (m *Manager) ReleaseFailure(ctx context.Context, lease *models.Lease, kind cooldown.Kind, headers map[string]string, code int) error {
	availableAt := m.policy.AvailableAt(kind, headers)
	m.log.InfoWithFields("account cooling down", map[string]interface{}{
		"lease":        lease.ID,
		"kind":         string(kind),
		"code":         code,
		"available_at": availableAt,
	})
	return m.store.Release(ctx, lease.ID, storage.ReleaseOutcome{
		AvailableAt: availableAt,
		Reason:      string(kind),
		ErrorCode:   code,
	})
}

// EligibleCount reports how many accounts could currently be leased.
func (m *Manager) EligibleCount(ctx context.Context) (int, error) {
	return m.store.CountEligible(ctx, m.limits)
}

// RecordUsage forwards usage accounting for one physical response.
func (m *Manager) RecordUsage(ctx context.Context, accountID string, requests, items int) error {
	return m.store.RecordUsage(ctx, accountID, requests, items)
}
