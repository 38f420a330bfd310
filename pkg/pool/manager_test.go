package pool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/cooldown"
	"xscraper/pkg/errors"
	"xscraper/pkg/models"
	"xscraper/pkg/storage"
)

func newTestManager(t *testing.T, heartbeat time.Duration) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policy := cooldown.NewPolicy(10*time.Minute, time.Minute, 720*time.Hour, 0)
	m := New(store, policy, 2*time.Second, heartbeat, storage.DailyLimits{})
	return m, store
}

func seed(t *testing.T, store *storage.Store, usernames ...string) {
	t.Helper()
	accounts := make([]models.Account, 0, len(usernames))
	for _, u := range usernames {
		accounts = append(accounts, models.Account{Username: u, AuthBlob: "{}"})
	}
	require.NoError(t, store.UpsertAccounts(context.Background(), accounts))
}

func TestCheckoutAndReleaseSuccess(t *testing.T) {
	m, store := newTestManager(t, 0)
	seed(t, store, "a")
	ctx := context.Background()

	account, lease, err := m.Checkout(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "a", account.Username)

	_, _, err = m.Checkout(ctx, "task-2")
	assert.ErrorIs(t, err, errors.ErrAccountPoolExhausted)

	require.NoError(t, m.ReleaseSuccess(ctx, lease))

	// Clean release carries no cooldown.
	_, _, err = m.Checkout(ctx, "task-2")
	require.NoError(t, err)
}

func TestReleaseFailureAppliesCooldown(t *testing.T) {
	m, store := newTestManager(t, 0)
	seed(t, store, "a")
	ctx := context.Background()

	_, lease, err := m.Checkout(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, m.ReleaseFailure(ctx, lease, cooldown.KindRateLimited, nil, 429))

	_, _, err = m.Checkout(ctx, "task-2")
	assert.ErrorIs(t, err, errors.ErrAccountPoolExhausted)

	n, err := m.EligibleCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	m, store := newTestManager(t, 50*time.Millisecond)
	seed(t, store, "a")
	ctx := context.Background()

	// Short TTL so only heartbeats keep the lease alive.
	m.ttl = 200 * time.Millisecond
	_, lease, err := m.Checkout(ctx, "task-1")
	require.NoError(t, err)

	stop := m.StartHeartbeat(ctx, lease)
	defer stop()

	time.Sleep(500 * time.Millisecond)

	// Still held: the lease would have expired twice over without beats.
	_, _, err = m.Checkout(ctx, "task-2")
	assert.ErrorIs(t, err, errors.ErrAccountPoolExhausted)

	stop()
	time.Sleep(300 * time.Millisecond)

	// Beats stopped, TTL lapsed, account reclaimable.
	_, _, err = m.Checkout(ctx, "task-2")
	require.NoError(t, err)
}

func TestDisabledHeartbeatIsNoop(t *testing.T) {
	m, _ := newTestManager(t, 0)
	stop := m.StartHeartbeat(context.Background(), &models.Lease{ID: "x"})
	stop() // must not panic or block
}
