package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	"xscraper/pkg/models"
	"xscraper/pkg/pool"
	"xscraper/pkg/ratelimit"
	"xscraper/pkg/storage"
)

type fetchFunc func(ctx context.Context, account *models.Account, task *models.Task, cursor string, pageSize int) (*models.Page, error)

func (f fetchFunc) FetchPage(ctx context.Context, account *models.Account, task *models.Task, cursor string, pageSize int) (*models.Page, error) {
	return f(ctx, account, task, cursor, pageSize)
}

type captureSink struct {
	mu    sync.Mutex
	items []models.TweetRecord
}

func (s *captureSink) Persist(items []models.TweetRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return len(items), nil
}

func testSearchRequest() models.SearchRequest {
	return models.SearchRequest{
		Since:    "2024-01-01",
		Until:    "2024-01-02",
		AllWords: []string{"golang"},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pool.Concurrency = 2
	cfg.Pool.NSplits = 2
	cfg.Lease.TTL = 5 * time.Second
	cfg.Lease.Heartbeat = 0
	cfg.RateLimit.RequestsPerMinute = 60000
	cfg.Scheduler.RetryBase = time.Millisecond
	cfg.Scheduler.RetryMax = 5 * time.Millisecond
	cfg.Scheduler.MinInterval = time.Hour
	return cfg
}

func newTestScheduler(t *testing.T, cfg *config.Config, fetcher Fetcher, accountCount int) (*Scheduler, *storage.Store, *captureSink) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	accounts := make([]models.Account, 0, accountCount)
	for i := 0; i < accountCount; i++ {
		accounts = append(accounts, models.Account{
			Username: fmt.Sprintf("acct-%d", i),
			AuthBlob: "{}",
		})
	}
	require.NoError(t, store.UpsertAccounts(context.Background(), accounts))

	policy := cooldown.NewPolicy(cfg.Cooldown.Default, cfg.Cooldown.Transient, cfg.Cooldown.Auth, 0)
	poolMgr := pool.New(store, policy, cfg.Lease.TTL, cfg.Lease.Heartbeat, storage.DailyLimits{
		Requests: cfg.Limits.DailyRequests,
		Items:    cfg.Limits.DailyItems,
	})
	limiters := ratelimit.NewRegistry(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.MinDelay)

	sink := &captureSink{}
	return New(cfg, store, poolMgr, limiters, fetcher, sink), store, sink
}

func pageOf(ids []string, next string) *models.Page {
	items := make([]models.TweetRecord, 0, len(ids))
	for _, id := range ids {
		items = append(items, models.TweetRecord{TweetID: id})
	}
	return &models.Page{Items: items, NextCursor: next, ResultCount: len(items), HTTPStatus: 200}
}

func TestRunSearchCollectsAndCompletes(t *testing.T) {
	var counter int64
	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, cursor string, _ int) (*models.Page, error) {
		// One page per task, then exhaustion.
		a := atomic.AddInt64(&counter, 1)
		return pageOf([]string{
			fmt.Sprintf("t%d-1", a), fmt.Sprintf("t%d-2", a), fmt.Sprintf("t%d-3", a),
		}, ""), nil
	})

	s, _, sink := newTestScheduler(t, testConfig(), fetcher, 3)
	stats, err := s.RunSearch(context.Background(), testSearchRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TasksTotal)
	assert.Equal(t, 2, stats.TasksDone)
	assert.Zero(t, stats.TasksFailed)
	assert.Equal(t, 6, stats.Tweets)
	assert.Len(t, sink.items, 6)
}

func TestPaginationHaltsOnConsecutiveEmptyPages(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1
	cfg.Pagination.MaxEmptyPages = 2

	var fetches int64
	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, cursor string, _ int) (*models.Page, error) {
		// A hostile server: always a fresh cursor, never any data.
		n := atomic.AddInt64(&fetches, 1)
		return pageOf(nil, fmt.Sprintf("cursor-%d", n)), nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 1)
	stats, err := s.RunSearch(context.Background(), testSearchRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TasksDone)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches),
		"pagination must halt after exactly max_empty_pages empty pages")
}

func TestResumeStartsFromCheckpointCursor(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1
	req := testSearchRequest()
	req.Limit = 2

	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, cursor string, _ int) (*models.Page, error) {
		return pageOf([]string{"a", "b"}, "cursor-after-page-1"), nil
	})

	s, store, _ := newTestScheduler(t, cfg, fetcher, 1)
	stats, err := s.RunSearch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Tweets, "limit should stop the run after the first page")

	// Restart with the same query: the first fetch must carry the
	// durably recorded cursor, not start from scratch.
	var mu sync.Mutex
	var cursors []string
	resumed := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, cursor string, _ int) (*models.Page, error) {
		mu.Lock()
		cursors = append(cursors, cursor)
		mu.Unlock()
		return pageOf(nil, ""), nil
	})

	policy := cooldown.NewPolicy(cfg.Cooldown.Default, cfg.Cooldown.Transient, cfg.Cooldown.Auth, 0)
	poolMgr := pool.New(store, policy, cfg.Lease.TTL, 0, storage.DailyLimits{})
	limiters := ratelimit.NewRegistry(cfg.RateLimit.RequestsPerMinute, 0)
	s2 := New(cfg, store, poolMgr, limiters, resumed, &captureSink{})

	req2 := testSearchRequest()
	req2.Limit = 2
	req2.Resume = true
	_, err = s2.RunSearch(context.Background(), req2)
	require.NoError(t, err)

	require.NotEmpty(t, cursors)
	assert.Equal(t, "cursor-after-page-1", cursors[0])
}

func TestCancellationKeepsCheckpointAndLeavesTaskUnresolved(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, cursor string, _ int) (*models.Page, error) {
		// Cancellation lands while the first page is in flight; the page
		// still completes and must reach the checkpoint store.
		cancel()
		return pageOf([]string{"a", "b"}, "cursor-after-page-1"), nil
	})

	s, store, sink := newTestScheduler(t, cfg, fetcher, 1)
	stats, err := s.RunSearch(ctx, testSearchRequest())
	require.NoError(t, err)

	assert.Zero(t, stats.TasksDone, "an interrupted task is not done")
	assert.Zero(t, stats.TasksFailed, "an interrupted task is not failed")
	assert.Equal(t, 2, stats.Tweets, "the in-flight page still streams out")
	assert.Len(t, sink.items, 2)

	req := testSearchRequest()
	since, until, err := NormalizeBounds(req.Since, req.Until)
	require.NoError(t, err)
	cp, err := store.GetCheckpoint(context.Background(), Fingerprint(req, since, until))
	require.NoError(t, err)
	require.NotNil(t, cp, "a cancelled run must keep its resume checkpoint")
	assert.Equal(t, "cursor-after-page-1", cp.Cursor)
	assert.Equal(t, 1, cp.PageSeq)

	// The lease must not dangle for the TTL after an interruption.
	accounts, err := store.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.False(t, accounts[0].Leased(time.Now()))
}

func TestAccountSwitchBound(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1
	cfg.Scheduler.MaxAccountSwitches = 2
	cfg.Scheduler.MaxTaskAttempts = 10
	cfg.Scheduler.MaxFallbackAttempts = 10

	var mu sync.Mutex
	tried := make(map[string]bool)
	fetcher := fetchFunc(func(_ context.Context, account *models.Account, _ *models.Task, _ string, _ int) (*models.Page, error) {
		mu.Lock()
		tried[account.Username] = true
		mu.Unlock()
		return &models.Page{HTTPStatus: 401}, nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 5)
	stats, err := s.RunSearch(context.Background(), testSearchRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TasksFailed)
	assert.Len(t, tried, cfg.Scheduler.MaxAccountSwitches+1,
		"an always-failing task must try exactly max_account_switches+1 distinct accounts")
	assert.Equal(t, cfg.Scheduler.MaxAccountSwitches, stats.AccountSwitches)
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1

	var calls int64
	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, _ string, _ int) (*models.Page, error) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			return &models.Page{HTTPStatus: 503}, nil
		}
		return pageOf([]string{"x"}, ""), nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 3)
	stats, err := s.RunSearch(context.Background(), testSearchRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TasksDone)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 1, stats.Tweets)
}

func TestStrictModeSurfacesTotalFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1
	cfg.Scheduler.Strict = true
	cfg.Scheduler.MaxFallbackAttempts = 1
	cfg.Scheduler.MaxTaskAttempts = 2

	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, _ string, _ int) (*models.Page, error) {
		return &models.Page{HTTPStatus: 500}, nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 1)
	stats, err := s.RunSearch(context.Background(), testSearchRequest())
	assert.Error(t, err, "strict mode converts a zero-progress run into an error")
	assert.Equal(t, 1, stats.TasksFailed)
}

func TestGlobalLimitStopsFurtherFetching(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.NSplits = 1
	req := testSearchRequest()
	req.Limit = 12

	var counter int64
	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, _ *models.Task, _ string, _ int) (*models.Page, error) {
		base := atomic.AddInt64(&counter, 1) * 10
		ids := make([]string, 5)
		for i := range ids {
			ids[i] = fmt.Sprintf("t%d", base+int64(i))
		}
		return pageOf(ids, fmt.Sprintf("c%d", base)), nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 2)
	stats, err := s.RunSearch(context.Background(), req)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stats.Tweets, 12)
	assert.LessOrEqual(t, atomic.LoadInt64(&counter), int64(4),
		"fetching must stop promptly once the limit is reached")
}

func TestRunProfilesOneTaskPerHandle(t *testing.T) {
	cfg := testConfig()

	fetcher := fetchFunc(func(_ context.Context, _ *models.Account, task *models.Task, _ string, _ int) (*models.Page, error) {
		return pageOf([]string{"tweet-" + task.Handle}, ""), nil
	})

	s, _, _ := newTestScheduler(t, cfg, fetcher, 2)
	stats, err := s.RunProfiles(context.Background(), models.ProfileRequest{
		Handles: []string{"alice", "bob", "carol"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TasksTotal)
	assert.Equal(t, 3, stats.TasksDone)
	assert.Equal(t, 3, stats.Tweets)
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.RetryBase = time.Second
	cfg.Scheduler.RetryMax = 10 * time.Second
	s := &Scheduler{cfg: cfg}

	assert.Equal(t, time.Second, s.backoffDelay(1))
	assert.Equal(t, 2*time.Second, s.backoffDelay(2))
	assert.Equal(t, 4*time.Second, s.backoffDelay(3))
	assert.Equal(t, 8*time.Second, s.backoffDelay(4))
	assert.Equal(t, 10*time.Second, s.backoffDelay(5))
	assert.Equal(t, 10*time.Second, s.backoffDelay(50))
}
