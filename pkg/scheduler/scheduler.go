// Package scheduler turns a caller request into a bounded set of
// concurrent, retryable, resumable fetch tasks, each bound to a leased
// account for the duration of one pagination attempt.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	"xscraper/pkg/errors"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/pool"
	"xscraper/pkg/ratelimit"
	"xscraper/pkg/storage"
)

// Scheduler owns the task queue, the worker pool, and the per-run stats.
type Scheduler struct {
	cfg       *config.Config
	store     *storage.Store
	pool      *pool.Manager
	limiters  *ratelimit.Registry
	fetcher   Fetcher
	collector *collector
	queue     *taskQueue
	log       logger.Logger

	stats   models.RunStats
	statsMu sync.Mutex

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a scheduler. The sink receives every page's items as they
// arrive; the fetcher performs the actual page fetches.
func New(cfg *config.Config, store *storage.Store, poolMgr *pool.Manager, limiters *ratelimit.Registry, fetcher Fetcher, sink Sink) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		pool:     poolMgr,
		limiters: limiters,
		fetcher:  fetcher,
		collector: &collector{
			sink: sink,
			seen: make(map[string]bool),
		},
		queue: newTaskQueue(),
		log:   logger.GetLogger(),
	}
}

// RunSearch executes a date-window search request: the window is split
// into intervals, each interval becomes an independently resumable task.
func (s *Scheduler) RunSearch(ctx context.Context, req models.SearchRequest) (*models.RunStats, error) {
	since, until, err := NormalizeBounds(req.Since, req.Until)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "invalid search window")
	}

	intervals, err := SplitTimeIntervals(since, until, s.cfg.Pool.NSplits, s.cfg.Scheduler.MinInterval)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, err, "split search window")
	}

	tasks := make([]*models.Task, 0, len(intervals))
	for _, interval := range intervals {
		tasks = append(tasks, &models.Task{
			ID:          uuid.NewString(),
			Fingerprint: Fingerprint(req, interval.Since, interval.Until),
			Kind:        "search",
			Since:       interval.Since,
			Until:       interval.Until,
			Status:      models.TaskPending,
		})
	}
	if req.InitialCursor != "" && len(tasks) > 0 {
		tasks[0].Cursor = req.InitialCursor
	}

	return s.run(ctx, tasks, req.Limit, req.Resume)
}

// RunProfiles executes a profile-timeline request: one task per handle.
func (s *Scheduler) RunProfiles(ctx context.Context, req models.ProfileRequest) (*models.RunStats, error) {
	if len(req.Handles) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no profile handles given")
	}

	tasks := make([]*models.Task, 0, len(req.Handles))
	for _, handle := range req.Handles {
		tasks = append(tasks, &models.Task{
			ID:          uuid.NewString(),
			Fingerprint: ProfileFingerprint(handle),
			Kind:        "profile",
			Handle:      handle,
			Status:      models.TaskPending,
		})
	}

	return s.run(ctx, tasks, req.Limit, req.Resume)
}

func (s *Scheduler) run(ctx context.Context, tasks []*models.Task, limit int, resume bool) (*models.RunStats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	runID := uuid.NewString()
	s.stats = models.RunStats{RunID: runID, StartedAt: time.Now().UTC(), TasksTotal: len(tasks)}
	s.collector.limit = limit

	if err := s.store.CreateRun(runCtx, runID); err != nil {
		return nil, err
	}

	if resume {
		for _, task := range tasks {
			cp, err := s.store.GetCheckpoint(runCtx, task.Fingerprint)
			if err != nil {
				return nil, err
			}
			if cp != nil && task.Cursor == "" {
				task.Cursor = cp.Cursor
				s.log.InfoWithFields("resuming task from checkpoint", map[string]interface{}{
					"fingerprint": task.Fingerprint,
					"page_seq":    cp.PageSeq,
				})
			}
		}
	}

	s.queue.Enqueue(tasks...)

	workers := s.cfg.Pool.Concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if eligible, err := s.pool.EligibleCount(runCtx); err == nil && eligible > 0 && workers > eligible {
		workers = eligible
	}
	s.log.InfoWithFields("run starting", map[string]interface{}{
		"run_id":  runID,
		"tasks":   len(tasks),
		"workers": workers,
	})

	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			s.worker(groupCtx)
			return nil
		})
	}
	_ = group.Wait()
	s.queue.Stop()

	s.statsMu.Lock()
	s.stats.Tweets = s.collector.total()
	s.stats.FinishedAt = time.Now().UTC()
	stats := s.stats
	s.statsMu.Unlock()

	if err := s.store.FinalizeRun(context.WithoutCancel(ctx), stats); err != nil {
		s.log.WithError(err).Warn("run finalization failed")
	}

	limitReached := s.collector.limitReached()
	if stats.TasksDone == stats.TasksTotal && !limitReached && ctx.Err() == nil {
		// The planned scope completed, so the resume cursors have
		// nothing left to continue from.
		for _, task := range tasks {
			if err := s.store.ClearCheckpoint(context.WithoutCancel(ctx), task.Fingerprint); err != nil {
				s.log.WithError(err).Warn("checkpoint cleanup failed")
			}
		}
	}

	unresolved := stats.TasksTotal - stats.TasksDone - stats.TasksFailed
	if s.cfg.Scheduler.Strict && stats.Tweets == 0 && (stats.TasksFailed > 0 || unresolved > 0) {
		return &stats, errors.New(errors.ErrorTypePermanent,
			fmt.Sprintf("run made no progress: %d of %d tasks failed", stats.TasksFailed, stats.TasksTotal))
	}

	return &stats, nil
}

// stop cancels outstanding work cooperatively; in-flight pages finish and
// checkpoint before their workers exit.
func (s *Scheduler) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		if s.collector.limitReached() {
			s.stop()
			return
		}
		task, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		s.executeTask(ctx, task)
	}
}

// executeTask runs one attempt of a task: lease an account, paginate,
// classify the outcome, and either finish, retry, or switch accounts.
func (s *Scheduler) executeTask(ctx context.Context, task *models.Task) {
	task.Status = models.TaskRunning

	baseSeq := 0
	if cp, err := s.store.GetCheckpoint(ctx, task.Fingerprint); err == nil && cp != nil {
		baseSeq = cp.PageSeq
	}

	account, lease, err := s.checkoutWithBackoff(ctx, task)
	if err != nil {
		if ctx.Err() != nil && !s.collector.limitReached() {
			s.interruptTask(task, pageOutcome{})
			return
		}
		s.failTask(task, err.Error())
		return
	}

	stopHeartbeat := s.pool.StartHeartbeat(ctx, lease)
	outcome := s.paginate(ctx, account, task, s.limiters.For(account.ID), baseSeq)
	stopHeartbeat()

	// Lease and cooldown writes must land even when the run context was
	// cancelled mid-page.
	releaseCtx := context.WithoutCancel(ctx)

	if outcome.cancelled {
		if err := s.pool.ReleaseSuccess(releaseCtx, lease); err != nil {
			s.log.WithError(err).Warn("lease release failed")
		}
		s.interruptTask(task, outcome)
		return
	}

	if outcome.kind == cooldown.KindSuccess {
		if err := s.pool.ReleaseSuccess(releaseCtx, lease); err != nil {
			s.log.WithError(err).Warn("lease release failed")
		}
		s.finishTask(task, outcome)
		return
	}

	// Account-level failure: cool the account down before it re-enters
	// the pool, then decide what happens to the task.
	if err := s.pool.ReleaseFailure(releaseCtx, lease, outcome.kind, outcome.headers, outcome.status); err != nil {
		s.log.WithError(err).Warn("lease release failed")
	}

	task.Attempts++
	switch outcome.kind {
	case cooldown.KindAuth:
		// Never retried on the same account: the switch budget governs.
		if task.AccountSwitches < s.cfg.Scheduler.MaxAccountSwitches && task.Attempts < s.maxAttempts() {
			task.AccountSwitches++
			s.bumpRetry(true)
			s.log.WarnWithFields("auth failure, switching accounts", map[string]interface{}{
				"task_id":  task.ID,
				"account":  account.Username,
				"switches": task.AccountSwitches,
			})
			s.queue.Retry(task, 0)
			return
		}
		s.failTask(task, fmt.Sprintf("auth failed on %d accounts", task.AccountSwitches+1))

	case cooldown.KindRateLimited, cooldown.KindTransient:
		if task.FallbackAttempts < s.cfg.Scheduler.MaxFallbackAttempts && task.Attempts < s.maxAttempts() {
			task.FallbackAttempts++
			s.bumpRetry(false)
			delay := s.backoffDelay(task.Attempts)
			s.log.InfoWithFields("task retrying after backoff", map[string]interface{}{
				"task_id": task.ID,
				"kind":    string(outcome.kind),
				"delay":   delay,
			})
			s.queue.Retry(task, delay)
			return
		}
		s.failTask(task, "retry budget exhausted")

	default:
		s.failTask(task, fmt.Sprintf("unrecoverable status %d", outcome.status))
	}
}

// checkoutWithBackoff leases an account for the task, backing off
// exponentially while the pool is exhausted.
func (s *Scheduler) checkoutWithBackoff(ctx context.Context, task *models.Task) (*models.Account, *models.Lease, error) {
	for attempt := 1; ; attempt++ {
		account, lease, err := s.pool.Checkout(ctx, task.ID)
		if err == nil {
			return account, lease, nil
		}
		if !isPoolExhausted(err) {
			return nil, nil, err
		}
		if attempt >= s.maxAttempts() {
			return nil, nil, errors.ErrAccountPoolExhausted
		}

		delay := s.backoffDelay(attempt)
		s.log.DebugWithFields("account pool exhausted, backing off", map[string]interface{}{
			"task_id": task.ID,
			"attempt": attempt,
			"delay":   delay,
		})
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes min(retry_base * 2^(attempt-1), retry_max).
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.cfg.Scheduler.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.Scheduler.RetryMax {
			return s.cfg.Scheduler.RetryMax
		}
	}
	if delay > s.cfg.Scheduler.RetryMax {
		return s.cfg.Scheduler.RetryMax
	}
	return delay
}

func (s *Scheduler) maxAttempts() int {
	return s.cfg.Scheduler.MaxTaskAttempts
}

func (s *Scheduler) finishTask(task *models.Task, outcome pageOutcome) {
	task.Status = models.TaskDone
	s.statsMu.Lock()
	s.stats.TasksDone++
	s.statsMu.Unlock()
	s.log.InfoWithFields("task done", map[string]interface{}{
		"task_id":   task.ID,
		"pages":     outcome.pages,
		"added":     outcome.added,
		"exhausted": outcome.exhausted,
	})
}

// interruptTask returns a cancelled task to pending without touching the
// done/failed counters; its checkpoint stays for the next --resume run.
func (s *Scheduler) interruptTask(task *models.Task, outcome pageOutcome) {
	task.Status = models.TaskPending
	s.log.InfoWithFields("task interrupted", map[string]interface{}{
		"task_id": task.ID,
		"pages":   outcome.pages,
		"added":   outcome.added,
	})
}

func (s *Scheduler) failTask(task *models.Task, reason string) {
	task.Status = models.TaskFailed
	s.statsMu.Lock()
	s.stats.TasksFailed++
	s.statsMu.Unlock()
	s.log.ErrorWithFields("task failed", map[string]interface{}{
		"task_id": task.ID,
		"reason":  reason,
	})
}

func (s *Scheduler) bumpRetry(accountSwitch bool) {
	s.statsMu.Lock()
	s.stats.Retries++
	if accountSwitch {
		s.stats.AccountSwitches++
	}
	s.statsMu.Unlock()
}

func isPoolExhausted(err error) bool {
	return errors.TypeOf(err) == errors.ErrorTypePoolExhausted
}

// collector wraps the external sink with run-wide dedupe and the global
// result limit.
type collector struct {
	mu    sync.Mutex
	sink  Sink
	seen  map[string]bool
	added int
	limit int
}

// persist forwards unseen items to the sink and returns how many were new.
func (c *collector) persist(items []models.TweetRecord) (int, error) {
	c.mu.Lock()
	unique := make([]models.TweetRecord, 0, len(items))
	for _, item := range items {
		if item.TweetID != "" && c.seen[item.TweetID] {
			continue
		}
		if item.TweetID != "" {
			c.seen[item.TweetID] = true
		}
		unique = append(unique, item)
	}
	c.added += len(unique)
	c.mu.Unlock()

	if len(unique) == 0 {
		return 0, nil
	}
	if c.sink == nil {
		return len(unique), nil
	}
	if _, err := c.sink.Persist(unique); err != nil {
		return len(unique), err
	}
	return len(unique), nil
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.added
}

func (c *collector) limitReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit > 0 && c.added >= c.limit
}
