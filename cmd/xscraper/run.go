package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	"xscraper/pkg/models"
	"xscraper/pkg/output"
	"xscraper/pkg/pool"
	"xscraper/pkg/ratelimit"
	"xscraper/pkg/scheduler"
	"xscraper/pkg/storage"
)

// runtimeParts is the wired-up machinery shared by the search and
// profiles commands.
type runtimeParts struct {
	store    *storage.Store
	pool     *pool.Manager
	limiters *ratelimit.Registry
	writer   output.Writer
}

func (r *runtimeParts) close() {
	if r.writer != nil {
		_ = r.writer.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

func buildRuntime(cfg *config.Config, outputName string) (*runtimeParts, error) {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	writer, err := output.NewWriter(cfg.Output.Dir, cfg.Output.Format, outputName)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := cooldown.NewPolicy(cfg.Cooldown.Default, cfg.Cooldown.Transient, cfg.Cooldown.Auth, cfg.Cooldown.Jitter)
	limits := storage.DailyLimits{Requests: cfg.Limits.DailyRequests, Items: cfg.Limits.DailyItems}

	return &runtimeParts{
		store:    store,
		pool:     pool.New(store, policy, cfg.Lease.TTL, cfg.Lease.Heartbeat, limits),
		limiters: ratelimit.NewRegistry(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.MinDelay),
		writer:   writer,
	}, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so that
// in-flight pages finish and checkpoint before the process exits.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSchedulerFor(cfg *config.Config, parts *runtimeParts, fetcher scheduler.Fetcher) *scheduler.Scheduler {
	return scheduler.New(cfg, parts.store, parts.pool, parts.limiters, fetcher, parts.writer)
}

func printRunSummary(stats *models.RunStats, outputPath string) {
	if stats == nil {
		return
	}
	fmt.Printf("\nRun %s finished in %s\n", stats.RunID, stats.FinishedAt.Sub(stats.StartedAt).Round(time.Second))
	fmt.Printf("  tweets collected: %d\n", stats.Tweets)
	fmt.Printf("  tasks:            %d done, %d failed of %d\n", stats.TasksDone, stats.TasksFailed, stats.TasksTotal)
	if stats.Retries > 0 || stats.AccountSwitches > 0 {
		fmt.Printf("  retries:          %d (%d account switches)\n", stats.Retries, stats.AccountSwitches)
	}
	if unresolved := stats.TasksTotal - stats.TasksDone - stats.TasksFailed; unresolved > 0 {
		fmt.Printf("  interrupted:      %d tasks unresolved, rerun with --resume\n", unresolved)
	}
	if outputPath != "" {
		fmt.Printf("  output:           %s\n", outputPath)
	}
}
