package storage

import (
	"context"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// CreateRun records the start of a scheduler run.
func (s *Store) CreateRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		runID, s.now().Unix(),
	)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "create run")
	}
	return nil
}

// FinalizeRun stamps the run's end time and final counters.
func (s *Store) FinalizeRun(ctx context.Context, stats models.RunStats) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, tweets = ?, tasks_total = ?, tasks_done = ?,
			tasks_failed = ?, retries = ?, account_switches = ?
		 WHERE id = ?`,
		s.now().Unix(), stats.Tweets, stats.TasksTotal, stats.TasksDone,
		stats.TasksFailed, stats.Retries, stats.AccountSwitches, stats.RunID,
	)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "finalize run")
	}
	return nil
}

// GetRun returns the stored stats for one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.RunStats, error) {
	var stats models.RunStats
	var startedAt, finishedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, tweets, tasks_total, tasks_done,
			tasks_failed, retries, account_switches
		 FROM runs WHERE id = ?`, runID,
	).Scan(&stats.RunID, &startedAt, &finishedAt, &stats.Tweets, &stats.TasksTotal,
		&stats.TasksDone, &stats.TasksFailed, &stats.Retries, &stats.AccountSwitches)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "get run")
	}
	stats.StartedAt = timeOrZero(startedAt)
	stats.FinishedAt = timeOrZero(finishedAt)
	return &stats, nil
}
