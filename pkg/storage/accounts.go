package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// DailyLimits caps per-account usage per UTC day. Zero means unlimited.
type DailyLimits struct {
	Requests int
	Items    int
}

// ReleaseOutcome carries what a finished (or failed) task learned about
// the account it held.
type ReleaseOutcome struct {
	// AvailableAt is the computed cooldown end; zero means no cooldown.
	AvailableAt time.Time
	Reason      string
	ErrorCode   int
	// Status optionally retires the account (e.g. on permanent failure).
	Status models.AccountStatus
}

const accountColumns = `id, username, password, email, status, auth_blob, proxy,
	available_at, cooldown_reason, last_error_code,
	lease_id, lease_task_id, lease_expires_at,
	requests_today, items_today, counter_day, last_request_at,
	created_at, updated_at`

// eligibleWhere filters to accounts that may be leased right now: usable,
// past any cooldown, not held by a live lease, and under daily caps. An
// expired lease counts as free, which is what makes crashed holders
// recoverable without a sweeper.
const eligibleWhere = `status = 'usable'
	AND available_at <= :now
	AND (lease_id = '' OR lease_expires_at <= :now)
	AND (:daily_req = 0 OR counter_day != :today OR requests_today < :daily_req)
	AND (:daily_items = 0 OR counter_day != :today OR items_today < :daily_items)`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	var a models.Account
	var availableAt, leaseExpiresAt, lastRequestAt, createdAt, updatedAt int64
	err := row.Scan(
		&a.ID, &a.Username, &a.Password, &a.Email, &a.Status, &a.AuthBlob, &a.Proxy,
		&availableAt, &a.CooldownReason, &a.LastErrorCode,
		&a.LeaseID, &a.LeaseTaskID, &leaseExpiresAt,
		&a.RequestsToday, &a.ItemsToday, &a.CounterDay, &lastRequestAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AvailableAt = timeOrZero(availableAt)
	a.LeaseExpiresAt = timeOrZero(leaseExpiresAt)
	a.LastRequestAt = timeOrZero(lastRequestAt)
	a.CreatedAt = timeOrZero(createdAt)
	a.UpdatedAt = timeOrZero(updatedAt)
	return &a, nil
}

// UpsertAccounts inserts new accounts and merges auth material into
// existing ones. Health state (status, cooldown, counters) of existing
// rows is preserved; imports never shorten a cooldown.
func (s *Store) UpsertAccounts(ctx context.Context, accounts []models.Account) error {
	return s.execRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "begin upsert")
		}
		defer tx.Rollback()

		now := s.now().Unix()
		for _, a := range accounts {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			status := a.Status
			if status == "" {
				if a.AuthBlob == "" {
					status = models.StatusNeedsBootstrap
				} else {
					status = models.StatusUsable
				}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO accounts (id, username, password, email, status, auth_blob, proxy, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(username) DO UPDATE SET
					password   = CASE WHEN excluded.password != '' THEN excluded.password ELSE accounts.password END,
					email      = CASE WHEN excluded.email != '' THEN excluded.email ELSE accounts.email END,
					auth_blob  = CASE WHEN excluded.auth_blob != '' THEN excluded.auth_blob ELSE accounts.auth_blob END,
					proxy      = CASE WHEN excluded.proxy != '' THEN excluded.proxy ELSE accounts.proxy END,
					status     = CASE
						WHEN accounts.status = 'needs_bootstrap' AND excluded.auth_blob != '' THEN 'usable'
						ELSE accounts.status END,
					updated_at = excluded.updated_at`,
				id, a.Username, a.Password, a.Email, status, a.AuthBlob, a.Proxy, now, now,
			)
			if err != nil {
				return errors.Wrap(errors.ErrorTypeStorage, err, fmt.Sprintf("upsert account %s", a.Username))
			}
		}
		return tx.Commit()
	})
}

// ListEligible returns accounts leasable at now, ordered so the least
// recently used account is tried first.
func (s *Store) ListEligible(ctx context.Context, limits DailyLimits) ([]*models.Account, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+eligibleWhere+` ORDER BY last_request_at ASC`,
		sql.Named("now", now.Unix()),
		sql.Named("today", utcDay(now)),
		sql.Named("daily_req", limits.Requests),
		sql.Named("daily_items", limits.Items),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "list eligible accounts")
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrorTypeStorage, err, "scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CountEligible reports how many accounts could be leased right now.
func (s *Store) CountEligible(ctx context.Context, limits DailyLimits) (int, error) {
	now := s.now()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE `+eligibleWhere,
		sql.Named("now", now.Unix()),
		sql.Named("today", utcDay(now)),
		sql.Named("daily_req", limits.Requests),
		sql.Named("daily_items", limits.Items),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "count eligible accounts")
	}
	return n, nil
}

// Checkout atomically claims the least recently used eligible account for
// taskID and returns it with a fresh lease. Returns ErrAccountPoolExhausted
// when no account is eligible.
func (s *Store) Checkout(ctx context.Context, taskID string, ttl time.Duration, limits DailyLimits) (*models.Account, *models.Lease, error) {
	var account *models.Account
	var lease *models.Lease

	err := s.execRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "begin checkout")
		}
		defer tx.Rollback()

		now := s.now()
		row := tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE `+eligibleWhere+`
			 ORDER BY last_request_at ASC LIMIT 1`,
			sql.Named("now", now.Unix()),
			sql.Named("today", utcDay(now)),
			sql.Named("daily_req", limits.Requests),
			sql.Named("daily_items", limits.Items),
		)
		a, err := scanAccount(row)
		if err == sql.ErrNoRows {
			return errors.ErrAccountPoolExhausted
		}
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "scan checkout candidate")
		}

		leaseID := uuid.NewString()
		expiresAt := now.Add(ttl)
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET
				lease_id = ?, lease_task_id = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = ? AND (lease_id = '' OR lease_expires_at <= ?)`,
			leaseID, taskID, expiresAt.Unix(), now.Unix(), a.ID, now.Unix(),
		)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "stamp lease")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to a concurrent claimant.
			return errors.ErrAccountPoolExhausted
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "commit checkout")
		}

		a.LeaseID = leaseID
		a.LeaseTaskID = taskID
		a.LeaseExpiresAt = expiresAt
		account = a
		lease = &models.Lease{ID: leaseID, AccountID: a.ID, TaskID: taskID, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return account, lease, nil
}

// Heartbeat extends a live lease by ttl from now. Fails if the lease no
// longer exists or has already expired, so a holder learns it lost the
// account.
func (s *Store) Heartbeat(ctx context.Context, leaseID string, ttl time.Duration) error {
	return s.execRetry(func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET lease_expires_at = ?, updated_at = ?
			 WHERE lease_id = ? AND lease_expires_at > ?`,
			now.Add(ttl).Unix(), now.Unix(), leaseID, now.Unix(),
		)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "heartbeat lease")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrorTypeStorage, "lease expired or released")
		}
		return nil
	})
}

// Release clears the lease and applies the outcome's cooldown. The new
// available_at never moves backwards: MAX keeps an earlier, longer
// cooldown in place.
func (s *Store) Release(ctx context.Context, leaseID string, outcome ReleaseOutcome) error {
	return s.execRetry(func() error {
		now := s.now().Unix()
		query := `UPDATE accounts SET
			lease_id = '', lease_task_id = '', lease_expires_at = 0,
			available_at = MAX(available_at, ?),
			cooldown_reason = CASE WHEN ? != '' THEN ? ELSE cooldown_reason END,
			last_error_code = CASE WHEN ? != 0 THEN ? ELSE last_error_code END,
			updated_at = ?`
		args := []interface{}{
			unixOrZero(outcome.AvailableAt),
			outcome.Reason, outcome.Reason,
			outcome.ErrorCode, outcome.ErrorCode,
			now,
		}
		if outcome.Status != "" {
			query += `, status = ?`
			args = append(args, string(outcome.Status))
		}
		query += ` WHERE lease_id = ?`
		args = append(args, leaseID)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "release lease")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already reclaimed by expiry; nothing to release.
			return nil
		}
		return nil
	})
}

// RecordUsage bumps the daily counters and last-request time for one
// physical response. Counters reset lazily when the UTC day has rolled
// over since the last write.
func (s *Store) RecordUsage(ctx context.Context, accountID string, requests, items int) error {
	return s.execRetry(func() error {
		now := s.now()
		today := utcDay(now)
		_, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET
				requests_today = CASE WHEN counter_day = ? THEN requests_today + ? ELSE ? END,
				items_today    = CASE WHEN counter_day = ? THEN items_today + ? ELSE ? END,
				counter_day    = ?,
				last_request_at = ?,
				updated_at      = ?
			 WHERE id = ?`,
			today, requests, requests,
			today, items, items,
			today, now.Unix(), now.Unix(), accountID,
		)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "record usage")
		}
		return nil
	})
}

// ListAccounts returns every stored account, for the admin surface.
func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY username ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "list accounts")
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrorTypeStorage, err, "scan account")
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ForceReleaseLease clears any lease on the named account, regardless of
// holder or expiry. Admin only.
func (s *Store) ForceReleaseLease(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET lease_id = '', lease_task_id = '', lease_expires_at = 0, updated_at = ?
		 WHERE username = ?`,
		s.now().Unix(), username,
	)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "force release lease")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrorTypeStorage, fmt.Sprintf("no account named %s", username))
	}
	return nil
}

// ResetCooldowns clears cooldown windows. With usernames empty, every
// account is reset.
func (s *Store) ResetCooldowns(ctx context.Context, usernames []string) (int, error) {
	query := `UPDATE accounts SET available_at = 0, cooldown_reason = '', last_error_code = 0, updated_at = ?`
	args := []interface{}{s.now().Unix()}
	if len(usernames) > 0 {
		query += ` WHERE username IN (` + placeholders(len(usernames)) + `)`
		for _, u := range usernames {
			args = append(args, u)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "reset cooldowns")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetDailyCounters zeroes requests_today/items_today for all accounts.
func (s *Store) ResetDailyCounters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET requests_today = 0, items_today = 0, counter_day = ?, updated_at = ?`,
		utcDay(s.now()), s.now().Unix(),
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrorTypeStorage, err, "reset daily counters")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetStatus marks an account usable or unusable.
func (s *Store) SetStatus(ctx context.Context, username string, status models.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE username = ?`,
		string(status), s.now().Unix(), username,
	)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "set account status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrorTypeStorage, fmt.Sprintf("no account named %s", username))
	}
	return nil
}

// Diagnosis explains why one account is or is not eligible right now.
type Diagnosis struct {
	Account *models.Account
	Reasons []string
}

// Diagnose reports eligibility per account with the blocking reasons.
func (s *Store) Diagnose(ctx context.Context, limits DailyLimits) ([]Diagnosis, error) {
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	today := utcDay(now)
	out := make([]Diagnosis, 0, len(accounts))
	for _, a := range accounts {
		var reasons []string
		if a.Status != models.StatusUsable {
			reasons = append(reasons, fmt.Sprintf("status is %s", a.Status))
		}
		if a.AvailableAt.After(now) {
			reasons = append(reasons, fmt.Sprintf("cooling down until %s (%s)", a.AvailableAt.UTC().Format(time.RFC3339), a.CooldownReason))
		}
		if a.Leased(now) {
			reasons = append(reasons, fmt.Sprintf("leased until %s", a.LeaseExpiresAt.UTC().Format(time.RFC3339)))
		}
		if a.CounterDay == today {
			if limits.Requests > 0 && a.RequestsToday >= limits.Requests {
				reasons = append(reasons, fmt.Sprintf("daily request cap reached (%d)", a.RequestsToday))
			}
			if limits.Items > 0 && a.ItemsToday >= limits.Items {
				reasons = append(reasons, fmt.Sprintf("daily item cap reached (%d)", a.ItemsToday))
			}
		}
		out = append(out, Diagnosis{Account: a, Reasons: reasons})
	}
	return out, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
