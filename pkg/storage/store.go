// Package storage is the durable state layer: accounts with inlined lease
// fields, resume checkpoints, and run stats, all in a single SQLite file.
// Every mutation is a single-row transaction so concurrent workers never
// need more than row-level coordination.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"xscraper/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	username         TEXT NOT NULL UNIQUE,
	password         TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'usable',
	auth_blob        TEXT NOT NULL DEFAULT '',
	proxy            TEXT NOT NULL DEFAULT '',
	available_at     INTEGER NOT NULL DEFAULT 0,
	cooldown_reason  TEXT NOT NULL DEFAULT '',
	last_error_code  INTEGER NOT NULL DEFAULT 0,
	lease_id         TEXT NOT NULL DEFAULT '',
	lease_task_id    TEXT NOT NULL DEFAULT '',
	lease_expires_at INTEGER NOT NULL DEFAULT 0,
	requests_today   INTEGER NOT NULL DEFAULT 0,
	items_today      INTEGER NOT NULL DEFAULT 0,
	counter_day      TEXT NOT NULL DEFAULT '',
	last_request_at  INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_eligibility
	ON accounts (status, available_at, lease_expires_at);

CREATE TABLE IF NOT EXISTS resume_checkpoints (
	fingerprint     TEXT PRIMARY KEY,
	scope_key       TEXT NOT NULL DEFAULT '',
	cursor          TEXT NOT NULL DEFAULT '',
	page_seq        INTEGER NOT NULL DEFAULT 0,
	last_page_items INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	started_at       INTEGER NOT NULL,
	finished_at      INTEGER NOT NULL DEFAULT 0,
	tweets           INTEGER NOT NULL DEFAULT 0,
	tasks_total      INTEGER NOT NULL DEFAULT 0,
	tasks_done       INTEGER NOT NULL DEFAULT 0,
	tasks_failed     INTEGER NOT NULL DEFAULT 0,
	retries          INTEGER NOT NULL DEFAULT 0,
	account_switches INTEGER NOT NULL DEFAULT 0
);
`

// Store wraps the SQLite database holding all scheduler state.
type Store struct {
	db *sql.DB

	// now is swapped out by tests
	now func() time.Time
}

// Open opens (creating if needed) the state database at path and applies
// the schema. WAL mode and a busy timeout keep concurrent workers from
// tripping over each other.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "open database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "apply schema")
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execRetry runs fn, retrying a few times when SQLite reports the database
// is locked. The busy timeout covers most contention; this covers the rest.
func (s *Store) execRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// utcDay formats the UTC date daily counters are keyed by.
func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
