package storage

import (
	"context"
	"database/sql"

	"xscraper/pkg/errors"
	"xscraper/pkg/models"
)

// GetCheckpoint returns the resume cursor for a fingerprint, or nil when
// no page has ever been recorded for it.
func (s *Store) GetCheckpoint(ctx context.Context, fingerprint string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, scope_key, cursor, page_seq, last_page_items, updated_at
		 FROM resume_checkpoints WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&cp.Fingerprint, &cp.ScopeKey, &cp.Cursor, &cp.PageSeq, &cp.LastPageItems, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeStorage, err, "get checkpoint")
	}
	cp.UpdatedAt = timeOrZero(updatedAt)
	return &cp, nil
}

// SaveCheckpoint records the cursor reached after a page. Writes are
// forward-only: a save carrying a page sequence behind the stored one is
// silently dropped, so a stale worker can never roll progress back.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	return s.execRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO resume_checkpoints (fingerprint, scope_key, cursor, page_seq, last_page_items, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(fingerprint) DO UPDATE SET
				scope_key       = excluded.scope_key,
				cursor          = excluded.cursor,
				page_seq        = excluded.page_seq,
				last_page_items = excluded.last_page_items,
				updated_at      = MAX(resume_checkpoints.updated_at, excluded.updated_at)
			 WHERE excluded.page_seq >= resume_checkpoints.page_seq`,
			cp.Fingerprint, cp.ScopeKey, cp.Cursor, cp.PageSeq, cp.LastPageItems, s.now().Unix(),
		)
		if err != nil {
			return errors.Wrap(errors.ErrorTypeStorage, err, "save checkpoint")
		}
		return nil
	})
}

// ClearCheckpoint removes the resume cursor for a fingerprint, typically
// after its scope completed cleanly.
func (s *Store) ClearCheckpoint(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resume_checkpoints WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return errors.Wrap(errors.ErrorTypeStorage, err, "clear checkpoint")
	}
	return nil
}
