package scheduler

import (
	"context"

	"xscraper/pkg/cooldown"
	"xscraper/pkg/models"
	"xscraper/pkg/ratelimit"
)

// Fetcher is the external HTTP/GraphQL collaborator. Implementations
// report failures that never reached HTTP (network, decode) as synthetic
// statuses on the returned page rather than as errors; an error return is
// reserved for context cancellation.
type Fetcher interface {
	FetchPage(ctx context.Context, account *models.Account, task *models.Task, cursor string, pageSize int) (*models.Page, error)
}

// Sink receives items once per page for streaming persistence and
// returns how many were new after dedupe.
type Sink interface {
	Persist(items []models.TweetRecord) (int, error)
}

// pageOutcome summarizes one pagination attempt for the task loop.
type pageOutcome struct {
	kind    cooldown.Kind
	status  int
	headers map[string]string
	cursor  string
	pages   int
	added   int
	// exhausted means the server signalled the end of results (or the
	// empty-page guard tripped); the task is complete.
	exhausted bool
	// cancelled means the run context was cancelled mid-task; the task is
	// neither done nor failed, and its checkpoint must survive for resume.
	cancelled bool
}

// paginate drives the cursor loop for one task on one leased account.
// The checkpoint is written after every successfully parsed page, before
// the next page is requested, so progress survives a kill at any point.
func (s *Scheduler) paginate(ctx context.Context, account *models.Account, task *models.Task, limiter ratelimit.Limiter, baseSeq int) pageOutcome {
	out := pageOutcome{kind: cooldown.KindSuccess, cursor: task.Cursor}
	pageSeq := baseSeq
	consecutiveEmpty := 0
	seenCursors := map[string]bool{}
	if task.Cursor != "" {
		seenCursors[task.Cursor] = true
	}
	scopeAdded := 0

	for {
		if ctx.Err() != nil {
			// The global limit also cancels the run context; only an
			// external cancellation leaves the task unresolved.
			out.cancelled = !s.collector.limitReached()
			return out
		}
		if s.collector.limitReached() {
			return out
		}
		if s.cfg.Pagination.MaxPagesPerTask > 0 && out.pages >= s.cfg.Pagination.MaxPagesPerTask {
			out.exhausted = true
			return out
		}

		if err := limiter.Acquire(ctx); err != nil {
			out.cancelled = !s.collector.limitReached()
			return out
		}

		page, err := s.fetcher.FetchPage(ctx, account, task, out.cursor, s.cfg.API.PageSize)
		if err != nil {
			// Context cancellation: stop here, checkpoint already covers
			// everything fetched so far.
			out.cancelled = !s.collector.limitReached()
			return out
		}

		// Usage accounting must land even when cancellation raced the
		// fetch; the request was made either way.
		if recErr := s.pool.RecordUsage(context.WithoutCancel(ctx), account.ID, 1, len(page.Items)); recErr != nil {
			s.log.WithError(recErr).Warn("usage accounting failed")
		}

		kind := cooldown.Classify(page.HTTPStatus, page.Headers, nil)
		if kind != cooldown.KindSuccess && kind != cooldown.KindRateLimited {
			out.kind = kind
			out.status = page.HTTPStatus
			out.headers = page.Headers
			return out
		}
		if kind == cooldown.KindRateLimited && page.HTTPStatus != 429 {
			// 200 with an exhausted quota header: the page is real, so
			// persist and checkpoint it before cooling the account down.
			s.persistPage(ctx, task, page, &out, &pageSeq, &scopeAdded, seenCursors)
			out.kind = kind
			out.status = page.HTTPStatus
			out.headers = page.Headers
			return out
		}
		if kind == cooldown.KindRateLimited {
			out.kind = kind
			out.status = page.HTTPStatus
			out.headers = page.Headers
			return out
		}

		advanced := s.persistPage(ctx, task, page, &out, &pageSeq, &scopeAdded, seenCursors)

		if s.collector.limitReached() {
			s.stop()
			return out
		}
		if s.cfg.Pagination.PerProfileLimit > 0 && task.Kind == "profile" && scopeAdded >= s.cfg.Pagination.PerProfileLimit {
			out.exhausted = true
			return out
		}

		if !advanced {
			// Empty or repeated cursor means the server has no more pages.
			out.exhausted = true
			return out
		}

		if page.ResultCount == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= s.cfg.Pagination.MaxEmptyPages {
				out.exhausted = true
				return out
			}
		} else {
			consecutiveEmpty = 0
		}
	}
}

// persistPage streams the page's items out, advances the checkpoint, and
// moves the in-memory cursor. Returns false when the next cursor is empty
// or already seen, i.e. pagination cannot advance.
func (s *Scheduler) persistPage(ctx context.Context, task *models.Task, page *models.Page, out *pageOutcome, pageSeq *int, scopeAdded *int, seenCursors map[string]bool) bool {
	added, err := s.collector.persist(page.Items)
	if err != nil {
		s.log.WithError(err).Error("output persistence failed")
	}
	out.added += added
	*scopeAdded += added
	out.pages++
	*pageSeq++

	cp := models.Checkpoint{
		Fingerprint:   task.Fingerprint,
		ScopeKey:      scopeKey(task),
		Cursor:        page.NextCursor,
		PageSeq:       *pageSeq,
		LastPageItems: page.ResultCount,
	}
	// A page that completed during cancellation still gets its durable
	// checkpoint: resume continues from here, not from scratch.
	if err := s.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		s.log.WithError(err).Error("checkpoint write failed")
	}

	if page.NextCursor == "" || seenCursors[page.NextCursor] {
		return false
	}
	seenCursors[page.NextCursor] = true
	out.cursor = page.NextCursor
	task.Cursor = page.NextCursor
	return true
}

func scopeKey(task *models.Task) string {
	if task.Kind == "profile" {
		return task.Handle
	}
	return task.Since + ".." + task.Until
}
