package scheduler

import (
	"context"
	"sync"
	"time"

	"xscraper/pkg/models"
)

// taskQueue is an in-memory work queue with delayed re-enqueue for
// retries. Dequeue drains only when no task is queued AND no retry timer
// is pending, so workers do not exit while a retry is in flight.
type taskQueue struct {
	mu            sync.Mutex
	items         []*models.Task
	pendingDelays int
	timers        map[*time.Timer]struct{}
	stopped       bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{timers: make(map[*time.Timer]struct{})}
}

// Enqueue adds tasks to the back of the queue.
func (q *taskQueue) Enqueue(tasks ...*models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, tasks...)
}

// Dequeue returns the next task, or (nil, false) once the queue has
// drained or was stopped. It polls rather than blocks: the wait between
// polls is short and interruptible by ctx.
func (q *taskQueue) Dequeue(ctx context.Context) (*models.Task, bool) {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, true
		}
		drained := q.pendingDelays == 0
		q.mu.Unlock()

		if drained {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Retry re-enqueues a task after delay. The pending-delay count keeps
// Dequeue from reporting the queue drained in the meantime.
func (q *taskQueue) Retry(task *models.Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if delay <= 0 {
		q.items = append(q.items, task)
		return
	}

	q.pendingDelays++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.pendingDelays--
		delete(q.timers, timer)
		if !q.stopped {
			q.items = append(q.items, task)
		}
	})
	q.timers[timer] = struct{}{}
}

// Stop cancels pending retries and makes all Dequeue calls return.
func (q *taskQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.pendingDelays = 0
	q.items = nil
}
