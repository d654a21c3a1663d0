// Package taskqueue hands LLM-completion work from pipeline runs to
// completers. Tasks move pending -> bundled -> completed|failed, or to
// expired when abandoned; terminal tasks are never modified again.
package taskqueue

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/logging"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/store"
	"github.com/google/uuid"
)

// DefaultPageSize is the number of tasks fetched per store round-trip by List.
const DefaultPageSize = 100

// Queue is the Pending Task Queue.
type Queue struct {
	store    *store.Store
	log      *logging.Logger
	now      func() time.Time
	pageSize int
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithPageSize sets how many tasks List reads per page.
func WithPageSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.pageSize = n
		}
	}
}

// New creates a Queue over st.
func New(st *store.Store, log *logging.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logging.NopLogger()
	}
	q := &Queue{store: st, log: log.WithComponent("taskqueue"), now: time.Now, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a pending task.
func (q *Queue) Enqueue(ctx context.Context, class string, payload models.Payload, ownerRunID string) (*models.Task, error) {
	if class == "" {
		return nil, fmt.Errorf("%w: class is required", errors.ErrInvalidPayload)
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	task := &models.Task{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Class:      class,
		Status:     models.TaskStatusPending,
		Payload:    payload,
		OwnerRunID: ownerRunID,
		CreatedAt:  q.now().UTC(),
	}
	if err := q.store.InsertTask(ctx, task, ownerRunID); err != nil {
		return nil, err
	}
	q.log.Info("task enqueued", "task_id", task.ID, "class", class, "run", ownerRunID)
	return task, nil
}

// Get returns the current snapshot of a task.
func (q *Queue) Get(ctx context.Context, id string) (*models.Task, error) {
	return q.store.GetTask(ctx, id)
}

// List yields tasks matching filter in created_at order. The sequence reads
// the store lazily, one page at a time, and can be ranged over again to
// restart from the beginning. A store error is yielded once and ends it.
func (q *Queue) List(ctx context.Context, filter models.TaskFilter) iter.Seq2[models.Task, error] {
	return func(yield func(models.Task, error) bool) {
		var cursor *store.TaskCursor
		for {
			page, err := q.store.ListTasksPage(ctx, filter, cursor, q.pageSize)
			if err != nil {
				yield(models.Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < q.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &store.TaskCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// Collect drains a List sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[models.Task, error]) ([]models.Task, error) {
	var tasks []models.Task
	for t, err := range seq {
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Bundle claims a pending task for completion and returns its full context.
// It is advisory: two completers may bundle the same task.
func (q *Queue) Bundle(ctx context.Context, id, actor string) (*models.Task, error) {
	task, err := q.store.BundleTask(ctx, id, actor, q.now())
	if err != nil {
		return nil, err
	}
	q.log.Info("task bundled", "task_id", id, "actor", actor)
	return task, nil
}

// Complete submits result for a task. A result that violates the declared
// response format fails the task and returns ErrInvalidResult; the task is
// never retried automatically.
func (q *Queue) Complete(ctx context.Context, id, result, actor string) (*models.Task, error) {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", errors.ErrInvalidState, id, task.Status)
	}

	if verr := ValidateResult(task.Payload.ResponseFormat, result); verr != nil {
		if _, err := q.store.FinishTask(ctx, id, models.TaskStatusFailed, result, verr.Error(), actor, q.now()); err != nil {
			return nil, err
		}
		q.log.Warn("task failed validation", "task_id", id, "actor", actor, "error", verr)
		return nil, fmt.Errorf("%w: task %s: %v", errors.ErrInvalidResult, id, verr)
	}

	done, err := q.store.FinishTask(ctx, id, models.TaskStatusCompleted, result, "", actor, q.now())
	if err != nil {
		return nil, err
	}
	q.log.Info("task completed", "task_id", id, "actor", actor)
	return done, nil
}

// ExpireOverdue expires every non-terminal task created more than maxAge ago.
func (q *Queue) ExpireOverdue(ctx context.Context, maxAge time.Duration) ([]models.Task, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("expire: max age must be positive, got %s", maxAge)
	}
	now := q.now()
	expired, err := q.store.ExpireTasks(ctx, now.Add(-maxAge), now)
	if err != nil {
		return nil, err
	}
	for _, t := range expired {
		q.log.Warn("task expired", "task_id", t.ID, "class", t.Class, "created_at", t.CreatedAt)
	}
	return expired, nil
}

// Requeue creates a fresh pending task from an expired or failed one. The
// new task records which task it supersedes.
func (q *Queue) Requeue(ctx context.Context, id, actor string) (*models.Task, error) {
	old, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != models.TaskStatusExpired && old.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: only expired or failed tasks can be requeued, %s is %s", errors.ErrInvalidState, id, old.Status)
	}
	task := &models.Task{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Class:      old.Class,
		Status:     models.TaskStatusPending,
		Payload:    old.Payload,
		OwnerRunID: old.OwnerRunID,
		Supersedes: old.ID,
		CreatedAt:  q.now().UTC(),
	}
	if actor == "" {
		actor = old.OwnerRunID
	}
	if err := q.store.InsertTask(ctx, task, actor); err != nil {
		return nil, err
	}
	q.log.Info("task requeued", "task_id", task.ID, "supersedes", id)
	return task, nil
}

// Stats returns task counts per status.
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.store.TaskStats(ctx)
}
