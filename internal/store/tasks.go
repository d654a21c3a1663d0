package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/baton/internal/audit"
	"github.com/fentz26/baton/internal/errors"
	"github.com/fentz26/baton/internal/models"
)

const taskColumns = `id, class, status, payload, result, error, owner_run_id, supersedes, created_at, bundled_at, completed_at`

// TaskCursor is the keyset position after the last task of a page.
type TaskCursor struct {
	CreatedAt time.Time
	ID        string
}

// InsertTask persists a new pending task.
func (s *Store) InsertTask(ctx context.Context, t *models.Task, actor string) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return s.writeTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO tasks (id, class, status, payload, owner_run_id, supersedes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.Class, string(t.Status), string(payload), nullString(t.OwnerRunID), nullString(t.Supersedes), toNanos(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		action, details := audit.ActionTaskEnqueue, "run="+t.OwnerRunID
		if t.Supersedes != "" {
			action, details = audit.ActionTaskRequeue, "supersedes="+t.Supersedes
		}
		return appendAuditTx(ctx, q, audit.NewEntry(action, actor, t.ID, t.Payload, string(t.Status), details, t.CreatedAt))
	})
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := getTaskTx(ctx, s.db, id)
	return t, mapErr(err)
}

// ListTasksPage returns up to limit tasks ordered by (created_at, id),
// starting strictly after cursor when it is non-nil.
func (s *Store) ListTasksPage(ctx context.Context, filter models.TaskFilter, after *TaskCursor, limit int) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ClassPrefix != "" {
		query += ` AND substr(class, 1, length(?)) = ?`
		args = append(args, filter.ClassPrefix, filter.ClassPrefix)
	}
	if after != nil {
		n := toNanos(after.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, n, n, after.ID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, mapErr(rows.Err())
}

// BundleTask moves a pending task to bundled. Bundling an already bundled
// task returns it unchanged; a terminal task yields ErrInvalidState.
func (s *Store) BundleTask(ctx context.Context, id, actor string, now time.Time) (*models.Task, error) {
	var task *models.Task
	err := s.writeTx(ctx, func(q querier) error {
		t, err := getTaskTx(ctx, q, id)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskStatusBundled:
			task = t
			return nil
		case models.TaskStatusPending:
		default:
			return fmt.Errorf("%w: task %s is %s", errors.ErrInvalidState, id, t.Status)
		}

		if err := transitionTaskTx(ctx, q, id, []models.TaskStatus{models.TaskStatusPending},
			`status = ?, bundled_at = ?`, string(models.TaskStatusBundled), toNanos(now)); err != nil {
			return err
		}
		e := audit.NewEntry(audit.ActionTaskBundle, actor, id, map[string]string{"id": id}, string(models.TaskStatusBundled), "", now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// FinishTask moves a pending or bundled task to completed or failed. A
// pending task is bundled implicitly in the same transaction. When another
// caller finished the task first, ErrInvalidState is returned.
func (s *Store) FinishTask(ctx context.Context, id string, status models.TaskStatus, result, errMsg, actor string, now time.Time) (*models.Task, error) {
	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: cannot finish as %s", errors.ErrInvalidState, status)
	}
	var task *models.Task
	err := s.writeTx(ctx, func(q querier) error {
		t, err := getTaskTx(ctx, q, id)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return fmt.Errorf("%w: task %s is already %s", errors.ErrInvalidState, id, t.Status)
		}
		bundledAt := toNanos(now)
		if t.BundledAt != nil {
			bundledAt = toNanos(*t.BundledAt)
		}

		if err := transitionTaskTx(ctx, q, id, []models.TaskStatus{models.TaskStatusPending, models.TaskStatusBundled},
			`status = ?, result = ?, error = ?, bundled_at = ?, completed_at = ?`,
			string(status), nullString(result), nullString(errMsg), bundledAt, toNanos(now)); err != nil {
			return err
		}

		action := audit.ActionTaskComplete
		if status == models.TaskStatusFailed {
			action = audit.ActionTaskFail
		}
		e := audit.NewEntry(action, actor, id, map[string]string{"result": result}, string(status), errMsg, now)
		if err := appendAuditTx(ctx, q, e); err != nil {
			return err
		}
		task, err = getTaskTx(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ExpireTasks marks every non-terminal task created strictly before cutoff
// as expired.
func (s *Store) ExpireTasks(ctx context.Context, cutoff, now time.Time) ([]models.Task, error) {
	var expired []models.Task
	err := s.writeTx(ctx, func(q querier) error {
		expired = nil
		rows, err := q.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status IN ('pending', 'bundled') AND created_at < ?
			ORDER BY created_at, id
		`, toNanos(cutoff))
		if err != nil {
			return fmt.Errorf("query overdue tasks: %w", err)
		}
		var overdue []models.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			overdue = append(overdue, *t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range overdue {
			e := audit.NewEntry(audit.ActionTaskExpire, audit.SystemActor, t.ID, map[string]string{"id": t.ID}, string(models.TaskStatusExpired),
				fmt.Sprintf("was=%s created_at=%s", t.Status, t.CreatedAt.Format(time.RFC3339Nano)), now)
			if err := appendAuditTx(ctx, q, e); err != nil {
				return err
			}
			if err := transitionTaskTx(ctx, q, t.ID, []models.TaskStatus{t.Status},
				`status = ?, completed_at = ?`, string(models.TaskStatusExpired), toNanos(now)); err != nil {
				return err
			}
			t.Status = models.TaskStatusExpired
			completed := now.UTC()
			t.CompletedAt = &completed
			expired = append(expired, t)
		}
		return nil
	})
	return expired, err
}

// TaskStats returns a count of tasks per status.
func (s *Store) TaskStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("count tasks: %w", err))
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		switch models.TaskStatus(status) {
		case models.TaskStatusPending:
			stats.Pending = n
		case models.TaskStatusBundled:
			stats.Bundled = n
		case models.TaskStatusCompleted:
			stats.Completed = n
		case models.TaskStatusFailed:
			stats.Failed = n
		case models.TaskStatusExpired:
			stats.Expired = n
		default:
			return nil, errors.Corrupt("tasks", status, errors.New("unknown status"))
		}
	}
	return &stats, mapErr(rows.Err())
}

// transitionTaskTx applies set to task id only while it is in one of from.
// Zero affected rows means someone else moved the task first.
func transitionTaskTx(ctx context.Context, q querier, id string, from []models.TaskStatus, set string, args ...any) error {
	query := `UPDATE tasks SET ` + set + ` WHERE id = ? AND status IN (`
	all := append([]any{}, args...)
	all = append(all, id)
	for i, st := range from {
		if i > 0 {
			query += `, `
		}
		query += `?`
		all = append(all, string(st))
	}
	query += `)`

	res, err := q.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s changed concurrently", errors.ErrInvalidState, id)
	}
	return nil
}

func getTaskTx(ctx context.Context, q querier, id string) (*models.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	return t, err
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                          models.Task
		status, payload            string
		result, errMsg, owner, sup sql.NullString
		created                    int64
		bundled, completed         sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Class, &status, &payload, &result, &errMsg, &owner, &sup, &created, &bundled, &completed); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, errors.Corrupt("tasks", t.ID, fmt.Errorf("unknown status %q", status))
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, errors.Corrupt("tasks", t.ID, err)
	}
	t.Result = result.String
	t.Error = errMsg.String
	t.OwnerRunID = owner.String
	t.Supersedes = sup.String
	t.CreatedAt = fromNanos(created)
	t.BundledAt = timePtr(bundled)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}
