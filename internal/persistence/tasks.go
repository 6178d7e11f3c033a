package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskpilotlabs/taskpilot/internal/scheduler"
)

// SaveTask saves or updates a task and its dependency edges. Uses ON CONFLICT
// to make saves idempotent; the scheduler calls this after every transition.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	errorStr := ""
	if task.Err != nil {
		errorStr = task.Err.Error()
	}

	var taskCtx []byte
	if len(task.Context) > 0 {
		var err error
		taskCtx, err = json.Marshal(task.Context)
		if err != nil {
			return fmt.Errorf("failed to encode task context: %w", err)
		}
	}

	var deadline any
	if !task.Deadline.IsZero() {
		deadline = task.Deadline.UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, parent_id, project_id, priority, status,
				retry_count, max_retries, critical, deadline,
				result, error, cancel_reason, context, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				project_id = excluded.project_id,
				priority = excluded.priority,
				status = excluded.status,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				critical = excluded.critical,
				deadline = excluded.deadline,
				result = excluded.result,
				error = excluded.error,
				cancel_reason = excluded.cancel_reason,
				context = excluded.context,
				updated_at = excluded.updated_at
		`, task.ID, task.ParentID, task.ProjectID, task.Priority, int(task.Status),
			task.RetryCount, task.MaxRetries, boolToInt(task.Critical), deadline,
			task.Result, errorStr, task.CancelReason, string(taskCtx),
			task.CreatedAt.UTC(), task.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert task: %w", err)
		}

		// Replace the edge set wholesale; it is small per task.
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
			return fmt.Errorf("failed to delete old dependencies: %w", err)
		}
		for _, depID := range task.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id)
				VALUES (?, ?)
			`, task.ID, depID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID, including its dependency edges.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.reader(ctx).QueryRowContext(ctx, `
		SELECT id, parent_id, project_id, priority, status,
			retry_count, max_retries, critical, deadline,
			result, error, cancel_reason, context, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, scheduler.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks for a project, oldest first, with their
// dependency edges. Used to rehydrate the scheduler on startup.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT id, parent_id, project_id, priority, status,
			retry_count, max_retries, critical, deadline,
			result, error, cancel_reason, context, created_at, updated_at
		FROM tasks
		WHERE project_id = ?
		ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.loadDependencies(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, task *scheduler.Task) error {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for task %s: %w", task.ID, err)
	}
	defer rows.Close()

	task.DependsOn = nil
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		status    int
		critical  int
		deadline  sql.NullTime
		errorStr  string
		taskCtx   sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(&task.ID, &task.ParentID, &task.ProjectID, &task.Priority, &status,
		&task.RetryCount, &task.MaxRetries, &critical, &deadline,
		&task.Result, &errorStr, &task.CancelReason, &taskCtx, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.Status(status)
	task.Critical = critical != 0
	if deadline.Valid {
		task.Deadline = deadline.Time
	}
	if errorStr != "" {
		task.Err = errors.New(errorStr)
	}
	if taskCtx.Valid && taskCtx.String != "" {
		if err := json.Unmarshal([]byte(taskCtx.String), &task.Context); err != nil {
			return nil, fmt.Errorf("failed to decode task context: %w", err)
		}
	}
	task.CreatedAt = createdAt
	task.UpdatedAt = updatedAt
	return task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
