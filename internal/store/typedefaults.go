package store

import (
	"context"
	"database/sql"

	"github.com/taskforge/coordinator/internal/tasks"
)

// GetTypeDefaults returns the configured defaults for taskType, or
// (nil, nil) if none are configured — callers fall back to a global
// default in that case (spec.md §4.4).
func (s *Store) GetTypeDefaults(ctx context.Context, taskType tasks.Type) (*tasks.TypeDefaults, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_type, timeout_minutes, max_retries, priority
		FROM task_type_defaults WHERE task_type = ?
	`, string(taskType))

	var d tasks.TypeDefaults
	var tt string
	if err := row.Scan(&tt, &d.TimeoutMinutes, &d.MaxRetries, &d.Priority); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classifyErr(err, "get type defaults")
	}
	d.TaskType = tasks.Type(tt)
	return &d, nil
}

// SetTypeDefaults upserts the defaults for a task type.
func (s *Store) SetTypeDefaults(ctx context.Context, d *tasks.TypeDefaults) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_type_defaults (task_type, timeout_minutes, max_retries, priority)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_type) DO UPDATE SET
				timeout_minutes = excluded.timeout_minutes,
				max_retries = excluded.max_retries,
				priority = excluded.priority
		`, string(d.TaskType), d.TimeoutMinutes, d.MaxRetries, d.Priority)
		if err != nil {
			return classifyErr(err, "set type defaults")
		}
		return nil
	})
}

// ListTypeDefaults returns every configured task-type default row.
func (s *Store) ListTypeDefaults(ctx context.Context) ([]*tasks.TypeDefaults, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_type, timeout_minutes, max_retries, priority FROM task_type_defaults`)
	if err != nil {
		return nil, classifyErr(err, "list type defaults")
	}
	defer rows.Close()

	var out []*tasks.TypeDefaults
	for rows.Next() {
		var d tasks.TypeDefaults
		var tt string
		if err := rows.Scan(&tt, &d.TimeoutMinutes, &d.MaxRetries, &d.Priority); err != nil {
			return nil, classifyErr(err, "scan type defaults")
		}
		d.TaskType = tasks.Type(tt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RunningTask is the minimal projection the stuck-task sweep needs.
type RunningTask struct {
	ID             int64
	Assignee       string
	TaskType       tasks.Type
	StartedAt      sql.NullTime
	TimeoutMinutes *int
}

// ListRunningTasks returns every task currently in the running state,
// for internal/control's stuck-task sweep.
func (s *Store) ListRunningTasks(ctx context.Context) ([]RunningTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assignee, task_type, started_at, timeout_minutes FROM tasks WHERE status = 'running'
	`)
	if err != nil {
		return nil, classifyErr(err, "list running tasks")
	}
	defer rows.Close()

	var out []RunningTask
	for rows.Next() {
		var rt RunningTask
		var taskType string
		var timeoutMinutes sql.NullInt64
		if err := rows.Scan(&rt.ID, &rt.Assignee, &taskType, &rt.StartedAt, &timeoutMinutes); err != nil {
			return nil, classifyErr(err, "scan running task")
		}
		rt.TaskType = tasks.Type(taskType)
		if timeoutMinutes.Valid {
			v := int(timeoutMinutes.Int64)
			rt.TimeoutMinutes = &v
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
