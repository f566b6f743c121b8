package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/tasks"
)

const taskColumns = `
	id, project_id, title, description, task_type, status, priority,
	assignee, reviewer, acceptance_criteria, parent_task_id, tags,
	estimated_hours, timeout_minutes, retry_count, max_retries, result,
	feedback, created_at, assigned_at, started_at, updated_at,
	completed_at, due_at`

// Tx exposes the retrying transaction helper to sibling packages
// (dispatcher, lifecycle, idempotency, control) that need to compose
// several store statements atomically.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// CreateTask inserts a task and its ordered dependency list. Callers
// are responsible for running the Dependency Validator first; Create
// performs no cycle/self-reference checking of its own.
func (s *Store) CreateTask(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	now := time.Now().UTC()
	t.Status = tasks.StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, coordfault.Wrap(coordfault.Validation, err, "encode tags")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (
				project_id, title, description, task_type, status, priority,
				assignee, reviewer, acceptance_criteria, parent_task_id, tags,
				estimated_hours, timeout_minutes, retry_count, max_retries,
				feedback, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ProjectID, t.Title, t.Description, t.TaskType, t.Status, t.Priority,
			t.Assignee, t.Reviewer, t.AcceptanceCriteria, t.ParentTaskID, string(tagsJSON),
			t.EstimatedHours, t.TimeoutMinutes, t.RetryCount, t.MaxRetries,
			t.Feedback, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return classifyErr(err, "create task")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return classifyErr(err, "create task: last insert id")
		}
		t.ID = id

		for i, depID := range t.Dependencies {
			if _, err := tx.Exec(`
				INSERT INTO task_dependencies (task_id, depends_on_id, position) VALUES (?, ?, ?)
			`, t.ID, depID, i); err != nil {
				return classifyErr(err, "create task: insert dependency")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask fetches a task by id, including its dependency list.
func (s *Store) GetTask(ctx context.Context, id int64) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	deps, err := s.GetDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

// GetDependencies returns the ordered dependency ids for a task.
func (s *Store) GetDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY position
	`, taskID)
	if err != nil {
		return nil, classifyErr(err, "get dependencies")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classifyErr(err, "scan dependency")
		}
		out = append(out, id)
	}
	return out, nil
}

// TaskFilter narrows ListTasks; zero values mean "don't filter on
// this field".
type TaskFilter struct {
	ProjectID int64
	Status    tasks.Status
	Assignee  string
}

// ListTasks returns tasks matching filter, in priority/created_at
// dispatch order.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if f.ProjectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		query += ` AND assignee = ?`
		args = append(args, f.Assignee)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyErr(err, "list tasks")
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, classifyErr(err, "scan task")
		}
		out = append(out, t)
	}
	return out, nil
}

// TasksExistInProject reports whether every id in ids is a task
// belonging to projectID, for the Dependency Validator's reference
// check (spec.md §4.4 rule 3).
func (s *Store) TasksExistInProject(ctx context.Context, projectID int64, ids []int64) (bool, error) {
	for _, id := range ids {
		var count int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE id = ? AND project_id = ?
		`, id, projectID).Scan(&count)
		if err != nil {
			return false, classifyErr(err, "check task existence")
		}
		if count == 0 {
			return false, nil
		}
	}
	return true, nil
}

func scanTask(row *sql.Row) (*tasks.Task, error) {
	var t tasks.Task
	var tagsJSON string
	var parentTaskID sql.NullInt64
	var timeoutMinutes sql.NullInt64
	var result sql.NullString
	var assignedAt, startedAt, completedAt, dueAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.TaskType, &t.Status, &t.Priority,
		&t.Assignee, &t.Reviewer, &t.AcceptanceCriteria, &parentTaskID, &tagsJSON,
		&t.EstimatedHours, &timeoutMinutes, &t.RetryCount, &t.MaxRetries, &result,
		&t.Feedback, &t.CreatedAt, &assignedAt, &startedAt, &t.UpdatedAt,
		&completedAt, &dueAt,
	)
	if err != nil {
		return nil, classifyErr(err, "get task")
	}
	applyTaskNulls(&t, parentTaskID, timeoutMinutes, result, assignedAt, startedAt, completedAt, dueAt, tagsJSON)
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*tasks.Task, error) {
	var t tasks.Task
	var tagsJSON string
	var parentTaskID sql.NullInt64
	var timeoutMinutes sql.NullInt64
	var result sql.NullString
	var assignedAt, startedAt, completedAt, dueAt sql.NullTime

	err := rows.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.TaskType, &t.Status, &t.Priority,
		&t.Assignee, &t.Reviewer, &t.AcceptanceCriteria, &parentTaskID, &tagsJSON,
		&t.EstimatedHours, &timeoutMinutes, &t.RetryCount, &t.MaxRetries, &result,
		&t.Feedback, &t.CreatedAt, &assignedAt, &startedAt, &t.UpdatedAt,
		&completedAt, &dueAt,
	)
	if err != nil {
		return nil, err
	}
	applyTaskNulls(&t, parentTaskID, timeoutMinutes, result, assignedAt, startedAt, completedAt, dueAt, tagsJSON)
	return &t, nil
}

func applyTaskNulls(t *tasks.Task, parentTaskID, timeoutMinutes sql.NullInt64, result sql.NullString,
	assignedAt, startedAt, completedAt, dueAt sql.NullTime, tagsJSON string) {
	if parentTaskID.Valid {
		v := parentTaskID.Int64
		t.ParentTaskID = &v
	}
	if timeoutMinutes.Valid {
		v := int(timeoutMinutes.Int64)
		t.TimeoutMinutes = &v
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	}
}

// ScanTaskRow and ScanTaskRows let sibling packages (dispatcher,
// lifecycle) scan rows produced by their own transaction-scoped
// queries without duplicating the column/null-handling logic.
func ScanTaskRow(row *sql.Row) (*tasks.Task, error) {
	return scanTask(row)
}

func ScanTaskRows(rows *sql.Rows) (*tasks.Task, error) {
	return scanTaskRows(rows)
}

// TaskColumns is the canonical SELECT column list for tasks, exported
// so dispatcher/lifecycle queries stay in sync with the scan helpers.
const TaskColumns = taskColumns
