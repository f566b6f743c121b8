// Package lifecycle implements the Lifecycle Engine: the remaining
// transitions of spec.md §4.1 not owned by the Dispatcher (claim,
// start, release) — submit, review, retry, and cancel — generalizing
// internal/tasks.Task's old validTransitions/TransitionTo shape from
// an in-memory mutation into a Store-transactional operation that also
// appends a Task Log entry and folds terminal transitions into Agent
// Statistics (spec.md §4.3) in the same commit.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/idempotency"
	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

// Engine applies validated transitions against the Store.
type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Submit records an agent's result for a task it holds in running,
// moving it to reviewing (spec.md §4.1 "running -> reviewing").
// idempotencyKey makes a retried submit with the same key return the
// originally recorded response without re-executing (spec.md §8
// scenario 4).
func (e *Engine) Submit(ctx context.Context, taskID int64, agentName string, result []byte, idempotencyKey string) (*tasks.Task, error) {
	var submitted *tasks.Task

	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		response, _, err := idempotency.WithKey(tx, idempotencyKey, idempotency.DefaultTTL, func() ([]byte, error) {
			row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
			t, err := store.ScanTaskRow(row)
			if err != nil {
				return nil, coordfault.Wrap(coordfault.NotFound, err, "submit: load task %d", taskID)
			}
			if t.Assignee != agentName {
				return nil, coordfault.New(coordfault.Forbidden, "task %d is not held by %q", taskID, agentName)
			}
			if t.Status != tasks.StatusRunning {
				return nil, coordfault.New(coordfault.StateConflict, "task %d not submittable from status %q", taskID, t.Status)
			}

			now := time.Now().UTC()
			if _, err := tx.Exec(`
				UPDATE tasks SET status = 'reviewing', result = ?, updated_at = ? WHERE id = ?
			`, string(result), now, taskID); err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "submit task")
			}
			if _, err := tx.Exec(`
				INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
				VALUES (?, 'submit', 'running', 'reviewing', ?, '', ?)
			`, taskID, agentName, now); err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "log submit")
			}

			row = tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
			updated, err := store.ScanTaskRow(row)
			if err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "reload submitted task")
			}
			return json.Marshal(updated)
		})
		if err != nil {
			return err
		}
		return json.Unmarshal(response, &submitted)
	})
	if err != nil {
		return nil, err
	}
	return submitted, nil
}

// Review applies a reviewer's verdict: reviewing -> completed on
// approval, writing feedback and reviewing -> rejected on rejection
// (spec.md §4.1). Completed is terminal and folds into Agent
// Statistics in the same transaction.
func (e *Engine) Review(ctx context.Context, taskID int64, reviewer string, approved bool, feedback string) (*tasks.Task, error) {
	var reviewed *tasks.Task

	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return coordfault.Wrap(coordfault.NotFound, err, "review: load task %d", taskID)
		}
		if t.Status != tasks.StatusReviewing {
			return coordfault.New(coordfault.StateConflict, "task %d not reviewable from status %q", taskID, t.Status)
		}

		now := time.Now().UTC()
		if approved {
			if _, err := tx.Exec(`
				UPDATE tasks SET status = 'completed', reviewer = ?, updated_at = ?, completed_at = ? WHERE id = ?
			`, reviewer, now, now, taskID); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "approve task")
			}
			if _, err := tx.Exec(`
				INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
				VALUES (?, 'review', 'reviewing', 'completed', ?, '', ?)
			`, taskID, reviewer, now); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "log approval")
			}
			if t.Assignee != "" {
				if err := store.UpdateAgentRollupTx(tx, t.Assignee, tasks.StatusCompleted); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.Exec(`
				UPDATE tasks SET status = 'rejected', reviewer = ?, feedback = ?, updated_at = ? WHERE id = ?
			`, reviewer, feedback, now, taskID); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "reject task")
			}
			if _, err := tx.Exec(`
				INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
				VALUES (?, 'review', 'reviewing', 'rejected', ?, ?, ?)
			`, taskID, reviewer, feedback, now); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "log rejection")
			}
		}

		row = tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		reviewed, err = store.ScanTaskRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reviewed, nil
}

// Retry returns a terminal-recoverable task (rejected or failed) to
// pending, bounded by max_retries (spec.md §4.1, §6 retry-task).
func (e *Engine) Retry(ctx context.Context, taskID int64) (*tasks.Task, error) {
	var retried *tasks.Task

	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return coordfault.Wrap(coordfault.NotFound, err, "retry: load task %d", taskID)
		}
		if t.Status != tasks.StatusRejected && t.Status != tasks.StatusFailed {
			return coordfault.New(coordfault.StateConflict, "task %d not retryable from status %q", taskID, t.Status)
		}
		if t.RetryCount >= t.MaxRetries {
			return coordfault.New(coordfault.StateConflict, "task %d has exhausted its %d retries", taskID, t.MaxRetries)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'pending', assignee = '', assigned_at = NULL,
				started_at = NULL, retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?
		`, now, taskID); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "retry task")
		}
		if _, err := tx.Exec(`
			INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
			VALUES (?, 'retry', ?, 'pending', '', '', ?)
		`, taskID, t.Status, now); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "log retry")
		}

		row = tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		retried, err = store.ScanTaskRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// Cancel moves any non-terminal task to cancelled, an administrative
// terminal state (spec.md §4.1 "* -> cancelled").
func (e *Engine) Cancel(ctx context.Context, taskID int64) (*tasks.Task, error) {
	var cancelled *tasks.Task

	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return coordfault.Wrap(coordfault.NotFound, err, "cancel: load task %d", taskID)
		}
		if t.Status.Terminal() {
			return coordfault.New(coordfault.StateConflict, "task %d already terminal (%q)", taskID, t.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'cancelled', updated_at = ?, completed_at = ? WHERE id = ?
		`, now, now, taskID); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "cancel task")
		}
		if _, err := tx.Exec(`
			INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
			VALUES (?, 'cancel', ?, 'cancelled', '', '', ?)
		`, taskID, t.Status, now); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "log cancel")
		}
		if t.Assignee != "" {
			if err := store.UpdateAgentRollupTx(tx, t.Assignee, tasks.StatusCancelled); err != nil {
				return err
			}
		}

		row = tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		cancelled, err = store.ScanTaskRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}
