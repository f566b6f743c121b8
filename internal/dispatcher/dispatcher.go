// Package dispatcher implements candidate selection and the atomic
// claim, generalizing internal/tasks.Queue's in-memory priority
// ordering into a single SQL query against the Store, and the claim
// itself into a transactional UPDATE guarded by the same predicates a
// relational store's row-level locking would enforce.
package dispatcher

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

// Dispatcher selects and claims work for agents.
type Dispatcher struct {
	store                      *store.Store
	maxConcurrentTasksPerAgent int
}

func New(s *store.Store, maxConcurrentTasksPerAgent int) *Dispatcher {
	if maxConcurrentTasksPerAgent <= 0 {
		maxConcurrentTasksPerAgent = 3
	}
	return &Dispatcher{store: s, maxConcurrentTasksPerAgent: maxConcurrentTasksPerAgent}
}

const unsatisfiedDepsClause = `
	NOT EXISTS (
		SELECT 1 FROM task_dependencies td
		JOIN tasks dep ON dep.id = td.depends_on_id
		WHERE td.task_id = tasks.id AND dep.status != 'completed'
	)`

const capClause = `
	(SELECT COUNT(*) FROM tasks t2
		WHERE t2.assignee = ? AND t2.status IN ('assigned','running','reviewing')) < ?`

// Available enumerates pending, unassigned, dependency-satisfied tasks
// for any agent, ordered priority DESC then created_at ASC (spec.md
// §4.2(a)). skills, when non-empty, restricts to tasks whose tags
// intersect the given skill set.
func (d *Dispatcher) Available(ctx context.Context, skills []string) ([]*tasks.Task, error) {
	query := `SELECT ` + store.TaskColumns + ` FROM tasks
		WHERE status = 'pending' AND assignee = '' AND ` + unsatisfiedDepsClause

	rows, err := d.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, coordfault.Wrap(coordfault.Internal, err, "enumerate available tasks")
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := store.ScanTaskRows(rows)
		if err != nil {
			return nil, coordfault.Wrap(coordfault.Internal, err, "scan available task")
		}
		out = append(out, t)
	}
	if len(skills) == 0 {
		return sortByDispatchOrder(out), nil
	}
	return sortByDispatchOrder(filterByTags(out, skills)), nil
}

// AvailableForAgent is Available filtered to tasks whose tags
// intersect agent's registered skills.
func (d *Dispatcher) AvailableForAgent(ctx context.Context, agentName string) ([]*tasks.Task, error) {
	agent, err := d.store.GetAgent(ctx, agentName)
	if err != nil {
		return nil, err
	}
	return d.Available(ctx, agent.Skills)
}

func filterByTags(in []*tasks.Task, skills []string) []*tasks.Task {
	skillSet := make(map[string]bool, len(skills))
	for _, s := range skills {
		skillSet[s] = true
	}
	var out []*tasks.Task
	for _, t := range in {
		if len(t.Tags) == 0 {
			continue
		}
		for _, tag := range t.Tags {
			if skillSet[tag] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func sortByDispatchOrder(in []*tasks.Task) []*tasks.Task {
	q := tasks.NewQueue()
	for _, t := range in {
		q.Add(t)
	}
	return q.All()
}

// Claim atomically assigns taskID to agentName, enforcing pending
// status, dependency completeness, and the per-agent concurrency cap
// in one transaction (spec.md §4.2(b)). An affected-row count of zero
// after the guarded UPDATE surfaces as claim-unavailable without
// distinguishing cause, exactly as spec.md §4.2 prescribes.
//
// idempotencyKey, when non-empty, makes a replayed claim within the
// idempotency TTL return the exact response recorded the first time
// without re-executing the claim (spec.md §4.5).
func (d *Dispatcher) Claim(ctx context.Context, taskID int64, agentName, idempotencyKey string) (*tasks.Task, error) {
	var claimed *tasks.Task

	err := d.store.Tx(ctx, func(tx *sql.Tx) error {
		response, replayed, err := idempotency.WithKey(tx, idempotencyKey, idempotency.DefaultTTL, func() ([]byte, error) {
			now := time.Now().UTC()
			res, err := tx.Exec(`
				UPDATE tasks
				SET assignee = ?, status = 'assigned', assigned_at = ?, updated_at = ?
				WHERE id = ? AND status = 'pending' AND assignee = ''
				  AND `+unsatisfiedDepsClause+`
				  AND `+capClause+`
			`, agentName, now, now, taskID, agentName, d.maxConcurrentTasksPerAgent)
			if err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "claim task")
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return nil, coordfault.New(coordfault.ClaimUnavailable, "task %d not eligible for claim by %q", taskID, agentName)
			}

			if _, err := tx.Exec(`
				INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
				VALUES (?, 'claim', 'pending', 'assigned', ?, '', ?)
			`, taskID, agentName, now); err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "log claim")
			}

			row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
			t, err := store.ScanTaskRow(row)
			if err != nil {
				return nil, coordfault.Wrap(coordfault.Internal, err, "reload claimed task")
			}
			return json.Marshal(t)
		})
		if err != nil {
			return err
		}
		_ = replayed
		return json.Unmarshal(response, &claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Start transitions a task the agent holds from assigned to running,
// enforcing at most one running task per agent in the same
// transaction (spec.md §4.2 "Exactly one running task per agent").
func (d *Dispatcher) Start(ctx context.Context, taskID int64, agentName string) (*tasks.Task, error) {
	var started *tasks.Task

	err := d.store.Tx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.Exec(`
			UPDATE tasks
			SET status = 'running', started_at = ?, updated_at = ?
			WHERE id = ? AND assignee = ? AND status = 'assigned'
			  AND NOT EXISTS (
				SELECT 1 FROM tasks other
				WHERE other.assignee = ? AND other.status = 'running'
			  )
		`, now, now, taskID, agentName, agentName)
		if err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "start task")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return coordfault.New(coordfault.StateConflict, "task %d not startable by %q", taskID, agentName)
		}

		if err := store.SetCurrentTaskTx(tx, agentName, taskID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
			VALUES (?, 'start', 'assigned', 'running', ?, '', ?)
		`, taskID, agentName, now); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "log start")
		}

		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "reload started task")
		}
		started = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// Release reverses a claim. Only the holder may release. Releasing an
// assigned task simply returns it to pending; releasing a running task
// follows the reclaim path (spec.md §4.2, §4.6): increment retry_count
// and return to pending, or fail terminally if retries are exhausted.
func (d *Dispatcher) Release(ctx context.Context, taskID int64, agentName string) (*tasks.Task, error) {
	var released *tasks.Task

	err := d.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return coordfault.Wrap(coordfault.NotFound, err, "release: load task %d", taskID)
		}
		if t.Assignee != agentName {
			return coordfault.New(coordfault.Forbidden, "task %d is not held by %q", taskID, agentName)
		}
		if t.Status != tasks.StatusAssigned && t.Status != tasks.StatusRunning {
			return coordfault.New(coordfault.StateConflict, "task %d not releasable from status %q", taskID, t.Status)
		}

		now := time.Now().UTC()
		if t.Status == tasks.StatusAssigned {
			if _, err := tx.Exec(`
				UPDATE tasks SET status = 'pending', assignee = '', assigned_at = NULL, updated_at = ?
				WHERE id = ?
			`, now, taskID); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "release task")
			}
			if _, err := tx.Exec(`
				INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
				VALUES (?, 'release', ?, 'pending', ?, '', ?)
			`, taskID, t.Status, agentName, now); err != nil {
				return coordfault.Wrap(coordfault.Internal, err, "log release")
			}
		} else {
			if err := reclaimRunningTx(tx, t, "release", agentName); err != nil {
				return err
			}
		}

		row = tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		released, err = store.ScanTaskRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// reclaimRunningTx implements the shared "running task leaves running
// without completing" path used by both an explicit Release and the
// stuck-task control loop: if retries remain, return to pending with
// retry_count incremented; otherwise fail terminally.
func reclaimRunningTx(tx *sql.Tx, t *tasks.Task, action, actor string) error {
	now := time.Now().UTC()

	if t.RetryCount < t.MaxRetries {
		if _, err := tx.Exec(`
			UPDATE tasks SET status = 'pending', assignee = '', assigned_at = NULL,
				started_at = NULL, retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?
		`, now, t.ID); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "reclaim task")
		}
		if _, err := tx.Exec(`
			INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
			VALUES (?, 'reclaimed', 'running', 'pending', ?, '', ?)
		`, t.ID, actor, now); err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "log reclaim")
		}
		return nil
	}

	if _, err := tx.Exec(`
		UPDATE tasks SET status = 'failed', updated_at = ?, completed_at = ? WHERE id = ?
	`, now, now, t.ID); err != nil {
		return coordfault.Wrap(coordfault.Internal, err, "fail exhausted task")
	}
	if _, err := tx.Exec(`
		INSERT INTO task_logs (task_id, action, old_status, new_status, actor, message, created_at)
		VALUES (?, ?, 'running', 'failed', ?, 'retries exhausted', ?)
	`, t.ID, action, actor, now); err != nil {
		return coordfault.Wrap(coordfault.Internal, err, "log exhausted failure")
	}
	if t.Assignee != "" {
		if err := store.UpdateAgentRollupTx(tx, t.Assignee, tasks.StatusFailed); err != nil {
			return err
		}
	}
	return nil
}

// ReclaimRunningTx is exported for internal/control's stuck-task
// sweep, which shares this exact reclaim path (spec.md §4.6).
func ReclaimRunningTx(tx *sql.Tx, t *tasks.Task, actor string) error {
	return reclaimRunningTx(tx, t, "reclaimed", actor)
}
