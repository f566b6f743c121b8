package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/tasks"
)

const agentColumns = `
	name, role, status, capabilities, skills, total_tasks,
	completed_tasks, failed_tasks, current_task_id, last_heartbeat,
	created_at, updated_at`

// RegisterAgent upserts an agent by name (spec.md §6 register-agent).
func (s *Store) RegisterAgent(ctx context.Context, a *tasks.Agent) (*tasks.Agent, error) {
	now := time.Now().UTC()
	skillsJSON, err := json.Marshal(a.Skills)
	if err != nil {
		return nil, coordfault.Wrap(coordfault.Validation, err, "encode skills")
	}
	if a.Status == "" {
		a.Status = tasks.AgentOffline
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (name, role, status, capabilities, skills, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				role=excluded.role,
				capabilities=excluded.capabilities,
				skills=excluded.skills,
				updated_at=excluded.updated_at
		`, a.Name, a.Role, a.Status, string(a.Capabilities), string(skillsJSON), now, now)
		return classifyErr(err, "register agent")
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, a.Name)
}

// Heartbeat updates last_heartbeat and, if the agent was offline,
// brings it back online; optionally records the current task id
// (spec.md §6 heartbeat).
func (s *Store) Heartbeat(ctx context.Context, name string, currentTaskID *int64) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE agents SET last_heartbeat = ?, status = CASE WHEN status = 'offline' THEN 'online' ELSE status END,
				current_task_id = COALESCE(?, current_task_id), updated_at = ?
			WHERE name = ?
		`, now, currentTaskID, now, name)
		if err != nil {
			return classifyErr(err, "heartbeat")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return coordfault.New(coordfault.NotFound, "agent %q not registered", name)
		}
		return nil
	})
}

// GetAgent fetches an agent by name.
func (s *Store) GetAgent(ctx context.Context, name string) (*tasks.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents(ctx context.Context) ([]*tasks.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, classifyErr(err, "list agents")
	}
	defer rows.Close()

	var out []*tasks.Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, classifyErr(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkOffline transitions agents whose last_heartbeat is older than
// cutoff to offline (spec.md §4.6 heartbeat sweep). Returns the names
// transitioned.
func (s *Store) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var names []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT name FROM agents WHERE status != 'offline' AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		`, cutoff)
		if err != nil {
			return classifyErr(err, "mark offline: select")
		}
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return classifyErr(err, "mark offline: scan")
			}
			names = append(names, n)
		}
		rows.Close()

		if len(names) == 0 {
			return nil
		}
		_, err = tx.Exec(`
			UPDATE agents SET status = 'offline', updated_at = ?
			WHERE status != 'offline' AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		`, time.Now().UTC(), cutoff)
		return classifyErr(err, "mark offline: update")
	})
	return names, err
}

// BindAgentChannel upserts the agent-channel binding's last_seen
// timestamp.
func (s *Store) BindAgentChannel(ctx context.Context, agentName, channel string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agent_channels (agent_name, channel, last_seen) VALUES (?, ?, ?)
			ON CONFLICT(agent_name, channel) DO UPDATE SET last_seen=excluded.last_seen
		`, agentName, channel, now)
		return classifyErr(err, "bind agent channel")
	})
}

func scanAgent(row *sql.Row) (*tasks.Agent, error) {
	var a tasks.Agent
	var capabilities, skillsJSON string
	var currentTaskID sql.NullInt64
	var lastHeartbeat sql.NullTime

	err := row.Scan(&a.Name, &a.Role, &a.Status, &capabilities, &skillsJSON, &a.TotalTasks,
		&a.CompletedTasks, &a.FailedTasks, &currentTaskID, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classifyErr(err, "get agent")
	}
	applyAgentNulls(&a, capabilities, skillsJSON, currentTaskID, lastHeartbeat)
	return &a, nil
}

func scanAgentRows(rows *sql.Rows) (*tasks.Agent, error) {
	var a tasks.Agent
	var capabilities, skillsJSON string
	var currentTaskID sql.NullInt64
	var lastHeartbeat sql.NullTime

	err := rows.Scan(&a.Name, &a.Role, &a.Status, &capabilities, &skillsJSON, &a.TotalTasks,
		&a.CompletedTasks, &a.FailedTasks, &currentTaskID, &lastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	applyAgentNulls(&a, capabilities, skillsJSON, currentTaskID, lastHeartbeat)
	return &a, nil
}

func applyAgentNulls(a *tasks.Agent, capabilities, skillsJSON string, currentTaskID sql.NullInt64, lastHeartbeat sql.NullTime) {
	a.Capabilities = []byte(capabilities)
	if skillsJSON != "" {
		_ = json.Unmarshal([]byte(skillsJSON), &a.Skills)
	}
	if currentTaskID.Valid {
		v := currentTaskID.Int64
		a.CurrentTaskID = &v
	}
	if lastHeartbeat.Valid {
		a.LastHeartbeat = lastHeartbeat.Time
	}
}

// UpdateAgentRollupTx folds a terminal transition into the agent's
// rollup counters in the same transaction as the status change
// (spec.md §4.3). Every call adds one to total_tasks; completed and
// failed also bump their own counter, while any other terminal status
// (cancelled, from lifecycle.Cancel) counts toward the total only; success_rate
// is Laplace-smoothed as tasks.Agent.SuccessRate documents.
func UpdateAgentRollupTx(tx *sql.Tx, agentName string, terminal tasks.Status) error {
	var completedDelta, failedDelta int
	switch terminal {
	case tasks.StatusCompleted:
		completedDelta = 1
	case tasks.StatusFailed:
		failedDelta = 1
	}
	_, err := tx.Exec(`
		UPDATE agents SET
			total_tasks = total_tasks + 1,
			completed_tasks = completed_tasks + ?,
			failed_tasks = failed_tasks + ?,
			current_task_id = NULL,
			updated_at = ?
		WHERE name = ?
	`, completedDelta, failedDelta, time.Now().UTC(), agentName)
	return classifyErr(err, "update agent rollup")
}

// SetCurrentTaskTx sets the agent's current_task_id, e.g. on entry to
// running (spec.md §4.3).
func SetCurrentTaskTx(tx *sql.Tx, agentName string, taskID int64) error {
	_, err := tx.Exec(`
		UPDATE agents SET current_task_id = ?, updated_at = ? WHERE name = ?
	`, taskID, time.Now().UTC(), agentName)
	return classifyErr(err, "set current task")
}
