package nats

import "time"

// Subject pattern constants for NATS messaging. The coordination
// service runs entirely on the Store and in-process eventbus; these
// subjects are a volatile mirror for external subscribers (dashboards,
// other services) and are never read back as a source of truth.
const (
	// SubjectAgentHeartbeat is the pattern for agent heartbeat messages.
	// Use fmt.Sprintf(SubjectAgentHeartbeat, agentName) for a specific subject.
	SubjectAgentHeartbeat = "agent.%s.heartbeat"

	// SubjectAllHeartbeats subscribes to all agent heartbeats.
	SubjectAllHeartbeats = "agent.*.heartbeat"

	// SubjectTaskEvent is the pattern for a lifecycle event mirrored for
	// a specific task. Use fmt.Sprintf(SubjectTaskEvent, taskID).
	SubjectTaskEvent = "task.%d.event"

	// SubjectAllTaskEvents subscribes to every mirrored lifecycle event.
	SubjectAllTaskEvents = "task.*.event"

	// SubjectFleetAlert is used for mirrored fleet-health alerts
	// (offline agent, stuck/failed task, pending backlog).
	SubjectFleetAlert = "fleet.alert"
)

// HeartbeatMessage mirrors an agent heartbeat.
type HeartbeatMessage struct {
	AgentName   string    `json:"agent_name"`
	Status      string    `json:"status"`
	CurrentTask int64     `json:"current_task,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskEventMessage mirrors an eventbus.Event onto NATS for a task
// lifecycle subject.
type TaskEventMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target,omitempty"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ClientInfo represents a connected NATS client.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}
