package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event carried by an
// Event.
type EventType string

const (
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskStarted   EventType = "task_started"
	EventTaskSubmitted EventType = "task_submitted"
	EventTaskReviewed  EventType = "task_reviewed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventAgentOnline   EventType = "agent_online"
	EventAgentOffline  EventType = "agent_offline"
	EventAlert         EventType = "alert"
)

// Priority constants mirror spec.md §3's task priority band, clamped
// to a coarse four-level scale for event delivery ordering.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event is a published lifecycle notification. Target is an agent
// name, a project-scoped channel, or "all" for broadcast.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns every defined event type.
func AllEventTypes() []EventType {
	return []EventType{
		EventTaskClaimed,
		EventTaskStarted,
		EventTaskSubmitted,
		EventTaskReviewed,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskCancelled,
		EventAgentOnline,
		EventAgentOffline,
		EventAlert,
	}
}
