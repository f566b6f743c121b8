package nats

import (
	"fmt"
	"log"
	"time"

	"github.com/taskforge/coordinator/internal/eventbus"
)

// Bridge mirrors eventbus events onto NATS subjects for external
// subscribers. It never reads NATS back as a source of truth; the
// Store and in-process Bus remain authoritative.
type Bridge struct {
	client *Client
}

// NewBridge creates a Bridge over an already-connected Client.
func NewBridge(client *Client) *Bridge {
	return &Bridge{client: client}
}

// MirrorEvent publishes an eventbus event to its task or fleet-alert
// subject, extracting task_id from the payload when present.
func (b *Bridge) MirrorEvent(event eventbus.Event) {
	msg := TaskEventMessage{
		ID:        event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		Target:    event.Target,
		Priority:  event.Priority,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}

	subject := SubjectFleetAlert
	if taskID, ok := event.Payload["task_id"]; ok {
		subject = fmt.Sprintf(SubjectTaskEvent, taskID)
	}

	if err := b.client.PublishJSON(subject, msg); err != nil {
		log.Printf("[NATS-BRIDGE] failed to mirror event %s to %s: %v", event.ID, subject, err)
	}
}

// MirrorHeartbeat publishes an agent heartbeat to its per-agent subject.
func (b *Bridge) MirrorHeartbeat(agentName, status string, currentTask int64) {
	subject := fmt.Sprintf(SubjectAgentHeartbeat, agentName)
	msg := HeartbeatMessage{
		AgentName:   agentName,
		Status:      status,
		CurrentTask: currentTask,
		Timestamp:   time.Now(),
	}
	if err := b.client.PublishJSON(subject, msg); err != nil {
		log.Printf("[NATS-BRIDGE] failed to mirror heartbeat for %s: %v", agentName, err)
	}
}
