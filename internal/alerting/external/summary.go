package external

import (
	"fmt"

	"github.com/taskforge/coordinator/internal/eventbus"
)

// eventSummary renders a one-line, human-readable description of event
// for notification titles/subjects. It prefers the task/agent/project
// identifiers the coordinator always attaches to lifecycle payloads
// (internal/coordinator/service.go's publish helper) over the bare
// event ID, so an on-call reader sees "task 42" instead of a UUID.
func eventSummary(event eventbus.Event) string {
	switch {
	case event.Payload["task_id"] != nil:
		if agent, ok := event.Payload["agent"].(string); ok && agent != "" {
			return fmt.Sprintf("task %v (%s) - %s", event.Payload["task_id"], agent, event.Type)
		}
		return fmt.Sprintf("task %v - %s", event.Payload["task_id"], event.Type)
	case event.Payload["agent"] != nil:
		return fmt.Sprintf("agent %v - %s", event.Payload["agent"], event.Type)
	case event.Payload["project_id"] != nil:
		return fmt.Sprintf("project %v - %s", event.Payload["project_id"], event.Type)
	default:
		return fmt.Sprintf("%s event %s", event.Type, event.ID)
	}
}
