// Package tasks holds the domain types shared by every core subsystem:
// Project, Task, Agent, and the closed sets (status, task type) that
// the Lifecycle Engine and Dispatcher operate on. It generalizes the
// teacher's single desktop-coding-agent Task into the spec's richer,
// dependency-and-cap-aware Task.
package tasks

import (
	"fmt"
	"time"
)

// Status is the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether status is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// HoldCountable reports whether this status counts against an agent's
// concurrency cap (spec.md §3: assigned, running, reviewing).
func (s Status) HoldCountable() bool {
	switch s {
	case StatusAssigned, StatusRunning, StatusReviewing:
		return true
	default:
		return false
	}
}

// Type is the closed set of task categories; each has a configurable
// default timeout, retry budget, and priority in task_type_defaults.
type Type string

const (
	TypeResearch     Type = "research"
	TypeCopywrite    Type = "copywrite"
	TypeVideo        Type = "video"
	TypeReview       Type = "review"
	TypePublish      Type = "publish"
	TypeAnalysis     Type = "analysis"
	TypeDesign       Type = "design"
	TypeDevelopment  Type = "development"
	TypeTesting      Type = "testing"
	TypeDeployment   Type = "deployment"
	TypeCoordination Type = "coordination"
)

// ValidTypes lists the closed set of task types.
var ValidTypes = []Type{
	TypeResearch, TypeCopywrite, TypeVideo, TypeReview, TypePublish,
	TypeAnalysis, TypeDesign, TypeDevelopment, TypeTesting,
	TypeDeployment, TypeCoordination,
}

// ValidType reports whether t is a member of the closed task-type set.
func ValidType(t Type) bool {
	for _, v := range ValidTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// AgentStatus is the current status of a worker agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// Project is a named container of tasks.
type Project struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	ExternalChannel string        `json:"external_channel,omitempty"`
	Status          ProjectStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
}

// Task is a unit of work owned by at most one agent at a time.
type Task struct {
	ID                 int64      `json:"id"`
	ProjectID          int64      `json:"project_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	TaskType           Type       `json:"task_type"`
	Status             Status     `json:"status"`
	Priority           int        `json:"priority"` // 1-10, higher = earlier
	Assignee           string     `json:"assignee,omitempty"`
	Reviewer           string     `json:"reviewer,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	ParentTaskID       *int64     `json:"parent_task_id,omitempty"`
	Dependencies       []int64    `json:"dependencies,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	EstimatedHours     float64    `json:"estimated_hours,omitempty"`
	TimeoutMinutes     *int       `json:"timeout_minutes,omitempty"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	Result             []byte     `json:"result,omitempty"` // opaque JSON
	Feedback           string     `json:"feedback,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	AssignedAt         *time.Time `json:"assigned_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DueAt              *time.Time `json:"due_at,omitempty"`
}

// HasAssignee reports whether the task currently has a holder.
func (t *Task) HasAssignee() bool {
	return t.Assignee != ""
}

// Agent is a worker identified by a unique name.
type Agent struct {
	Name           string      `json:"name"`
	Role           string      `json:"role,omitempty"`
	Status         AgentStatus `json:"status"`
	Capabilities   []byte      `json:"capabilities,omitempty"` // opaque JSON
	Skills         []string    `json:"skills,omitempty"`
	TotalTasks     int64       `json:"total_tasks"`
	CompletedTasks int64       `json:"completed_tasks"`
	FailedTasks    int64       `json:"failed_tasks"`
	CurrentTaskID  *int64      `json:"current_task_id,omitempty"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SuccessRate is Laplace-smoothed, (completed+1)/(total+1), so a
// brand-new agent (0/0) reads as 1.0 rather than NaN; the smoothed
// value is never below the raw completed/total ratio (spec.md §4.3). Not authoritative for
// ordering — callers must not sort the dispatcher's candidate list by
// it.
func (a *Agent) SuccessRate() float64 {
	return float64(a.CompletedTasks+1) / float64(a.TotalTasks+1)
}

// TaskLog is an append-only audit entry for a single status change.
type TaskLog struct {
	ID        int64
	TaskID    int64
	Action    string
	OldStatus Status
	NewStatus Status
	Actor     string
	Message   string
	CreatedAt time.Time
}

// TypeDefaults are the per-task-type fallbacks applied when a task
// itself does not override them (spec.md §3, §4.6 "effective timeout").
type TypeDefaults struct {
	TaskType       Type
	TimeoutMinutes int
	MaxRetries     int
	Priority       int
}

// AgentChannel binds an agent to an external channel (e.g. a chat
// workspace), tracking when it was last seen there.
type AgentChannel struct {
	AgentName string
	Channel   string
	LastSeen  time.Time
}

// Validate checks the static constraints spec.md §7 calls "validation"
// failures: unknown task_type, priority out of range, negative retry
// budget.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !ValidType(t.TaskType) {
		return fmt.Errorf("unknown task_type %q", t.TaskType)
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("priority must be between 1 and 10")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}
