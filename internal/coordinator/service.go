// Package coordinator is the core of the task coordination service:
// the single place that composes the Lifecycle Engine, Dispatcher,
// Dependency Validator, Agent Registry, rate guard, and event bus into
// the exact operation table spec.md §6 describes. internal/api adapts
// each method here almost verbatim into an HTTP handler — decode
// request, call the method, encode response or typed error — so every
// decision about validation, ordering, and atomicity lives here rather
// than in the transport layer, following the teacher's own separation
// between internal/server's thin handlers and internal/memory's/
// internal/tasks's actual mutation logic.
package coordinator

import (
	"context"
	"log"

	"github.com/taskforge/coordinator/internal/agentry"
	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/dependency"
	"github.com/taskforge/coordinator/internal/dispatcher"
	"github.com/taskforge/coordinator/internal/eventbus"
	"github.com/taskforge/coordinator/internal/lifecycle"
	"github.com/taskforge/coordinator/internal/ratelimit"
	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

// Service wires every core subsystem behind the §6 operation table.
type Service struct {
	store   *store.Store
	disp    *dispatcher.Dispatcher
	life    *lifecycle.Engine
	deps    *dependency.Validator
	agents  *agentry.Registry
	limiter *ratelimit.Limiter
	bus     *eventbus.Bus
	logger  *log.Logger
}

// New builds a Service over already-constructed subsystems. cmd/taskcoordd
// owns their lifetimes; Service only calls them.
func New(s *store.Store, disp *dispatcher.Dispatcher, life *lifecycle.Engine, deps *dependency.Validator, agents *agentry.Registry, limiter *ratelimit.Limiter, bus *eventbus.Bus, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, disp: disp, life: life, deps: deps, agents: agents, limiter: limiter, bus: bus, logger: logger}
}

// publish fans a lifecycle event out to the in-process bus, never
// blocking the caller's transaction on subscriber delivery.
func (s *Service) publish(eventType eventbus.EventType, source, target string, priority int, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.NewEvent(eventType, source, target, priority, payload))
}

// checkRate applies the process-local rate guard (spec.md §4.5) ahead
// of a mutating operation, keyed by caller identity.
func (s *Service) checkRate(callerKey string) error {
	if s.limiter == nil {
		return nil
	}
	if !s.limiter.Allow(callerKey) {
		return coordfault.New(coordfault.RateLimited, "rate limit exceeded for %q", callerKey)
	}
	return nil
}

// CreateProjectInput is the create-project request shape (spec.md §6).
type CreateProjectInput struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExternalChannel string `json:"external_channel"`
}

// CreateProject creates a Project atomically; a duplicate name
// surfaces as coordfault.Validation per the Store's unique-constraint
// classification.
func (s *Service) CreateProject(ctx context.Context, in CreateProjectInput) (*tasks.Project, error) {
	if in.Name == "" {
		return nil, coordfault.New(coordfault.Validation, "project name is required")
	}
	p := &tasks.Project{
		Name:            in.Name,
		Description:     in.Description,
		ExternalChannel: in.ExternalChannel,
	}
	return s.store.CreateProject(ctx, p)
}

// ListProjects returns every non-deleted project.
func (s *Service) ListProjects(ctx context.Context) ([]*tasks.Project, error) {
	return s.store.ListProjects(ctx)
}

// ProjectProgress summarizes a project's tasks by status (spec.md §6
// "project-progress").
type ProjectProgress struct {
	ProjectID int64                 `json:"project_id"`
	Total     int                   `json:"total"`
	ByStatus  map[tasks.Status]int `json:"by_status"`
}

// ProjectProgress counts a project's tasks by status.
func (s *Service) ProjectProgress(ctx context.Context, projectID int64) (*ProjectProgress, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	ts, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	progress := &ProjectProgress{ProjectID: projectID, ByStatus: make(map[tasks.Status]int)}
	for _, t := range ts {
		progress.ByStatus[t.Status]++
		progress.Total++
	}
	return progress, nil
}

// CreateTaskInput is the create-task request shape (spec.md §6):
// project id, title, type, priority, deps, tags, timeout.
type CreateTaskInput struct {
	ProjectID          int64      `json:"project_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	TaskType           tasks.Type `json:"task_type"`
	Priority           int        `json:"priority"`
	Dependencies       []int64    `json:"dependencies"`
	Tags               []string   `json:"tags"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	EstimatedHours     float64    `json:"estimated_hours"`
	TimeoutMinutes     *int       `json:"timeout_minutes"`
	MaxRetries         int        `json:"max_retries"`
}

// CreateTask validates the task statically, runs the Dependency
// Validator against the proposed dependency list (spec.md §4.4), and
// inserts it pending.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*tasks.Task, error) {
	t := &tasks.Task{
		ProjectID:          in.ProjectID,
		Title:              in.Title,
		Description:        in.Description,
		TaskType:           in.TaskType,
		Priority:           in.Priority,
		Dependencies:       in.Dependencies,
		Tags:               in.Tags,
		AcceptanceCriteria: in.AcceptanceCriteria,
		EstimatedHours:     in.EstimatedHours,
		TimeoutMinutes:     in.TimeoutMinutes,
		MaxRetries:         in.MaxRetries,
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if err := t.Validate(); err != nil {
		return nil, coordfault.Wrap(coordfault.Validation, err, "create task")
	}
	if len(in.Dependencies) > 0 {
		if err := s.deps.Validate(ctx, in.ProjectID, 0, in.Dependencies); err != nil {
			return nil, err
		}
	}
	created, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListTasks filters tasks by project/status/assignee.
func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]*tasks.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// TasksAvailable enumerates claimable tasks, optionally filtered to
// skills (spec.md §6 "tasks-available").
func (s *Service) TasksAvailable(ctx context.Context, skills []string) ([]*tasks.Task, error) {
	return s.disp.Available(ctx, skills)
}

// TasksAvailableForAgent enumerates claimable tasks intersected with
// agentName's registered skills (spec.md §6
// "tasks-available-for-agent").
func (s *Service) TasksAvailableForAgent(ctx context.Context, agentName string) ([]*tasks.Task, error) {
	return s.disp.AvailableForAgent(ctx, agentName)
}

// ClaimTask atomically assigns a task to an agent (spec.md §6
// "claim-task"), rate-limited per agent.
func (s *Service) ClaimTask(ctx context.Context, taskID int64, agentName, idempotencyKey string) (*tasks.Task, error) {
	if err := s.checkRate("claim:" + agentName); err != nil {
		return nil, err
	}
	t, err := s.disp.Claim(ctx, taskID, agentName, idempotencyKey)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventTaskClaimed, agentName, "all", eventbus.PriorityNormal, map[string]interface{}{"task_id": t.ID, "agent": agentName})
	return t, nil
}

// StartTask transitions an agent's claimed task into running (spec.md
// §6 "start-task").
func (s *Service) StartTask(ctx context.Context, taskID int64, agentName string) (*tasks.Task, error) {
	t, err := s.disp.Start(ctx, taskID, agentName)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventTaskStarted, agentName, "all", eventbus.PriorityNormal, map[string]interface{}{"task_id": t.ID, "agent": agentName})
	return t, nil
}

// ReleaseTask reverses a claim, holder-only (spec.md §6
// "release-task").
func (s *Service) ReleaseTask(ctx context.Context, taskID int64, agentName string) (*tasks.Task, error) {
	t, err := s.disp.Release(ctx, taskID, agentName)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventTaskCancelled, agentName, "all", eventbus.PriorityLow, map[string]interface{}{"task_id": t.ID, "agent": agentName, "action": "release"})
	return t, nil
}

// SubmitTask records an agent's result and moves the task to
// reviewing (spec.md §6 "submit-task"), rate-limited per agent.
func (s *Service) SubmitTask(ctx context.Context, taskID int64, agentName string, result []byte, idempotencyKey string) (*tasks.Task, error) {
	if err := s.checkRate("submit:" + agentName); err != nil {
		return nil, err
	}
	t, err := s.life.Submit(ctx, taskID, agentName, result, idempotencyKey)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventTaskSubmitted, agentName, "all", eventbus.PriorityNormal, map[string]interface{}{"task_id": t.ID, "agent": agentName})
	return t, nil
}

// ReviewTask approves or rejects a reviewing task (spec.md §6
// "review-task").
func (s *Service) ReviewTask(ctx context.Context, taskID int64, reviewer string, approved bool, feedback string) (*tasks.Task, error) {
	t, err := s.life.Review(ctx, taskID, reviewer, approved, feedback)
	if err != nil {
		return nil, err
	}
	evt := eventbus.EventTaskReviewed
	if approved {
		evt = eventbus.EventTaskCompleted
	}
	s.publish(evt, reviewer, "all", eventbus.PriorityNormal, map[string]interface{}{"task_id": t.ID, "reviewer": reviewer, "approved": approved})
	return t, nil
}

// RetryTask moves a terminal-recoverable task back to pending (spec.md
// §6 "retry-task").
func (s *Service) RetryTask(ctx context.Context, taskID int64) (*tasks.Task, error) {
	return s.life.Retry(ctx, taskID)
}

// CancelTask transitions any non-terminal task to cancelled (spec.md
// §6 "cancel-task").
func (s *Service) CancelTask(ctx context.Context, taskID int64) (*tasks.Task, error) {
	t, err := s.life.Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventTaskCancelled, "control", "all", eventbus.PriorityLow, map[string]interface{}{"task_id": t.ID})
	return t, nil
}

// RegisterAgent upserts an agent by name, applying roster defaults if
// any (spec.md §6 "register-agent").
func (s *Service) RegisterAgent(ctx context.Context, name string) (*tasks.Agent, error) {
	a, err := s.agents.Register(ctx, name)
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.EventAgentOnline, name, "all", eventbus.PriorityLow, map[string]interface{}{"agent": name})
	return a, nil
}

// Heartbeat updates an agent's last_heartbeat and optional current
// task (spec.md §6 "heartbeat").
func (s *Service) Heartbeat(ctx context.Context, name string, currentTaskID *int64) error {
	return s.agents.Heartbeat(ctx, name, currentTaskID)
}

// GetAgent returns the current runtime state of a registered agent.
func (s *Service) GetAgent(ctx context.Context, name string) (*tasks.Agent, error) {
	return s.agents.Get(ctx, name)
}

// ListAgents returns every registered agent.
func (s *Service) ListAgents(ctx context.Context) ([]*tasks.Agent, error) {
	return s.agents.List(ctx)
}
