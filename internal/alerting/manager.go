// Package alerting turns fleet-health conditions (an agent going
// offline, a task stuck or exhausting its retries, a growing pending
// backlog) into eventbus.Event values and fans them out to external
// webhook channels via Router, deduplicating repeats within a window.
// Generalized from internal/metrics/alerts.go's AlertChecker/
// shouldAlert pattern, dropping its desktop-only delivery channels
// (toast/terminal/banner) in favor of the webhook notifiers in
// internal/alerting/external.
package alerting

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskforge/coordinator/internal/eventbus"
)

// Thresholds controls when a fleet-health condition becomes an alert.
type Thresholds struct {
	PendingBacklogMax int // alert once a project has this many pending tasks
}

// Config configures the Manager.
type Config struct {
	Thresholds  Thresholds
	DedupWindow time.Duration // suppression window per alert key; default 5m
	Logger      *log.Logger
}

func (c Config) withDefaults() Config {
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Manager evaluates fleet-health conditions and emits deduplicated
// alert events to a Router.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	recentAlerts map[string]time.Time
	router       *Router
}

func NewManager(cfg Config, router *Router) *Manager {
	return &Manager{
		cfg:          cfg.withDefaults(),
		recentAlerts: make(map[string]time.Time),
		router:       router,
	}
}

// shouldAlert reports whether key may fire again, sweeping expired
// entries from the dedup window on every call.
func (m *Manager) shouldAlert(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, t := range m.recentAlerts {
		if now.Sub(t) > m.cfg.DedupWindow {
			delete(m.recentAlerts, k)
		}
	}

	if _, exists := m.recentAlerts[key]; exists {
		return false
	}
	m.recentAlerts[key] = now
	return true
}

func (m *Manager) emit(eventType eventbus.EventType, priority int, source, message string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["message"] = message
	event := eventbus.NewEvent(eventType, source, "all", priority, payload)
	m.cfg.Logger.Printf("[ALERT] %s: %s", eventType, message)
	m.router.RouteByPriority(*event)
}

// AgentOffline alerts that name has gone offline.
func (m *Manager) AgentOffline(name string) {
	key := fmt.Sprintf("agent_offline_%s", name)
	if !m.shouldAlert(key) {
		return
	}
	m.emit(eventbus.EventAgentOffline, eventbus.PriorityHigh, "control",
		fmt.Sprintf("agent %s has gone offline", name),
		map[string]interface{}{"agent": name})
}

// TaskFailed alerts that a task exhausted its retries.
func (m *Manager) TaskFailed(taskID int64, reason string) {
	key := fmt.Sprintf("task_failed_%d", taskID)
	if !m.shouldAlert(key) {
		return
	}
	m.emit(eventbus.EventTaskFailed, eventbus.PriorityCritical, "control",
		fmt.Sprintf("task %d failed: %s", taskID, reason),
		map[string]interface{}{"task_id": taskID})
}

// TaskStuck alerts that a running task exceeded its effective timeout
// and was reclaimed by the control loop.
func (m *Manager) TaskStuck(taskID int64, runningFor time.Duration) {
	key := fmt.Sprintf("task_stuck_%d", taskID)
	if !m.shouldAlert(key) {
		return
	}
	m.emit(eventbus.EventAlert, eventbus.PriorityHigh, "control",
		fmt.Sprintf("task %d ran for %s and was reclaimed", taskID, runningFor),
		map[string]interface{}{"task_id": taskID, "running_for_seconds": runningFor.Seconds()})
}

// PendingBacklog alerts when a project's pending-task count crosses
// Thresholds.PendingBacklogMax.
func (m *Manager) PendingBacklog(projectID int64, pendingCount int) {
	if m.cfg.Thresholds.PendingBacklogMax <= 0 || pendingCount < m.cfg.Thresholds.PendingBacklogMax {
		return
	}
	key := fmt.Sprintf("backlog_%d", projectID)
	if !m.shouldAlert(key) {
		return
	}
	m.emit(eventbus.EventAlert, eventbus.PriorityCritical, "control",
		fmt.Sprintf("project %d has %d pending tasks (threshold %d)", projectID, pendingCount, m.cfg.Thresholds.PendingBacklogMax),
		map[string]interface{}{"project_id": projectID, "pending": pendingCount})
}
