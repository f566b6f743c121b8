package control

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/taskforge/coordinator/internal/dispatcher"
	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

func setupTestDB(t *testing.T) (*store.Store, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "control-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	s, err := store.Open(f.Name(), store.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		s.Close()
		os.Remove(f.Name())
	}
}

func TestSweepStuckTasksReclaimsTimedOutTask(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, &tasks.Project{Name: "p"})
	task, _ := s.CreateTask(ctx, &tasks.Task{ProjectID: p.ID, Title: "t", TaskType: tasks.TypeDevelopment, Priority: 5, MaxRetries: 3})
	s.RegisterAgent(ctx, &tasks.Agent{Name: "r1"})

	d := dispatcher.New(s, 3)
	d.Claim(ctx, task.ID, "r1", "")
	d.Start(ctx, task.ID, "r1")

	if err := s.SetTypeDefaults(ctx, &tasks.TypeDefaults{TaskType: tasks.TypeDevelopment, TimeoutMinutes: 1, MaxRetries: 3, Priority: 5}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?`, time.Now().UTC().Add(-10*time.Minute), task.ID); err != nil {
		t.Fatal(err)
	}

	l := New(s, d, Config{}, nil, nil, nil)
	if err := l.sweepStuckTasks(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != tasks.StatusPending && reloaded.Status != tasks.StatusFailed {
		t.Fatalf("Status = %q, want pending or failed after stuck-task reclaim", reloaded.Status)
	}
	if reloaded.Assignee != "" {
		t.Fatalf("Assignee = %q, want cleared after reclaim", reloaded.Assignee)
	}
}

func TestSweepStuckTasksHonorsPerTaskTimeoutOverride(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, &tasks.Project{Name: "p"})
	timeout := 1
	task, _ := s.CreateTask(ctx, &tasks.Task{
		ProjectID: p.ID, Title: "t", TaskType: tasks.TypeDevelopment,
		Priority: 5, MaxRetries: 3, TimeoutMinutes: &timeout,
	})
	s.RegisterAgent(ctx, &tasks.Agent{Name: "r1"})

	d := dispatcher.New(s, 3)
	d.Claim(ctx, task.ID, "r1", "")
	d.Start(ctx, task.ID, "r1")

	// A much longer type default must not override the task's own
	// 1-minute timeout (spec.md §4.6 precedence).
	if err := s.SetTypeDefaults(ctx, &tasks.TypeDefaults{TaskType: tasks.TypeDevelopment, TimeoutMinutes: 120, MaxRetries: 3, Priority: 5}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?`, time.Now().UTC().Add(-10*time.Minute), task.ID); err != nil {
		t.Fatal(err)
	}

	l := New(s, d, Config{DefaultTimeout: time.Hour}, nil, nil, nil)
	if err := l.sweepStuckTasks(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != tasks.StatusPending && reloaded.Status != tasks.StatusFailed {
		t.Fatalf("Status = %q, want pending or failed after stuck-task reclaim via task-level override", reloaded.Status)
	}
}

func TestSweepStuckTasksLeavesFreshTaskAlone(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := s.CreateProject(ctx, &tasks.Project{Name: "p"})
	task, _ := s.CreateTask(ctx, &tasks.Task{ProjectID: p.ID, Title: "t", TaskType: tasks.TypeDevelopment, Priority: 5, MaxRetries: 3})
	s.RegisterAgent(ctx, &tasks.Agent{Name: "r1"})

	d := dispatcher.New(s, 3)
	d.Claim(ctx, task.ID, "r1", "")
	d.Start(ctx, task.ID, "r1")

	l := New(s, d, Config{DefaultTimeout: time.Hour}, nil, nil, nil)
	if err := l.sweepStuckTasks(ctx); err != nil {
		t.Fatal(err)
	}

	reloaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != tasks.StatusRunning {
		t.Fatalf("Status = %q, want still running", reloaded.Status)
	}
}

func TestHeartbeatSweepMarksStaleAgentOffline(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	s.RegisterAgent(ctx, &tasks.Agent{Name: "r1"})
	s.Heartbeat(ctx, "r1", nil)
	if _, err := s.DB().ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE name = 'r1'`, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	d := dispatcher.New(s, 3)
	l := New(s, d, Config{HeartbeatCutoff: time.Minute}, nil, nil, nil)

	names, err := s.MarkOffline(ctx, time.Now().UTC().Add(-l.cfg.HeartbeatCutoff))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "r1" {
		t.Fatalf("MarkOffline = %v, want [r1]", names)
	}

	a, err := s.GetAgent(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != tasks.AgentOffline {
		t.Fatalf("Status = %q, want offline", a.Status)
	}
}
