package coordinator

import (
	"context"
	"os"
	"testing"

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

func setupTestService(t *testing.T) (*Service, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := store.Open(f.Name(), store.Config{})
	if err != nil {
		t.Fatal(err)
	}

	svc := New(
		s,
		dispatcher.New(s, 3),
		lifecycle.New(s),
		dependency.New(s),
		agentry.New(s, nil),
		ratelimit.New(ratelimit.Config{}),
		eventbus.NewBus(nil),
		nil,
	)
	return svc, func() {
		s.Close()
		os.Remove(f.Name())
	}
}

func TestCreateProjectDuplicateNameConflicts(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := svc.CreateProject(ctx, CreateProjectInput{Name: "dup"}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CreateProject(ctx, CreateProjectInput{Name: "dup"})
	if err == nil {
		t.Fatal("expected error creating duplicate project name")
	}
}

func TestCreateTaskValidatesAndInserts(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, CreateProjectInput{Name: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	task, err := svc.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		Title:     "do the thing",
		TaskType:  tasks.TypeDevelopment,
		Priority:  5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != tasks.StatusPending {
		t.Fatalf("Status = %q, want pending", task.Status)
	}
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, CreateProjectInput{Name: "p2"})
	_, err := svc.CreateTask(ctx, CreateTaskInput{
		ProjectID: p.ID,
		Title:     "bad type",
		TaskType:  "not-a-type",
	})
	if coordfault.CodeOf(err) != coordfault.Validation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCreateTaskRejectsDuplicateDependency(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, CreateProjectInput{Name: "p3"})
	first, err := svc.CreateTask(ctx, CreateTaskInput{ProjectID: p.ID, Title: "a", TaskType: tasks.TypeResearch})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.CreateTask(ctx, CreateTaskInput{
		ProjectID:    p.ID,
		Title:        "b",
		TaskType:     tasks.TypeResearch,
		Dependencies: []int64{first.ID, first.ID},
	})
	if err == nil {
		t.Fatal("expected duplicate-dependency error")
	}
}

func TestClaimStartSubmitReviewFlow(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, CreateProjectInput{Name: "flow"})
	task, err := svc.CreateTask(ctx, CreateTaskInput{ProjectID: p.ID, Title: "t1", TaskType: tasks.TypeResearch})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RegisterAgent(ctx, "agent-1"); err != nil {
		t.Fatal(err)
	}

	claimed, err := svc.ClaimTask(ctx, task.ID, "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != tasks.StatusAssigned {
		t.Fatalf("Status = %q, want assigned", claimed.Status)
	}

	started, err := svc.StartTask(ctx, task.ID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != tasks.StatusRunning {
		t.Fatalf("Status = %q, want running", started.Status)
	}

	submitted, err := svc.SubmitTask(ctx, task.ID, "agent-1", []byte(`{"ok":true}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Status != tasks.StatusReviewing {
		t.Fatalf("Status = %q, want reviewing", submitted.Status)
	}

	reviewed, err := svc.ReviewTask(ctx, task.ID, "reviewer-1", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.Status != tasks.StatusCompleted {
		t.Fatalf("Status = %q, want completed", reviewed.Status)
	}

	progress, err := svc.ProjectProgress(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.ByStatus[tasks.StatusCompleted] != 1 {
		t.Fatalf("ByStatus[completed] = %d, want 1", progress.ByStatus[tasks.StatusCompleted])
	}
}

func TestClaimTaskRateLimited(t *testing.T) {
	svc, cleanup := setupTestService(t)
	defer cleanup()
	svc.limiter = ratelimit.New(ratelimit.Config{Max: 1})
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, CreateProjectInput{Name: "rl"})
	t1, _ := svc.CreateTask(ctx, CreateTaskInput{ProjectID: p.ID, Title: "t1", TaskType: tasks.TypeResearch})
	t2, _ := svc.CreateTask(ctx, CreateTaskInput{ProjectID: p.ID, Title: "t2", TaskType: tasks.TypeResearch})
	svc.RegisterAgent(ctx, "agent-rl")

	if _, err := svc.ClaimTask(ctx, t1.ID, "agent-rl", ""); err != nil {
		t.Fatal(err)
	}
	_, err := svc.ClaimTask(ctx, t2.ID, "agent-rl", "")
	if coordfault.CodeOf(err) != coordfault.RateLimited {
		t.Fatalf("err = %v, want rate-limited", err)
	}
}
