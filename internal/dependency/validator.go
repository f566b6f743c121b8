// Package dependency implements the Dependency Validator: the set of
// checks applied at task creation and dependency mutation so that a
// task's dependency list can never encode a self-reference, a
// duplicate, a reference outside its project, or a cycle back to the
// task under construction.
package dependency

import (
	"context"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/store"
)

// Store is the subset of internal/store the validator needs: existence
// checks against the project and the dependency graph of existing
// tasks.
type Store interface {
	TasksExistInProject(ctx context.Context, projectID int64, ids []int64) (bool, error)
	GetDependencies(ctx context.Context, taskID int64) ([]int64, error)
}

// Validator enforces spec.md §4.4.
type Validator struct {
	store Store
}

func New(s *store.Store) *Validator {
	return &Validator{store: s}
}

// Validate checks a proposed dependency list for a task (taskID is 0
// for a not-yet-created task, in which case self-reference can only be
// checked against the final assigned id by the caller after insert —
// callers creating a brand new task should pass the tentative id if
// known, or validate self-reference separately).
func (v *Validator) Validate(ctx context.Context, projectID, taskID int64, deps []int64) error {
	if err := checkSelfReferenceAndDuplicates(taskID, deps); err != nil {
		return err
	}

	if len(deps) > 0 {
		ok, err := v.store.TasksExistInProject(ctx, projectID, deps)
		if err != nil {
			return coordfault.Wrap(coordfault.Internal, err, "check dependency existence")
		}
		if !ok {
			return coordfault.New(coordfault.DependencyInvalid, "one or more dependencies do not exist in project %d", projectID)
		}
	}

	for _, dep := range deps {
		if err := v.checkNoPathBackToTask(ctx, dep, taskID, map[int64]bool{}); err != nil {
			return err
		}
	}

	return nil
}

func checkSelfReferenceAndDuplicates(taskID int64, deps []int64) error {
	seen := make(map[int64]bool, len(deps))
	for _, d := range deps {
		if taskID != 0 && d == taskID {
			return coordfault.New(coordfault.DependencyInvalid, "task cannot depend on itself")
		}
		if seen[d] {
			return coordfault.New(coordfault.DependencyInvalid, "duplicate dependency %d", d)
		}
		seen[d] = true
	}
	return nil
}

// checkNoPathBackToTask performs a per-branch DFS from dep, carrying a
// path-local visited set (not shared across branches), so that shared
// dependencies reached by two different branches (diamonds) are never
// mistaken for a cycle. It asks only whether some path from dep
// eventually reaches taskID.
func (v *Validator) checkNoPathBackToTask(ctx context.Context, dep, taskID int64, pathVisited map[int64]bool) error {
	if dep == taskID {
		return coordfault.New(coordfault.DependencyInvalid, "dependency %d leads back to this task", dep)
	}
	if pathVisited[dep] {
		// Already walked this node on this branch; no new information.
		return nil
	}

	branch := make(map[int64]bool, len(pathVisited)+1)
	for k := range pathVisited {
		branch[k] = true
	}
	branch[dep] = true

	children, err := v.store.GetDependencies(ctx, dep)
	if err != nil {
		return coordfault.Wrap(coordfault.Internal, err, "load dependencies of %d", dep)
	}

	for _, child := range children {
		if err := v.checkNoPathBackToTask(ctx, child, taskID, branch); err != nil {
			return err
		}
	}
	return nil
}
