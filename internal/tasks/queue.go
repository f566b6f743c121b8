// internal/tasks/queue.go
package tasks

import (
	"sort"
	"sync"
)

// Queue is a thread-safe, in-memory candidate cache mirroring pending
// tasks the Dispatcher might claim next. It is a derivable view: the
// Store remains the source of truth, and the cache can be dropped and
// rebuilt from a Store scan at any time without losing information.
type Queue struct {
	mu    sync.RWMutex
	tasks []*Task
	index map[int64]*Task
}

// NewQueue creates a new empty candidate cache.
func NewQueue() *Queue {
	return &Queue{
		tasks: make([]*Task, 0),
		index: make(map[int64]*Task),
	}
}

// Add inserts a task into the cache, maintaining dispatch order.
func (q *Queue) Add(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, task)
	q.index[task.ID] = task
	q.sortLocked()
}

// Peek returns the next task the dispatcher would claim, without
// removing it.
func (q *Queue) Peek() *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// Pop removes and returns the next task in dispatch order. Callers
// must still perform the Store's atomic claim before treating a task
// as held — Pop only advances the local cache.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}

	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	delete(q.index, task.ID)
	return task
}

// Remove drops a task from the cache by ID, e.g. after it is claimed
// by a concurrent dispatch or leaves the pending set entirely.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[id]; !exists {
		return false
	}

	delete(q.index, id)
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}
	return true
}

// GetByID returns a cached task by its ID.
func (q *Queue) GetByID(id int64) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.index[id]
}

// GetByStatus returns all cached tasks with the given status.
func (q *Queue) GetByStatus(status Status) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Task
	for _, t := range q.tasks {
		if t.Status == status {
			result = append(result, t)
		}
	}
	return result
}

// GetByAgent returns all cached tasks currently held by an agent.
func (q *Queue) GetByAgent(agentName string) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var result []*Task
	for _, t := range q.tasks {
		if t.Assignee == agentName {
			result = append(result, t)
		}
	}
	return result
}

// Len returns the number of cached tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// All returns a snapshot copy of every cached task.
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*Task, len(q.tasks))
	copy(result, q.tasks)
	return result
}

// Update replaces a cached task in place, e.g. after the Store reports
// a status change out from under the cache.
func (q *Queue) Update(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[task.ID]; !exists {
		return false
	}

	q.index[task.ID] = task
	for i, t := range q.tasks {
		if t.ID == task.ID {
			q.tasks[i] = task
			break
		}
	}
	q.sortLocked()
	return true
}

// sortLocked orders tasks the way the Dispatcher would consider them:
// priority descending (higher = earlier, spec.md §4.2), then
// created_at ascending (FIFO within a priority band). Caller must hold
// the lock.
func (q *Queue) sortLocked() {
	sort.Slice(q.tasks, func(i, j int) bool {
		if q.tasks[i].Priority != q.tasks[j].Priority {
			return q.tasks[i].Priority > q.tasks[j].Priority
		}
		return q.tasks[i].CreatedAt.Before(q.tasks[j].CreatedAt)
	})
}
