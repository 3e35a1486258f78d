package source

import (
	"context"
	"sync"

	"github.com/arloliu/loom/types"
)

// Static implements a task source with a fixed list of tasks.
type Static struct {
	mu    sync.RWMutex
	tasks []types.Task
}

var _ types.TaskSource = (*Static)(nil)

// NewStatic creates a new static task source.
//
// The source returns a fixed list of tasks that only changes through
// Update. Useful for testing and for documents whose background duties are
// known at startup.
//
// Parameters:
//   - tasks: Fixed list of tasks
//
// Returns:
//   - *Static: Initialized static source
//
// Example:
//
//	src := source.NewStatic([]types.Task{
//	    {Name: "spell", Weight: 1},
//	    {Name: "translation", Weight: 2},
//	})
//	rt, err := loom.New(cfg, stream, store, factory, loom.WithTaskSource(src))
func NewStatic(tasks []types.Task) *Static {
	return &Static{
		tasks: tasks,
	}
}

// ListTasks returns the static list of tasks.
//
// Returns:
//   - []types.Task: The fixed list of tasks
//   - error: Always nil (never fails)
func (s *Static) ListTasks(_ context.Context) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Task, len(s.tasks))
	copy(result, s.tasks)

	return result, nil
}

// Update replaces the task list.
//
// This lets the static source simulate dynamic task changes, which is
// useful for testing reassignment scenarios.
//
// Parameters:
//   - tasks: New list of tasks
func (s *Static) Update(tasks []types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make([]types.Task, len(tasks))
	copy(s.tasks, tasks)
}
