package types

import "context"

// Task is a named background duty the elected leader distributes across the
// quorum, such as spell checking, translation, or snapshotting.
type Task struct {
	// Name identifies the task. Unique within the document.
	Name string `json:"name" yaml:"name"`

	// Weight expresses the task's relative cost for weighted assignment
	// strategies. Zero or negative weights are treated as 1.
	Weight int64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// ID returns the task's unique identifier.
func (t Task) ID() string {
	return t.Name
}

// EffectiveWeight returns the weight used by assignment strategies,
// normalizing non-positive values to 1.
func (t Task) EffectiveWeight() int64 {
	if t.Weight <= 0 {
		return 1
	}

	return t.Weight
}

// TaskSource provides the list of tasks a document wants running.
//
// Implementations can be a fixed list (source.Static) or any dynamic
// discovery logic. The leader coordinator calls ListTasks every time it
// recomputes assignment.
type TaskSource interface {
	// ListTasks returns all tasks to distribute.
	//
	// Implementations should return consistent results for the same
	// backend state and honor context cancellation.
	ListTasks(ctx context.Context) ([]Task, error)
}

// TaskAssigner calculates task distribution across the quorum.
//
// Implementations must be deterministic (same input produces the same
// output), stateless, and fast; assignment runs on every leadership change
// and quorum departure.
//
// Built-in strategies: strategy.ConsistentHash (stable placement across
// membership changes) and strategy.RoundRobin (even spread, no affinity).
type TaskAssigner interface {
	// Assign distributes tasks across the given client IDs.
	//
	// Parameters:
	//   - clients: Quorum member client IDs
	//   - tasks: Tasks to distribute
	//
	// Returns:
	//   - map[string][]Task: Map from client ID to its assigned tasks
	//   - error: Assignment error (e.g. ErrNoClientsAvailable)
	Assign(clients []string, tasks []Task) (map[string][]Task, error)
}
