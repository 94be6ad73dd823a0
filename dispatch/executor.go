package dispatch

import (
	"context"

	"github.com/songzhibin97/workflow-collab/types"
)

// Executor runs an assigned task on its team. The dispatcher marks the task
// running before Execute and completes it with the returned result; a
// non-nil error fails the task. ctx is canceled when the task times out or
// is cancelled.
type Executor interface {
	Execute(ctx context.Context, task types.Task) (interface{}, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, task types.Task) (interface{}, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task types.Task) (interface{}, error) {
	return f(ctx, task)
}

// TeamExecutors routes each task to the executor of its assigned team.
// Tasks of teams without an entry are left for an external worker to start
// and complete.
type TeamExecutors map[string]Executor

// Execute implements Executor.
func (m TeamExecutors) Execute(ctx context.Context, task types.Task) (interface{}, error) {
	return m[task.AssignedTeamKey].Execute(ctx, task)
}

func (m TeamExecutors) handles(task types.Task) bool {
	_, ok := m[task.AssignedTeamKey]
	return ok
}
