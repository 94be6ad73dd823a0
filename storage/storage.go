package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/workflow-collab/types"
)

// Errors
var (
	ErrGraphNotFound = errors.New("graph not found")
	ErrTaskNotFound  = errors.New("task not found")
)

// Storage defines the interface for persisting graph snapshots and task records.
// The core treats its own state as volatile; a Storage only rehydrates it.
type Storage interface {
	// SaveGraph saves the graph snapshot of a workflow.
	SaveGraph(ctx context.Context, workflowID string, g *types.Graph) error

	// GetGraph retrieves the graph snapshot of a workflow.
	GetGraph(ctx context.Context, workflowID string) (*types.Graph, error)

	// SaveTask saves a task record.
	SaveTask(ctx context.Context, task types.Task) error

	// GetTask retrieves a task record by ID.
	GetTask(ctx context.Context, id string) (types.Task, error)
}

// Pruner is implemented by stores that keep finished task records until
// told to drop them. RedisStorage expires them by TTL instead.
type Pruner interface {
	// ClearCompleted removes terminal task records completed before cutoff
	// and reports how many went.
	ClearCompleted(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
