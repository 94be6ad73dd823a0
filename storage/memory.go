package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/workflow-collab/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	graphs map[string]*types.Graph
	tasks  map[string]types.Task
	mu     sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		graphs: make(map[string]*types.Graph),
		tasks:  make(map[string]types.Task),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveGraph stores a copy of g.
func (s *MemoryStorage) SaveGraph(ctx context.Context, workflowID string, g *types.Graph) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.graphs[workflowID] = g.Clone()
		return nil
	})
}

// GetGraph returns a copy of the stored graph.
func (s *MemoryStorage) GetGraph(ctx context.Context, workflowID string) (*types.Graph, error) {
	g, err := getItem(ctx, &s.mu, s.graphs, workflowID, ErrGraphNotFound)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// SaveTask saves a task record to memory.
func (s *MemoryStorage) SaveTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks[task.ID] = task
		return nil
	})
}

// GetTask retrieves a task record from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// ClearCompleted removes terminal task records completed before cutoff. A
// terminal record without a completion time counts as old.
func (s *MemoryStorage) ClearCompleted(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for id, task := range s.tasks {
			if !task.Status.IsTerminal() {
				continue
			}
			if task.CompletedAt == nil || task.CompletedAt.Before(before) {
				delete(s.tasks, id)
				n++
			}
		}
		return n, nil
	})
}
