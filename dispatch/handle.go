package dispatch

import (
	"context"

	"github.com/songzhibin97/workflow-collab/types"
)

// Handle follows one dispatched task.
type Handle struct {
	ID string
	d  *Dispatcher
	e  *entry
}

// Assigned is closed once the task holds a team slot.
func (h *Handle) Assigned() <-chan struct{} { return h.e.assigned }

// Done is closed once the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.e.done }

// Task returns the current task record.
func (h *Handle) Task() types.Task {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return cloneTask(h.e.task)
}

// WaitAssigned blocks until the task is assigned or finished without an
// assignment (e.g. cancelled while queued).
func (h *Handle) WaitAssigned(ctx context.Context) (types.Task, error) {
	select {
	case <-h.e.assigned:
	case <-h.e.done:
	case <-ctx.Done():
		return h.Task(), ctx.Err()
	}
	return h.Task(), nil
}

// Wait blocks until the task reaches a terminal status.
func (h *Handle) Wait(ctx context.Context) (types.Task, error) {
	select {
	case <-h.e.done:
		return h.Task(), nil
	case <-ctx.Done():
		return h.Task(), ctx.Err()
	}
}
