package dispatch

import (
	"fmt"
	"time"

	"github.com/songzhibin97/workflow-collab/types"
)

// allowed reports whether a task may move from one status to another.
// Statuses only move forward; assigned tasks may fail or time out before
// the worker reports them running.
func allowed(from, to types.TaskStatus) bool {
	switch from {
	case types.StatusQueued:
		return to == types.StatusAssigned || to == types.StatusFailed
	case types.StatusAssigned:
		return to == types.StatusRunning || to == types.StatusFailed || to == types.StatusTimedOut
	case types.StatusRunning:
		return to == types.StatusSuccess || to == types.StatusFailed || to == types.StatusTimedOut
	default:
		return false
	}
}

// transition moves t to status to and stamps the matching timestamp.
func transition(t *types.Task, to types.TaskStatus, now time.Time) error {
	if !allowed(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	switch {
	case to == types.StatusAssigned:
		t.AssignedAt = &now
	case to == types.StatusRunning:
		t.StartedAt = &now
	case to.IsTerminal():
		t.CompletedAt = &now
	}
	return nil
}
