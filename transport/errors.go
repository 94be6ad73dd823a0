package transport

import (
	"errors"

	"github.com/songzhibin97/workflow-collab/dispatch"
	"github.com/songzhibin97/workflow-collab/graph"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/session"
	"github.com/songzhibin97/workflow-collab/storage"
)

// Wire error codes.
const (
	CodeRateLimited     = "RateLimited"
	CodeNoCapableWorker = "NoCapableWorker"
	CodeNotFound        = "NotFound"
	CodeInvalidRequest  = "InvalidRequest"
	CodeConflict        = "Conflict"
	CodeUnavailable     = "Unavailable"
	CodeInternal        = "Internal"
)

// ErrBadRequest marks malformed client input.
var ErrBadRequest = errors.New("bad request")

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, dispatch.ErrNoCapableWorker):
		return CodeNoCapableWorker
	case errors.Is(err, dispatch.ErrTaskNotFound),
		errors.Is(err, storage.ErrTaskNotFound),
		errors.Is(err, storage.ErrGraphNotFound),
		errors.Is(err, graph.ErrWorkflowNotFound),
		errors.Is(err, registry.ErrTeamNotFound),
		errors.Is(err, session.ErrUnknownSession):
		return CodeNotFound
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, graph.ErrNodeExists),
		errors.Is(err, graph.ErrEdgeExists):
		return CodeConflict
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidJoin),
		errors.Is(err, registry.ErrInvalidTeam),
		errors.Is(err, ErrBadRequest):
		return CodeInvalidRequest
	case errors.Is(err, dispatch.ErrDispatcherClosed),
		errors.Is(err, session.ErrManagerClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
