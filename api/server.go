// Package api exposes the collaboration and dispatch core over HTTP.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/dispatch"
	"github.com/songzhibin97/workflow-collab/graph"
	"github.com/songzhibin97/workflow-collab/metrics"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/session"
	"github.com/songzhibin97/workflow-collab/transport"
	"github.com/songzhibin97/workflow-collab/types"
)

// Deps are the components the API serves. WebSocket is mounted on /ws when
// set.
type Deps struct {
	Store      *graph.Store
	Sessions   *session.Manager
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	WebSocket  http.Handler
}

// Server routes HTTP requests to the core components.
type Server struct {
	Deps
	router *mux.Router
	logger zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the base request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{Deps: deps, router: mux.NewRouter(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestID(s.logger))
	r.Use(recovery)
	r.Use(accessLog)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.WebSocket != nil {
		r.Handle("/ws", s.WebSocket).Methods(http.MethodGet)
	}

	r.HandleFunc("/dispatch", s.dispatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/start", s.startTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/complete", s.completeTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/cancel", s.cancelTask).Methods(http.MethodPost)

	r.HandleFunc("/teams", s.listTeams).Methods(http.MethodGet)
	r.HandleFunc("/teams", s.registerTeam).Methods(http.MethodPost)
	r.HandleFunc("/teams/load", s.teamLoads).Methods(http.MethodGet)
	r.HandleFunc("/teams/{key}", s.getTeam).Methods(http.MethodGet)
	r.HandleFunc("/teams/{key}", s.deregisterTeam).Methods(http.MethodDelete)

	r.HandleFunc("/workflows/{id}/graph", s.workflowGraph).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/participants", s.workflowParticipants).Methods(http.MethodGet)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().UTC(),
		"participants": s.Sessions.ParticipantCount(),
		"workflows":    len(s.Sessions.Workflows()),
		"queued":       s.Dispatcher.QueueLen(),
		"teams":        len(s.Registry.List()),
	})
}

// DispatchRequest is the body of POST /dispatch.
type DispatchRequest struct {
	NodeID               string          `json:"nodeId"`
	WorkflowID           string          `json:"workflowId,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities"`
	Priority             *types.Priority `json:"priority"`
	TimeoutSeconds       float64         `json:"timeoutSeconds,omitempty"`
}

// DispatchResponse is the reply to POST /dispatch.
type DispatchResponse struct {
	TaskID string           `json:"taskId"`
	Status types.TaskStatus `json:"status"`
}

// clientIdentity is the rate limiting key: X-Client-ID when present,
// otherwise the remote host.
func clientIdentity(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Priority == nil {
		respondError(w, r, fmt.Errorf("%w: priority is required", transport.ErrBadRequest))
		return
	}
	h, err := s.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Identity:             clientIdentity(r),
		NodeID:               req.NodeID,
		WorkflowID:           req.WorkflowID,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             *req.Priority,
		Timeout:              time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, DispatchResponse{TaskID: h.ID, Status: h.Task().Status})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Dispatcher.List(r.URL.Query().Get("workflowId")))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	s.respondTask(w, r, mux.Vars(r)["id"])
}

func (s *Server) respondTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.Dispatcher.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Dispatcher.MarkRunning(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

// CompleteRequest is the body of POST /tasks/{id}/complete.
type CompleteRequest struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result := req.Result
	if !req.Success && req.Error != "" {
		result = req.Error
	}
	if err := s.Dispatcher.Complete(r.Context(), id, req.Success, result); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Dispatcher.Cancel(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondTask(w, r, id)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	if capability := r.URL.Query().Get("capability"); capability != "" {
		respondJSON(w, http.StatusOK, s.Registry.ListByCapability(capability))
		return
	}
	respondJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) registerTeam(w http.ResponseWriter, r *http.Request) {
	var team types.WorkerTeam
	if err := decodeBody(r, &team); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Registry.Register(team); err != nil {
		respondError(w, r, err)
		return
	}
	registered, err := s.Registry.Get(team.Key)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, registered)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.Registry.Get(mux.Vars(r)["key"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, team)
}

func (s *Server) deregisterTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Deregister(mux.Vars(r)["key"]); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) teamLoads(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Registry.Loads())
}

// GraphResponse is the reply to GET /workflows/{id}/graph.
type GraphResponse struct {
	WorkflowID string       `json:"workflowId"`
	Revision   uint64       `json:"revision"`
	Graph      *types.Graph `json:"graph"`
}

func (s *Server) workflowGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g, rev, err := s.Store.Lookup(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, GraphResponse{WorkflowID: id, Revision: rev, Graph: g})
}

func (s *Server) workflowParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Sessions.Participants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ps)
}
