package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/dispatch"
	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/logging"
	"github.com/songzhibin97/workflow-collab/session"
	"github.com/songzhibin97/workflow-collab/types"
)

// Inbound frame types.
const (
	FrameJoin           = "join"
	FrameLeave          = "leave"
	FrameCursor         = "cursor"
	FrameSelection      = "selection"
	FrameMutate         = "mutate"
	FramePing           = "ping"
	FrameDispatch       = "dispatch"
	FrameSubscribeTasks = "subscribe_tasks"
)

// Frame is one inbound client message. ID, when set, is echoed back as
// requestId in the reply.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type joinData struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
}

type selectionData struct {
	Selection []string `json:"selection"`
}

type dispatchData struct {
	NodeID               string          `json:"nodeId"`
	WorkflowID           string          `json:"workflowId"`
	RequiredCapabilities []string        `json:"requiredCapabilities"`
	Priority             *types.Priority `json:"priority"`
	TimeoutSeconds       float64         `json:"timeoutSeconds,omitempty"`
}

type subscribeData struct {
	WorkflowID string `json:"workflowId"`
}

// Handler upgrades HTTP requests to WebSocket connections and serves the
// protocol on them.
type Handler struct {
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	bus        *events.EventBus
	upgrader   websocket.Upgrader
	sendBuffer int
	pingPeriod time.Duration
	logger     zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithSendBuffer sets the per-connection outbound buffer. Default 256.
func WithSendBuffer(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPingPeriod sets how often the server pings. It defaults to the
// session heartbeat interval.
func WithPingPeriod(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.pingPeriod = d
		}
	}
}

// WithCheckOrigin replaces the origin check. All origins are allowed by
// default.
func WithCheckOrigin(f func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = f }
}

// NewHandler creates a Handler. dispatcher and bus may be nil, in which
// case dispatch frames are refused and no task events are relayed.
func NewHandler(sessions *session.Manager, dispatcher *dispatch.Dispatcher, bus *events.EventBus, opts ...HandlerOption) *Handler {
	h := &Handler{
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        bus,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		sendBuffer: 256,
		pingPeriod: sessions.HeartbeatInterval(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	remote := remoteHost(r.RemoteAddr)
	logger := h.logger.With().Str("remote", remote).Logger()
	c := newConn(ws, h.sendBuffer, h.pingPeriod, logger)
	go c.writePump()

	ctx, cancel := context.WithCancel(logging.WithContext(context.Background(), logger))
	defer cancel()

	cl := &client{
		h:        h,
		conn:     c,
		remote:   remote,
		logger:   logger,
		tasks:    make(map[string]struct{}),
		watching: make(map[string]struct{}),
	}
	logger.Debug().Msg("websocket connected")
	cl.readLoop(ctx)
	logger.Debug().Msg("websocket disconnected")
}

// client is the protocol state of one connection. token, workflowID and
// userID are owned by the read loop; mu guards the task subscriptions read
// by the bus goroutine.
type client struct {
	h      *Handler
	conn   *Conn
	remote string
	logger zerolog.Logger

	token      string
	workflowID string
	userID     string

	mu       sync.Mutex
	tasks    map[string]struct{}
	watching map[string]struct{}
	unsub    func()
}

func (cl *client) readLoop(ctx context.Context) {
	ws := cl.conn.ws
	pongWait := 2 * cl.h.pingPeriod
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if cl.token != "" {
			_ = cl.h.sessions.Heartbeat(ctx, cl.token)
		}
		return nil
	})
	defer cl.shutdown()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			cl.fail(Frame{}, fmt.Errorf("%w: %v", ErrBadRequest, err))
			continue
		}
		cl.handle(ctx, f)
	}
}

func (cl *client) shutdown() {
	cl.mu.Lock()
	unsub := cl.unsub
	cl.unsub = nil
	cl.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cl.token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = cl.h.sessions.Leave(ctx, cl.token)
		cancel()
		cl.token = ""
	}
	cl.conn.Close()
}

func (cl *client) handle(ctx context.Context, f Frame) {
	var err error
	switch f.Type {
	case FrameJoin:
		err = cl.join(ctx, f)
	case FrameLeave:
		err = cl.leave(ctx)
	case FrameCursor:
		var pos types.Position
		if err = decode(f, &pos); err == nil {
			err = cl.withSession(func(token string) error { return cl.h.sessions.UpdateCursor(ctx, token, pos) })
		}
	case FrameSelection:
		var sel selectionData
		if err = decode(f, &sel); err == nil {
			err = cl.withSession(func(token string) error { return cl.h.sessions.UpdateSelection(ctx, token, sel.Selection) })
		}
	case FrameMutate:
		err = cl.mutate(ctx, f)
	case FramePing:
		if cl.token != "" {
			err = cl.h.sessions.Heartbeat(ctx, cl.token)
		}
		if err == nil {
			err = cl.reply(f, events.Pong, nil)
		}
	case FrameDispatch:
		err = cl.dispatch(ctx, f)
	case FrameSubscribeTasks:
		var sub subscribeData
		if err = decode(f, &sub); err == nil {
			err = cl.subscribe(sub.WorkflowID)
		}
	default:
		err = fmt.Errorf("%w: unknown frame type %q", ErrBadRequest, f.Type)
	}
	if err != nil {
		cl.fail(f, err)
	}
}

func (cl *client) withSession(f func(token string) error) error {
	if cl.token == "" {
		return fmt.Errorf("%w: not joined", session.ErrUnknownSession)
	}
	return f(cl.token)
}

func (cl *client) join(ctx context.Context, f Frame) error {
	var req joinData
	if err := decode(f, &req); err != nil {
		return err
	}
	if cl.token != "" {
		_ = cl.h.sessions.Leave(ctx, cl.token)
		cl.token = ""
	}
	res, err := cl.h.sessions.Join(ctx, req.WorkflowID, req.UserID, cl.conn)
	if err != nil {
		return err
	}
	cl.token = res.Token
	cl.workflowID = req.WorkflowID
	cl.userID = req.UserID
	cl.logger = cl.logger.With().Str("workflow_id", req.WorkflowID).Str("user_id", req.UserID).Logger()
	return nil
}

func (cl *client) leave(ctx context.Context) error {
	return cl.withSession(func(token string) error {
		cl.token = ""
		return cl.h.sessions.Leave(ctx, token)
	})
}

func (cl *client) mutate(ctx context.Context, f Frame) error {
	var mut types.Mutation
	if err := decode(f, &mut); err != nil {
		return err
	}
	if mut.ID == "" {
		mut.ID = uuid.NewString()
	}
	return cl.withSession(func(token string) error {
		res, err := cl.h.sessions.Mutate(ctx, token, mut)
		if err != nil {
			return err
		}
		if !res.Accepted {
			// The session already told this connection.
			return nil
		}
		return cl.reply(f, events.GraphMutationAck, map[string]interface{}{
			"mutationId": mut.ID,
			"revision":   res.Revision,
			"applied":    res.Applied,
		})
	})
}

func (cl *client) dispatch(ctx context.Context, f Frame) error {
	if cl.h.dispatcher == nil {
		return fmt.Errorf("%w: dispatch is disabled", dispatch.ErrDispatcherClosed)
	}
	var req dispatchData
	if err := decode(f, &req); err != nil {
		return err
	}
	if req.Priority == nil {
		return fmt.Errorf("%w: priority is required", ErrBadRequest)
	}
	if req.WorkflowID == "" {
		req.WorkflowID = cl.workflowID
	}
	identity := cl.userID
	if identity == "" {
		identity = cl.remote
	}
	if err := cl.ensureSubscribed(); err != nil {
		return err
	}

	// Holding mu until the id is recorded keeps this task's bus events
	// from being filtered out before we know its id.
	cl.mu.Lock()
	defer cl.mu.Unlock()
	h, err := cl.h.dispatcher.Dispatch(ctx, dispatch.Request{
		Identity:             identity,
		NodeID:               req.NodeID,
		WorkflowID:           req.WorkflowID,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             *req.Priority,
		Timeout:              time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		return err
	}
	cl.tasks[h.ID] = struct{}{}
	return cl.reply(f, events.TaskDispatched, map[string]interface{}{"taskId": h.ID})
}

func (cl *client) subscribe(workflowID string) error {
	if workflowID == "" {
		workflowID = cl.workflowID
	}
	if workflowID == "" {
		return fmt.Errorf("%w: workflowId is required", ErrBadRequest)
	}
	if err := cl.ensureSubscribed(); err != nil {
		return err
	}
	cl.mu.Lock()
	cl.watching[workflowID] = struct{}{}
	cl.mu.Unlock()
	return nil
}

func (cl *client) ensureSubscribed() error {
	if cl.h.bus == nil {
		return fmt.Errorf("%w: task events are disabled", dispatch.ErrDispatcherClosed)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.unsub == nil {
		cl.unsub = cl.h.bus.Subscribe(events.Wildcard, events.EventHandlerFunc(cl.onTaskEvent))
	}
	return nil
}

// onTaskEvent relays task events of tasks this connection dispatched or of
// workflows it watches.
func (cl *client) onTaskEvent(_ context.Context, ev events.Event) error {
	if !strings.HasPrefix(ev.Type, "task:") {
		return nil
	}
	task, ok := ev.Data["task"].(types.Task)
	if !ok {
		return nil
	}
	cl.mu.Lock()
	_, mine := cl.tasks[task.ID]
	_, watched := cl.watching[task.WorkflowID]
	if mine && task.Status.IsTerminal() {
		delete(cl.tasks, task.ID)
	}
	cl.mu.Unlock()
	if mine || watched {
		_ = cl.conn.Send(ev)
	}
	return nil
}

func (cl *client) reply(f Frame, typ string, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	if f.ID != "" {
		data["requestId"] = f.ID
	}
	return cl.conn.Send(events.Event{Type: typ, Subject: cl.workflowID, Data: data})
}

func (cl *client) fail(f Frame, err error) {
	code := ErrorCode(err)
	if code == CodeInternal {
		cl.logger.Error().Err(err).Str("frame", f.Type).Msg("request failed")
	}
	_ = cl.reply(f, events.Error, map[string]interface{}{
		"request": f.Type,
		"code":    code,
		"error":   err.Error(),
	})
}

func decode(f Frame, v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame needs data", ErrBadRequest, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
