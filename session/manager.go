// Package session tracks who is editing which workflow and relays graph
// mutations, cursors and selections between them. Each workflow has one
// event loop that applies its mutations strictly in receipt order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/graph"
	"github.com/songzhibin97/workflow-collab/metrics"
	"github.com/songzhibin97/workflow-collab/types"
)

var (
	// ErrUnknownSession is returned for a token that is not (or no longer)
	// joined.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidJoin is returned when workflow or user id is missing.
	ErrInvalidJoin = errors.New("workflow id and user id are required")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// Reasons reported in user:left.
const (
	ReasonLeave      = "leave"
	ReasonTimeout    = "timeout"
	ReasonSendFailed = "send_failed"
)

// Sender delivers one event to a participant's connection. Send must not
// block and must not call back into the Manager; an error means the
// connection is gone.
type Sender interface {
	Send(ev events.Event) error
}

// SenderFunc is a function adapter for Sender.
type SenderFunc func(ev events.Event) error

// Send implements Sender.
func (f SenderFunc) Send(ev events.Event) error { return f(ev) }

// JoinResult is the reply to a join.
type JoinResult struct {
	Token        string              `json:"sessionToken"`
	WorkflowID   string              `json:"workflowId"`
	Graph        *types.Graph        `json:"graphSnapshot"`
	Revision     uint64              `json:"revision"`
	Participants []types.Participant `json:"participants"`
}

// MutateResult is the reply to a mutation.
type MutateResult struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	Code     string           `json:"code,omitempty"`
	Revision uint64           `json:"revision"`
	Applied  []types.Mutation `json:"applied,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	store     *graph.Store
	interval  time.Duration
	misses    int
	inboxSize int
	noSweeper bool
	now       func() time.Time
	logger    zerolog.Logger

	// mu guards rooms and closed. It is never taken by a room loop, so it
	// may be held while calling into rooms.
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	// tokMu is a leaf lock; room loops take it.
	tokMu  sync.Mutex
	tokens map[string]*room

	participants atomic.Int64
	stop         chan struct{}
	wg           sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeat sets the ping interval and how many consecutive intervals
// may be missed before a participant is dropped. Default 30s and 2.
func WithHeartbeat(interval time.Duration, misses int) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
		if misses > 0 {
			m.misses = misses
		}
	}
}

// WithClock replaces time.Now for liveness bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithInboxSize sets the per-workflow inbox capacity. Default 256.
func WithInboxSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.inboxSize = n
		}
	}
}

// WithoutSweeper disables the background heartbeat check; call Sweep
// yourself.
func WithoutSweeper() Option {
	return func(m *Manager) { m.noSweeper = true }
}

// NewManager creates a manager on top of store and starts its heartbeat
// sweeper.
func NewManager(store *graph.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		interval:  30 * time.Second,
		misses:    2,
		inboxSize: 256,
		now:       time.Now,
		logger:    zerolog.Nop(),
		rooms:     make(map[string]*room),
		tokens:    make(map[string]*room),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.noSweeper {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Timeout is how long a participant may stay silent.
func (m *Manager) Timeout() time.Duration {
	return m.interval * time.Duration(m.misses)
}

// HeartbeatInterval is the expected ping interval.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.interval
}

// sweepPeriod is how often liveness is checked: a quarter interval, at
// most a second, so a silent participant goes soon after Timeout.
func (m *Manager) sweepPeriod() time.Duration {
	p := m.interval / 4
	if p > time.Second {
		p = time.Second
	}
	if p < time.Millisecond {
		p = time.Millisecond
	}
	return p
}

// sweepLoop checks liveness every sweepPeriod and persists graphs once per
// heartbeat interval.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepPeriod())
	defer ticker.Stop()
	lastPersist := time.Now()
	for {
		select {
		case now := <-ticker.C:
			persist := now.Sub(lastPersist) >= m.interval
			if persist {
				lastPersist = now
			}
			m.sweep(context.Background(), persist)
		case <-m.stop:
			return
		}
	}
}

// room returns the live room of workflowID, starting one if needed.
func (m *Manager) room(workflowID string) (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	r, ok := m.rooms[workflowID]
	if !ok {
		r = newRoom(workflowID, m)
		m.rooms[workflowID] = r
		m.wg.Add(1)
		go r.run()
	}
	return r, nil
}

func (m *Manager) lookup(token string) (*room, error) {
	m.tokMu.Lock()
	defer m.tokMu.Unlock()
	r, ok := m.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	return r, nil
}

func (m *Manager) forgetToken(token string) {
	m.tokMu.Lock()
	delete(m.tokens, token)
	m.tokMu.Unlock()
}

func (m *Manager) participantLeft() {
	m.participants.Add(-1)
	m.reportCounts()
}

func (m *Manager) reportCounts() {
	m.tokMu.Lock()
	rooms := make(map[*room]struct{}, len(m.tokens))
	for _, r := range m.tokens {
		rooms[r] = struct{}{}
	}
	m.tokMu.Unlock()
	metrics.SetSessionCounts(int(m.participants.Load()), len(rooms))
}

// Join adds userID to workflowID's session. The reply holds the current
// graph and the other participants; they receive user:joined. The joiner
// gets the same reply as a session:joined event before anything else the
// session broadcasts.
func (m *Manager) Join(ctx context.Context, workflowID, userID string, sender Sender) (JoinResult, error) {
	if workflowID == "" || userID == "" {
		return JoinResult{}, ErrInvalidJoin
	}
	token := uuid.NewString()
	for {
		r, err := m.room(workflowID)
		if err != nil {
			return JoinResult{}, err
		}
		m.tokMu.Lock()
		m.tokens[token] = r
		m.tokMu.Unlock()

		var (
			res     JoinResult
			joinErr error
		)
		err = r.call(ctx, func() {
			if r.closing {
				joinErr = errRoomClosed
				return
			}
			g, rev, err := m.store.Snapshot(ctx, workflowID)
			if err != nil {
				joinErr = err
				return
			}
			now := m.now()
			mem := &member{
				token:    token,
				p:        types.Participant{UserID: userID, Selection: []string{}, JoinedAt: now},
				sender:   sender,
				lastSeen: now,
			}
			res = JoinResult{
				Token:        token,
				WorkflowID:   workflowID,
				Graph:        g,
				Revision:     rev,
				Participants: r.participantsExcept(""),
			}
			if err := sender.Send(events.Event{
				Type:    events.SessionJoined,
				Subject: workflowID,
				Data: map[string]interface{}{
					"sessionToken":  token,
					"workflowId":    workflowID,
					"graphSnapshot": g,
					"revision":      rev,
					"participants":  res.Participants,
				},
			}); err != nil {
				joinErr = fmt.Errorf("send snapshot: %w", err)
				return
			}
			r.members[token] = mem
			m.participants.Add(1)
			r.broadcast(token, events.Event{
				Type:    events.UserJoined,
				Subject: workflowID,
				Data: map[string]interface{}{
					"userId":      userID,
					"participant": copyParticipant(mem.p),
				},
			})
		})
		if err == nil {
			err = joinErr
		}
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			m.forgetToken(token)
			return JoinResult{}, err
		}
		m.reportCounts()
		m.logger.Info().Str("workflow_id", workflowID).Str("user_id", userID).Msg("participant joined")
		return res, nil
	}
}

// Leave removes the participant and notifies the others.
func (m *Manager) Leave(ctx context.Context, token string) error {
	r, err := m.lookup(token)
	if err != nil {
		return err
	}
	err = r.call(ctx, func() { r.remove(token, ReasonLeave) })
	if errors.Is(err, errRoomClosed) {
		m.forgetToken(token)
		return nil
	}
	return err
}

// touch runs f for the member behind token on its room loop without
// waiting. Any message counts as liveness.
func (m *Manager) touch(ctx context.Context, token string, f func(r *room, mem *member)) error {
	r, err := m.lookup(token)
	if err != nil {
		return err
	}
	err = r.do(ctx, func() {
		mem, ok := r.members[token]
		if !ok {
			return
		}
		mem.lastSeen = m.now()
		if f != nil {
			f(r, mem)
		}
	})
	if errors.Is(err, errRoomClosed) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	return err
}

// Heartbeat records a liveness ping.
func (m *Manager) Heartbeat(ctx context.Context, token string) error {
	return m.touch(ctx, token, nil)
}

// UpdateCursor broadcasts the participant's cursor to the others.
func (m *Manager) UpdateCursor(ctx context.Context, token string, pos types.Position) error {
	return m.touch(ctx, token, func(r *room, mem *member) {
		mem.p.Cursor = pos
		r.broadcast(token, events.Event{
			Type:    events.UserCursorMoved,
			Subject: r.id,
			Data: map[string]interface{}{
				"userId":   mem.p.UserID,
				"position": pos,
			},
		})
	})
}

// UpdateSelection broadcasts the participant's selected ids to the others.
func (m *Manager) UpdateSelection(ctx context.Context, token string, ids []string) error {
	sel := dedupe(ids)
	return m.touch(ctx, token, func(r *room, mem *member) {
		mem.p.Selection = sel
		r.broadcast(token, events.Event{
			Type:    events.UserSelectionChanged,
			Subject: r.id,
			Data: map[string]interface{}{
				"userId":    mem.p.UserID,
				"selection": append([]string{}, sel...),
			},
		})
	})
}

// Mutate applies mut to the workflow graph. Accepted mutations, with any
// cascaded edge removals as separate events, go to every other
// participant; a rejection goes to the sender only.
func (m *Manager) Mutate(ctx context.Context, token string, mut types.Mutation) (MutateResult, error) {
	r, err := m.lookup(token)
	if err != nil {
		return MutateResult{}, err
	}
	if mut.ID == "" {
		mut.ID = uuid.NewString()
	}

	var (
		out    MutateResult
		outErr error
	)
	err = r.call(ctx, func() {
		mem, ok := r.members[token]
		if !ok {
			outErr = fmt.Errorf("%w: %s", ErrUnknownSession, token)
			return
		}
		mem.lastSeen = m.now()

		res, err := m.store.Apply(ctx, r.id, mut)
		if err != nil {
			outErr = err
			return
		}
		metrics.RecordMutation(string(mut.Kind), res.Accepted)
		out = MutateResult{Accepted: res.Accepted, Reason: res.Reason, Revision: res.Revision, Applied: res.Applied}

		if !res.Accepted {
			out.Code = graph.Code(res.Err)
			m.logger.Debug().Str("workflow_id", r.id).Str("user_id", mem.p.UserID).
				Str("kind", string(mut.Kind)).Str("reason", res.Reason).Msg("mutation rejected")
			r.sendTo(token, events.Event{
				Type:    events.GraphMutationRejected,
				Subject: r.id,
				Data: map[string]interface{}{
					"mutationId": mut.ID,
					"kind":       string(mut.Kind),
					"code":       out.Code,
					"reason":     res.Reason,
				},
			})
			return
		}
		for _, applied := range res.Applied {
			r.broadcast(token, events.Event{
				Type:    events.GraphMutationApplied,
				Subject: r.id,
				Data: map[string]interface{}{
					"userId":   mem.p.UserID,
					"mutation": applied,
					"revision": res.Revision,
				},
			})
		}
	})
	if errors.Is(err, errRoomClosed) {
		return MutateResult{}, fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	if err != nil {
		return MutateResult{}, err
	}
	return out, outErr
}

// Participants lists the participants of workflowID.
func (m *Manager) Participants(ctx context.Context, workflowID string) ([]types.Participant, error) {
	m.mu.Lock()
	r, ok := m.rooms[workflowID]
	m.mu.Unlock()
	if !ok {
		return []types.Participant{}, nil
	}
	var out []types.Participant
	err := r.call(ctx, func() { out = r.participantsExcept("") })
	if errors.Is(err, errRoomClosed) {
		return []types.Participant{}, nil
	}
	return out, err
}

// Workflows returns the ids of workflows with a live session.
func (m *Manager) Workflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// ParticipantCount returns the number of joined participants.
func (m *Manager) ParticipantCount() int {
	return int(m.participants.Load())
}

// Sweep drops participants silent for longer than Timeout, persists
// changed graphs and shuts down rooms left empty.
func (m *Manager) Sweep(ctx context.Context) {
	m.sweep(ctx, true)
}

func (m *Manager) sweep(ctx context.Context, persist bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	limit := m.Timeout()
	for id, r := range m.rooms {
		var empty bool
		if err := r.call(ctx, func() { empty = r.sweep(now, limit) }); err != nil && !errors.Is(err, errRoomClosed) {
			m.logger.Warn().Err(err).Str("workflow_id", id).Msg("sweep failed")
			continue
		}
		if empty {
			delete(m.rooms, id)
			close(r.quit)
			if err := m.store.Evict(ctx, id); err != nil {
				m.logger.Error().Err(err).Str("workflow_id", id).Msg("failed to persist graph")
			}
			m.logger.Debug().Str("workflow_id", id).Msg("session closed")
			continue
		}
		if !persist {
			continue
		}
		if err := m.store.Persist(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("workflow_id", id).Msg("failed to persist graph")
		}
	}
	m.reportCounts()
}

// Close ends every session, persists the graphs and stops all loops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	var firstErr error
	for id, r := range m.rooms {
		_ = r.call(ctx, func() {
			for t := range r.members {
				delete(r.members, t)
				m.forgetToken(t)
				m.participants.Add(-1)
			}
			r.closing = true
		})
		delete(m.rooms, id)
		close(r.quit)
		if err := m.store.Evict(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.reportCounts()
	return firstErr
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
