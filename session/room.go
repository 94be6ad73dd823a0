package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/metrics"
	"github.com/songzhibin97/workflow-collab/types"
)

var errRoomClosed = errors.New("room closed")

type member struct {
	token    string
	p        types.Participant
	sender   Sender
	lastSeen time.Time
}

// room is the event loop of one workflow. Every field below inbox is owned
// by the loop goroutine; other goroutines reach it through do and call.
type room struct {
	id    string
	m     *Manager
	inbox chan func()
	quit  chan struct{}
	done  chan struct{}

	members map[string]*member
	closing bool
}

func newRoom(id string, m *Manager) *room {
	return &room{
		id:      id,
		m:       m,
		inbox:   make(chan func(), m.inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		members: make(map[string]*member),
	}
}

func (r *room) run() {
	defer r.m.wg.Done()
	defer close(r.done)
	for {
		select {
		case f := <-r.inbox:
			f()
		case <-r.quit:
			return
		}
	}
}

// do queues f without waiting for it to run.
func (r *room) do(ctx context.Context, f func()) error {
	select {
	case r.inbox <- f:
		return nil
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs f on the loop and waits for it.
func (r *room) call(ctx context.Context, f func()) error {
	fin := make(chan struct{})
	if err := r.do(ctx, func() {
		defer close(fin)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-fin:
		return nil
	case <-r.done:
		select {
		case <-fin:
			return nil
		default:
			return errRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// participantsExcept lists participants ordered by join time, then user id.
func (r *room) participantsExcept(token string) []types.Participant {
	out := make([]types.Participant, 0, len(r.members))
	for t, mem := range r.members {
		if t != token {
			out = append(out, copyParticipant(mem.p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// broadcast sends ev to every member but except. Members whose transport
// fails are removed afterwards; delivery to the rest is unaffected.
func (r *room) broadcast(except string, ev events.Event) {
	var failed []string
	for t, mem := range r.members {
		if t == except {
			continue
		}
		if err := mem.sender.Send(ev); err != nil {
			r.m.logger.Warn().Err(err).Str("workflow_id", r.id).Str("user_id", mem.p.UserID).
				Str("event", ev.Type).Msg("send failed, dropping participant")
			failed = append(failed, t)
		}
	}
	sort.Strings(failed)
	for _, t := range failed {
		r.remove(t, ReasonSendFailed)
	}
}

// sendTo sends ev to one member, dropping it on failure.
func (r *room) sendTo(token string, ev events.Event) {
	mem, ok := r.members[token]
	if !ok {
		return
	}
	if err := mem.sender.Send(ev); err != nil {
		r.m.logger.Warn().Err(err).Str("workflow_id", r.id).Str("user_id", mem.p.UserID).
			Str("event", ev.Type).Msg("send failed, dropping participant")
		r.remove(token, ReasonSendFailed)
	}
}

// remove deletes a member and tells the others it left.
func (r *room) remove(token, reason string) {
	mem, ok := r.members[token]
	if !ok {
		return
	}
	delete(r.members, token)
	r.m.forgetToken(token)
	r.m.participantLeft()
	if reason != ReasonLeave {
		metrics.RecordParticipantDropped(reason)
	}
	r.m.logger.Info().Str("workflow_id", r.id).Str("user_id", mem.p.UserID).Str("reason", reason).Msg("participant left")

	r.broadcast("", events.Event{
		Type:    events.UserLeft,
		Subject: r.id,
		Data: map[string]interface{}{
			"userId": mem.p.UserID,
			"reason": reason,
		},
	})
}

// sweep removes members silent for longer than limit and reports whether
// the room is now empty, in which case it stops accepting work.
func (r *room) sweep(now time.Time, limit time.Duration) bool {
	var stale []string
	for t, mem := range r.members {
		if now.Sub(mem.lastSeen) > limit {
			stale = append(stale, t)
		}
	}
	sort.Strings(stale)
	for _, t := range stale {
		r.remove(t, ReasonTimeout)
	}
	if len(r.members) == 0 {
		r.closing = true
	}
	return r.closing
}

func copyParticipant(p types.Participant) types.Participant {
	p.Selection = append([]string{}, p.Selection...)
	return p
}
