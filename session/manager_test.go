package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/graph"
	"github.com/songzhibin97/workflow-collab/storage"
	"github.com/songzhibin97/workflow-collab/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (r *recorder) Send(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection closed")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, store *graph.Store, opts ...Option) *Manager {
	t.Helper()
	if store == nil {
		store = graph.NewStore()
	}
	m := NewManager(store, append([]Option{WithoutSweeper()}, opts...)...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// barrier waits until every queued fire-and-forget message of wf ran.
func barrier(t *testing.T, m *Manager, wf string) {
	t.Helper()
	_, err := m.Participants(context.Background(), wf)
	require.NoError(t, err)
}

func addNode(id string) types.Mutation {
	return types.Mutation{Kind: types.MutAddNode, Node: &types.Node{ID: id, Type: types.NodeAction, Data: map[string]interface{}{}}}
}

func addEdge(id, src, dst string) types.Mutation {
	return types.Mutation{Kind: types.MutAddEdge, Edge: &types.Edge{ID: id, SourceNodeID: src, TargetNodeID: dst}}
}

func TestJoinSnapshotAndBroadcastReachesReplica(t *testing.T) {
	ctx := context.Background()
	store := graph.NewStore()
	for _, mut := range []types.Mutation{addNode("a"), addNode("b"), addEdge("e1", "a", "b")} {
		res, err := store.Apply(ctx, "wf", mut)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}
	m := newManager(t, store)

	alice := &recorder{}
	ja, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	assert.NotEmpty(t, ja.Token)
	assert.Len(t, ja.Graph.Nodes, 2)
	assert.Len(t, ja.Graph.Edges, 1)
	assert.Empty(t, ja.Participants)
	snap := alice.ofType(events.SessionJoined)
	require.Len(t, snap, 1)
	assert.Equal(t, ja.Token, snap[0].Data["sessionToken"])

	bob := &recorder{}
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)
	require.Len(t, jb.Participants, 1)
	assert.Equal(t, "alice", jb.Participants[0].UserID)

	joined := alice.ofType(events.UserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0].Data["userId"])
	assert.Empty(t, bob.ofType(events.UserJoined))

	res, err := m.Mutate(ctx, jb.Token, addNode("c"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	applied := alice.ofType(events.GraphMutationApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, "bob", applied[0].Data["userId"])

	replica := ja.Graph
	mut := applied[0].Data["mutation"].(types.Mutation)
	require.True(t, graph.Apply(replica, mut, nil).Accepted)
	assert.Len(t, replica.Nodes, 3)

	assert.Empty(t, bob.ofType(events.GraphMutationApplied), "the sender is not echoed")
}

func TestRejectionGoesOnlyToSender(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	alice, bob := &recorder{}, &recorder{}
	_, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	res, err := m.Mutate(ctx, jb.Token, addEdge("e", "ghost", "phantom"))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "InvalidEndpoint", res.Code)
	assert.NotEmpty(t, res.Reason)

	rejected := bob.ofType(events.GraphMutationRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "InvalidEndpoint", rejected[0].Data["code"])
	assert.NotEmpty(t, rejected[0].Data["mutationId"])

	assert.Empty(t, alice.ofType(events.GraphMutationRejected))
	assert.Empty(t, alice.ofType(events.GraphMutationApplied))
}

func TestCascadeBroadcastAsSeparateEvents(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	alice, bob := &recorder{}, &recorder{}
	ja, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	replica := ja.Graph
	for _, mut := range []types.Mutation{
		addNode("a"), addNode("b"), addNode("c"),
		addEdge("e1", "a", "b"), addEdge("e2", "c", "a"), addEdge("e3", "b", "c"),
	} {
		res, err := m.Mutate(ctx, jb.Token, mut)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	res, err := m.Mutate(ctx, jb.Token, types.Mutation{Kind: types.MutRemoveNode, NodeID: "a"})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Len(t, res.Applied, 3)

	applied := alice.ofType(events.GraphMutationApplied)
	require.Len(t, applied, 9)
	tail := applied[6:]
	assert.Equal(t, types.MutRemoveEdge, tail[0].Data["mutation"].(types.Mutation).Kind)
	assert.Equal(t, types.MutRemoveEdge, tail[1].Data["mutation"].(types.Mutation).Kind)
	assert.Equal(t, types.MutRemoveNode, tail[2].Data["mutation"].(types.Mutation).Kind)

	for _, ev := range applied {
		require.True(t, graph.Apply(replica, ev.Data["mutation"].(types.Mutation), nil).Accepted)
	}
	snap, _, err := m.store.Snapshot(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, snap, replica)
}

func TestHeartbeatTimeout(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newManager(t, nil, WithHeartbeat(30*time.Second, 2), WithClock(clock.now))

	alice, bob := &recorder{}, &recorder{}
	ja, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	clock.advance(40 * time.Second)
	require.NoError(t, m.Heartbeat(ctx, jb.Token))
	barrier(t, m, "wf")

	clock.advance(20 * time.Second) // alice silent for exactly 60s
	m.Sweep(ctx)
	ps, err := m.Participants(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	clock.advance(time.Second) // 61s
	m.Sweep(ctx)

	left := bob.ofType(events.UserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0].Data["userId"])
	assert.Equal(t, ReasonTimeout, left[0].Data["reason"])

	ps, err = m.Participants(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "bob", ps[0].UserID)

	_, err = m.Mutate(ctx, ja.Token, addNode("x"))
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, m.Heartbeat(ctx, ja.Token), ErrUnknownSession)
}

func TestSendFailureDropsOnlyThatParticipant(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	alice, bob, carol := &recorder{}, &recorder{}, &recorder{}
	ja, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	_, err = m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)
	jc, err := m.Join(ctx, "wf", "carol", carol)
	require.NoError(t, err)

	carol.mu.Lock()
	carol.fail = true
	carol.mu.Unlock()

	require.NoError(t, m.UpdateCursor(ctx, ja.Token, types.Position{X: 10, Y: 20}))
	barrier(t, m, "wf")

	moved := bob.ofType(events.UserCursorMoved)
	require.Len(t, moved, 1)
	assert.Equal(t, types.Position{X: 10, Y: 20}, moved[0].Data["position"])

	for _, r := range []*recorder{alice, bob} {
		left := r.ofType(events.UserLeft)
		require.Len(t, left, 1)
		assert.Equal(t, "carol", left[0].Data["userId"])
		assert.Equal(t, ReasonSendFailed, left[0].Data["reason"])
	}
	assert.Equal(t, 2, m.ParticipantCount())
	assert.ErrorIs(t, m.Leave(ctx, jc.Token), ErrUnknownSession)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	alice, bob := &recorder{}, &recorder{}
	_, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	require.NoError(t, m.Leave(ctx, jb.Token))
	left := alice.ofType(events.UserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, ReasonLeave, left[0].Data["reason"])
	assert.Empty(t, bob.ofType(events.UserLeft))

	assert.ErrorIs(t, m.Leave(ctx, jb.Token), ErrUnknownSession)
	assert.ErrorIs(t, m.UpdateCursor(ctx, jb.Token, types.Position{}), ErrUnknownSession)
}

func TestSelectionBroadcast(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	alice, bob := &recorder{}, &recorder{}
	ja, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	_, err = m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	require.NoError(t, m.UpdateSelection(ctx, ja.Token, []string{"a", "b", "a"}))
	barrier(t, m, "wf")

	sel := bob.ofType(events.UserSelectionChanged)
	require.Len(t, sel, 1)
	assert.Equal(t, []string{"a", "b"}, sel[0].Data["selection"])
	assert.Empty(t, alice.ofType(events.UserSelectionChanged))

	ps, err := m.Participants(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ps[0].Selection)
}

func TestWorkflowsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	one, two := &recorder{}, &recorder{}
	j1, err := m.Join(ctx, "wf-1", "alice", one)
	require.NoError(t, err)
	_, err = m.Join(ctx, "wf-1", "bob", &recorder{})
	require.NoError(t, err)
	_, err = m.Join(ctx, "wf-2", "carol", two)
	require.NoError(t, err)

	_, err = m.Mutate(ctx, j1.Token, addNode("a"))
	require.NoError(t, err)
	barrier(t, m, "wf-2")

	assert.Empty(t, two.ofType(events.GraphMutationApplied))
	assert.Empty(t, two.ofType(events.UserJoined))
	g, _, err := m.store.Snapshot(ctx, "wf-2")
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
}

func TestEmptyRoomIsClosedAndPersisted(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStorage()
	m := newManager(t, graph.NewStore(graph.WithStorage(st)))

	ja, err := m.Join(ctx, "wf", "alice", &recorder{})
	require.NoError(t, err)
	_, err = m.Mutate(ctx, ja.Token, addNode("a"))
	require.NoError(t, err)
	require.NoError(t, m.Leave(ctx, ja.Token))

	m.Sweep(ctx)
	assert.Empty(t, m.Workflows())

	saved, err := st.GetGraph(ctx, "wf")
	require.NoError(t, err)
	assert.Contains(t, saved.Nodes, "a")

	jb, err := m.Join(ctx, "wf", "bob", &recorder{})
	require.NoError(t, err)
	assert.Contains(t, jb.Graph.Nodes, "a")
}

func TestConcurrentMutationsShareOneOrder(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	const users, perUser = 8, 25
	recs := make([]*recorder, users)
	tokens := make([]string, users)
	for i := range recs {
		recs[i] = &recorder{}
		j, err := m.Join(ctx, "wf", fmt.Sprintf("u%d", i), recs[i])
		require.NoError(t, err)
		tokens[i] = j.Token
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < perUser; k++ {
				res, err := m.Mutate(ctx, tokens[i], addNode(fmt.Sprintf("u%d-n%d", i, k)))
				assert.NoError(t, err)
				assert.True(t, res.Accepted)
			}
		}(i)
	}
	wg.Wait()

	g, rev, err := m.store.Snapshot(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, g.Nodes, users*perUser)
	assert.Equal(t, uint64(users*perUser), rev)

	for i, r := range recs {
		applied := r.ofType(events.GraphMutationApplied)
		assert.Len(t, applied, (users-1)*perUser, "user %d", i)
		var last uint64
		for _, ev := range applied {
			got := ev.Data["revision"].(uint64)
			assert.Greater(t, got, last, "user %d saw revisions out of order", i)
			last = got
		}
	}
}

func TestJoinFailsWhenSnapshotCannotBeSent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	broken := SenderFunc(func(events.Event) error { return errors.New("gone") })
	_, err := m.Join(ctx, "wf", "alice", broken)
	assert.Error(t, err)
	assert.Equal(t, 0, m.ParticipantCount())
}

func TestJoinValidationAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewManager(graph.NewStore(), WithoutSweeper())

	_, err := m.Join(ctx, "", "alice", &recorder{})
	assert.ErrorIs(t, err, ErrInvalidJoin)
	_, err = m.Join(ctx, "wf", "", &recorder{})
	assert.ErrorIs(t, err, ErrInvalidJoin)

	ja, err := m.Join(ctx, "wf", "alice", &recorder{})
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	_, err = m.Join(ctx, "wf", "bob", &recorder{})
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Mutate(ctx, ja.Token, addNode("a"))
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 0, m.ParticipantCount())
}

func TestSweeperRunsInBackground(t *testing.T) {
	ctx := context.Background()
	m := NewManager(graph.NewStore(), WithHeartbeat(10*time.Millisecond, 2))
	defer m.Close(ctx)

	alice, bob := &recorder{}, &recorder{}
	_, err := m.Join(ctx, "wf", "alice", alice)
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, m.Heartbeat(ctx, jb.Token))
		if len(bob.ofType(events.UserLeft)) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("silent participant was never dropped")
		case <-time.After(2 * time.Millisecond):
		}
	}
	assert.Equal(t, "alice", bob.ofType(events.UserLeft)[0].Data["userId"])
}

func TestSweeperDropsSoonAfterTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewManager(graph.NewStore(), WithHeartbeat(200*time.Millisecond, 2))
	defer m.Close(ctx)

	bob := &recorder{}
	silentSince := time.Now()
	_, err := m.Join(ctx, "wf", "alice", &recorder{})
	require.NoError(t, err)
	jb, err := m.Join(ctx, "wf", "bob", bob)
	require.NoError(t, err)

	var dropped time.Duration
	deadline := time.After(3 * time.Second)
	for dropped == 0 {
		require.NoError(t, m.Heartbeat(ctx, jb.Token))
		if left := bob.ofType(events.UserLeft); len(left) > 0 {
			dropped = time.Since(silentSince)
			assert.Equal(t, "alice", left[0].Data["userId"])
			assert.Equal(t, ReasonTimeout, left[0].Data["reason"])
			break
		}
		select {
		case <-deadline:
			t.Fatal("silent participant was never dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.GreaterOrEqual(t, dropped, m.Timeout())
	// one liveness period of 50ms plus scheduling slack
	assert.Less(t, dropped, m.Timeout()+150*time.Millisecond)
}
