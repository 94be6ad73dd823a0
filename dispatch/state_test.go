package dispatch

import (
	"container/heap"
	"testing"
	"time"

	"github.com/songzhibin97/workflow-collab/types"
	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to types.TaskStatus
		ok       bool
	}{
		{types.StatusQueued, types.StatusAssigned, true},
		{types.StatusQueued, types.StatusFailed, true},
		{types.StatusQueued, types.StatusRunning, false},
		{types.StatusQueued, types.StatusSuccess, false},
		{types.StatusAssigned, types.StatusRunning, true},
		{types.StatusAssigned, types.StatusTimedOut, true},
		{types.StatusAssigned, types.StatusFailed, true},
		{types.StatusAssigned, types.StatusSuccess, false},
		{types.StatusAssigned, types.StatusQueued, false},
		{types.StatusRunning, types.StatusSuccess, true},
		{types.StatusRunning, types.StatusFailed, true},
		{types.StatusRunning, types.StatusTimedOut, true},
		{types.StatusRunning, types.StatusAssigned, false},
		{types.StatusSuccess, types.StatusFailed, false},
		{types.StatusTimedOut, types.StatusSuccess, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			task := types.Task{ID: "t", Status: tt.from}
			err := transition(&task, tt.to, time.Now())
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, task.Status)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, task.Status)
			}
		})
	}
}

func TestTransitionTimestamps(t *testing.T) {
	now := time.Unix(100, 0)
	task := types.Task{Status: types.StatusQueued}
	assert.NoError(t, transition(&task, types.StatusAssigned, now))
	assert.NoError(t, transition(&task, types.StatusRunning, now.Add(time.Second)))
	assert.NoError(t, transition(&task, types.StatusSuccess, now.Add(2*time.Second)))
	assert.Equal(t, now, *task.AssignedAt)
	assert.Equal(t, now.Add(time.Second), *task.StartedAt)
	assert.Equal(t, now.Add(2*time.Second), *task.CompletedAt)
}

func TestTaskQueueOrder(t *testing.T) {
	var q taskQueue
	items := []*queued{
		{taskID: "p2-a", priority: types.P2, seq: 1},
		{taskID: "p0", priority: types.P0, seq: 2},
		{taskID: "p2-b", priority: types.P2, seq: 3},
		{taskID: "p1", priority: types.P1, seq: 4},
	}
	for _, it := range items {
		heap.Push(&q, it)
	}

	var ids []string
	for _, it := range q.ordered() {
		ids = append(ids, it.taskID)
	}
	assert.Equal(t, []string{"p0", "p1", "p2-a", "p2-b"}, ids)
	assert.Equal(t, 4, q.Len(), "ordered does not consume the queue")

	q.remove(items[1])
	q.remove(items[1])
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, "p1", heap.Pop(&q).(*queued).taskID)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(0, 0)

	assert.True(t, rl.AllowAt("a", now))
	assert.True(t, rl.AllowAt("a", now))
	assert.False(t, rl.AllowAt("a", now))
	assert.True(t, rl.AllowAt("b", now))
	assert.True(t, rl.AllowAt("a", now.Add(time.Second)))

	assert.Equal(t, 1, rl.Sweep(now.Add(500*time.Millisecond)))
	assert.Equal(t, 0, rl.Sweep(now))

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.AllowAt("a", now))
	}
}
