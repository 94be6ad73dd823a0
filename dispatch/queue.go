package dispatch

import (
	"container/heap"

	"github.com/songzhibin97/workflow-collab/types"
)

// queued is a task waiting for a free team slot.
type queued struct {
	taskID   string
	priority types.Priority
	caps     []string
	seq      uint64
	index    int
}

// taskQueue orders waiting tasks by priority tier, then arrival.
type taskQueue []*queued

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// remove deletes item from the queue if it is still queued.
func (q *taskQueue) remove(item *queued) {
	if item.index >= 0 && item.index < q.Len() && (*q)[item.index] == item {
		heap.Remove(q, item.index)
	}
}

// ordered returns the queued items in dispatch order without modifying q.
func (q taskQueue) ordered() []*queued {
	h := make(orderHeap, len(q))
	copy(h, q)
	heap.Init(&h)
	items := make([]*queued, 0, len(h))
	for h.Len() > 0 {
		items = append(items, heap.Pop(&h).(*queued))
	}
	return items
}

// orderHeap is taskQueue without index bookkeeping, used for ordered reads.
type orderHeap []*queued

func (h orderHeap) Len() int            { return len(h) }
func (h orderHeap) Less(i, j int) bool  { return taskQueue(h).Less(i, j) }
func (h orderHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *orderHeap) Push(x interface{}) { *h = append(*h, x.(*queued)) }
func (h *orderHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
