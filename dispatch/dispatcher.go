// Package dispatch assigns graph node executions to worker teams by
// capability, priority and load, and tracks each task to a terminal status.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/workflow-collab/events"
	"github.com/songzhibin97/workflow-collab/metrics"
	"github.com/songzhibin97/workflow-collab/registry"
	"github.com/songzhibin97/workflow-collab/storage"
	"github.com/songzhibin97/workflow-collab/types"
)

// Standard error definitions
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrNoCapableWorker   = errors.New("no capable worker")
	ErrInvalidRequest    = errors.New("invalid dispatch request")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrDispatcherClosed  = errors.New("dispatcher closed")
)

// DefaultTimeout bounds a task from assignment to completion.
const DefaultTimeout = 300 * time.Second

// Request asks for one execution of a graph node.
type Request struct {
	// Identity is the rate limiting key, e.g. a workflow id or client IP.
	Identity             string
	NodeID               string
	WorkflowID           string
	RequiredCapabilities []string
	Priority             types.Priority
	// Timeout overrides the dispatcher default when positive.
	Timeout time.Duration
}

type entry struct {
	task     types.Task
	timeout  time.Duration
	item     *queued
	assigned chan struct{}
	done     chan struct{}
	timer    *time.Timer
	execCtx  context.Context
	cancel   context.CancelFunc
	released bool
}

// notice is a task change to persist and publish once the lock is dropped.
type notice struct {
	typ  string
	task types.Task
	run  *entry
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry *registry.Registry
	limiter  *RateLimiter
	ids      generator.Generator
	bus      *events.EventBus
	storage  storage.Storage
	executor Executor
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	tasks  map[string]*entry
	queue  taskQueue
	seq    uint64
	closed bool
	wg     sync.WaitGroup

	// emitMu is taken before mu is released and held while a batch of
	// notices is saved and published, so batches go out in the order mu
	// produced them. Never take mu while holding emitMu.
	emitMu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimiter limits Dispatch per Request.Identity.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = rl }
}

// WithEventBus publishes task lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithStorage persists every task change. Terminal tasks are then served
// from storage instead of memory.
func WithStorage(s storage.Storage) Option {
	return func(d *Dispatcher) { d.storage = s }
}

// WithExecutor runs assigned tasks in-process.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) { d.executor = e }
}

// WithTimeout sets the default task timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIDGenerator replaces the snowflake task id generator.
func WithIDGenerator(g generator.Generator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithClock replaces time.Now for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher over reg. Queued tasks are retried whenever reg
// reports freed capacity.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
		now:      time.Now,
		tasks:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ids == nil {
		d.ids = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	reg.OnChange(d.onCapacity)
	return d
}

// Dispatch creates a task for req and assigns it to the best free team, or
// queues it until one frees up. It fails fast with ErrRateLimited before
// looking at the registry, and with ErrNoCapableWorker when no registered
// team has every required capability; neither creates a task.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.NodeID == "" || !req.Priority.Valid() {
		metrics.RecordDispatch("invalid")
		return nil, fmt.Errorf("%w: node id and priority P0..P3 are required", ErrInvalidRequest)
	}
	if d.limiter != nil && !d.limiter.AllowAt(req.Identity, d.now()) {
		metrics.RecordDispatch("rate_limited")
		return nil, fmt.Errorf("%w: identity %q", ErrRateLimited, req.Identity)
	}
	if len(d.registry.ListMatching(req.RequiredCapabilities)) == 0 {
		metrics.RecordDispatch("no_capable_worker")
		return nil, fmt.Errorf("%w: %v", ErrNoCapableWorker, req.RequiredCapabilities)
	}

	rawID, err := d.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	e := &entry{
		task: types.Task{
			ID:                   strconv.FormatUint(rawID, 10),
			NodeID:               req.NodeID,
			WorkflowID:           req.WorkflowID,
			RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
			Priority:             req.Priority,
			Status:               types.StatusQueued,
			CreatedAt:            d.now(),
		},
		timeout:  timeout,
		assigned: make(chan struct{}),
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.tasks[e.task.ID] = e
	notes, blocked := d.drainLocked()
	result := "assigned"
	if ok, _ := d.tryAssignLocked(e, &notes, blocked); !ok {
		result = "queued"
		d.seq++
		e.item = &queued{taskID: e.task.ID, priority: e.task.Priority, caps: e.task.RequiredCapabilities, seq: d.seq}
		heap.Push(&d.queue, e.item)
		notes = append(notes, notice{typ: events.TaskQueued, task: cloneTask(e.task)})
	}
	qlen := d.queue.Len()
	d.unlockAndEmit(notes)

	metrics.RecordDispatch(result)
	metrics.SetQueueLength(qlen)
	d.logger.Debug().Str("task_id", e.task.ID).Str("node_id", req.NodeID).
		Str("priority", req.Priority.String()).Str("result", result).Msg("task dispatched")
	return &Handle{ID: e.task.ID, d: d, e: e}, nil
}

// orderCandidates keeps the registry's load ordering but moves teams whose
// tier is at least as senior as p to the front.
func orderCandidates(teams []types.WorkerTeam, p types.Priority) {
	sort.SliceStable(teams, func(i, j int) bool {
		return teams[i].PriorityTier <= p && teams[j].PriorityTier > p
	})
}

// blockedTeams maps a team to the most urgent priority waiting on it.
type blockedTeams map[string]types.Priority

// holds reports whether a task of priority p must leave team to a waiting
// task of equal or higher urgency.
func (b blockedTeams) holds(team string, p types.Priority) bool {
	w, ok := b[team]
	return ok && w <= p
}

func (b blockedTeams) add(teams []types.WorkerTeam, p types.Priority) {
	for _, t := range teams {
		if w, ok := b[t.Key]; !ok || p < w {
			b[t.Key] = p
		}
	}
}

// tryAssignLocked reserves the first free candidate for e, skipping teams a
// waiting task holds. When nothing can be reserved e's candidates become
// blocked at e's priority. It also returns the number of capable teams.
func (d *Dispatcher) tryAssignLocked(e *entry, notes *[]notice, blocked blockedTeams) (bool, int) {
	cands := d.registry.ListMatching(e.task.RequiredCapabilities)
	orderCandidates(cands, e.task.Priority)
	for _, c := range cands {
		if blocked.holds(c.Key, e.task.Priority) {
			continue
		}
		if d.registry.TryReserve(c.Key) {
			d.assignLocked(e, c.Key, notes)
			return true, len(cands)
		}
	}
	blocked.add(cands, e.task.Priority)
	return false, len(cands)
}

func (d *Dispatcher) assignLocked(e *entry, team string, notes *[]notice) {
	now := d.now()
	_ = transition(&e.task, types.StatusAssigned, now)
	e.task.AssignedTeamKey = team
	close(e.assigned)
	metrics.RecordQueueWait(now.Sub(e.task.CreatedAt))

	id := e.task.ID
	e.timer = time.AfterFunc(e.timeout, func() { d.expire(id) })

	n := notice{typ: events.TaskAssigned, task: cloneTask(e.task)}
	if d.runs(e.task) {
		e.execCtx, e.cancel = context.WithCancel(context.Background())
		d.wg.Add(1)
		n.run = e
	}
	*notes = append(*notes, n)
}

func (d *Dispatcher) runs(t types.Task) bool {
	if d.executor == nil {
		return false
	}
	if m, ok := d.executor.(TeamExecutors); ok {
		return m.handles(t)
	}
	return true
}

// drainLocked assigns queued tasks in priority order to whatever capacity
// is free. Queued tasks whose capable teams have all been deregistered
// fail with ErrNoCapableWorker.
//
// Release runs outside mu, so a slot may free up after a waiting task was
// tried. The returned set records the teams waiting tasks are blocked on;
// less urgent tasks of the pass, and the caller's, must not take them.
func (d *Dispatcher) drainLocked() ([]notice, blockedTeams) {
	var notes []notice
	blocked := make(blockedTeams)
	for _, item := range d.queue.ordered() {
		e := d.tasks[item.taskID]
		ok, capable := d.tryAssignLocked(e, &notes, blocked)
		if ok {
			d.queue.remove(item)
			e.item = nil
			continue
		}
		if capable == 0 {
			d.queue.remove(item)
			e.item = nil
			_ = transition(&e.task, types.StatusFailed, d.now())
			e.task.Error = ErrNoCapableWorker.Error()
			d.finishLocked(e)
			notes = append(notes, notice{typ: events.TaskCompleted, task: cloneTask(e.task)})
		}
	}
	return notes, blocked
}

func (d *Dispatcher) onCapacity(string) {
	d.mu.Lock()
	if d.closed || d.queue.Len() == 0 {
		d.mu.Unlock()
		return
	}
	notes, _ := d.drainLocked()
	qlen := d.queue.Len()
	d.unlockAndEmit(notes)

	metrics.SetQueueLength(qlen)
}

// finishLocked settles a task that just became terminal and returns the
// team to release, if any. Capacity is returned exactly once per task.
func (d *Dispatcher) finishLocked(e *entry) string {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	close(e.done)
	metrics.RecordTaskCompleted(e.task.AssignedTeamKey, string(e.task.Status))
	if e.released || e.task.AssignedTeamKey == "" {
		return ""
	}
	e.released = true
	return e.task.AssignedTeamKey
}

// MarkRunning records that the worker started an assigned task.
func (d *Dispatcher) MarkRunning(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := transition(&e.task, types.StatusRunning, d.now()); err != nil {
		d.mu.Unlock()
		return err
	}
	d.unlockAndEmit([]notice{{typ: events.TaskRunning, task: cloneTask(e.task)}})
	return nil
}

// Complete records the worker's completion signal. A failure result that is
// an error or string becomes the task's error message. Completing an
// assigned task records it running first.
func (d *Dispatcher) Complete(ctx context.Context, taskID string, success bool, result interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	to := types.StatusSuccess
	if !success {
		to = types.StatusFailed
	}
	if e.task.Status != types.StatusAssigned && e.task.Status != types.StatusRunning {
		err := fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, taskID, e.task.Status, to)
		d.mu.Unlock()
		return err
	}

	var notes []notice
	now := d.now()
	if e.task.Status == types.StatusAssigned {
		_ = transition(&e.task, types.StatusRunning, now)
		notes = append(notes, notice{typ: events.TaskRunning, task: cloneTask(e.task)})
	}
	_ = transition(&e.task, to, now)
	switch v := result.(type) {
	case error:
		e.task.Error = v.Error()
	case string:
		if success {
			e.task.Result = v
		} else {
			e.task.Error = v
		}
	default:
		e.task.Result = v
	}
	team := d.finishLocked(e)
	notes = append(notes, notice{typ: events.TaskCompleted, task: cloneTask(e.task)})
	d.unlockAndEmit(notes)

	d.logger.Info().Str("task_id", taskID).Str("team", team).Str("status", string(to)).Msg("task completed")
	if team != "" {
		d.registry.Release(team)
	}
	return nil
}

// Cancel removes a queued task from the queue, or marks an assigned or
// running task failed and returns its capacity. Aborting the external
// execution is the worker's business.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := transition(&e.task, types.StatusFailed, d.now()); err != nil {
		d.mu.Unlock()
		return err
	}
	if e.item != nil {
		d.queue.remove(e.item)
		e.item = nil
	}
	e.task.Error = "cancelled"
	team := d.finishLocked(e)
	n := notice{typ: events.TaskCompleted, task: cloneTask(e.task)}
	qlen := d.queue.Len()
	d.unlockAndEmit([]notice{n})

	metrics.SetQueueLength(qlen)
	d.logger.Info().Str("task_id", taskID).Str("team", team).Msg("task cancelled")
	if team != "" {
		d.registry.Release(team)
	}
	return nil
}

func (d *Dispatcher) expire(taskID string) {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	if !ok || e.task.Status.IsTerminal() || e.task.Status == types.StatusQueued {
		d.mu.Unlock()
		return
	}
	_ = transition(&e.task, types.StatusTimedOut, d.now())
	e.task.Error = fmt.Sprintf("no completion within %s", e.timeout)
	team := d.finishLocked(e)
	timeout := e.timeout
	d.unlockAndEmit([]notice{{typ: events.TaskCompleted, task: cloneTask(e.task)}})

	d.logger.Warn().Str("task_id", taskID).Str("team", team).Dur("timeout", timeout).Msg("task timed out")
	if team != "" {
		d.registry.Release(team)
	}
}

// unlockAndEmit releases mu and emits notes ahead of any batch produced
// after them. The caller must hold mu.
func (d *Dispatcher) unlockAndEmit(notes []notice) {
	if len(notes) == 0 {
		d.mu.Unlock()
		return
	}
	d.emitMu.Lock()
	d.mu.Unlock()
	persisted := d.emit(notes)
	d.emitMu.Unlock()

	for _, id := range persisted {
		d.forget(id)
	}
}

// emit persists and publishes task changes in order, then starts executors.
// It returns the ids of terminal tasks that reached storage.
func (d *Dispatcher) emit(notes []notice) []string {
	ctx := context.Background()
	var persisted []string
	for _, n := range notes {
		if d.storage != nil {
			if err := d.storage.SaveTask(ctx, n.task); err != nil {
				d.logger.Error().Err(err).Str("task_id", n.task.ID).Msg("failed to save task")
			} else if n.task.Status.IsTerminal() {
				persisted = append(persisted, n.task.ID)
			}
		}
		if d.bus != nil {
			err := d.bus.Publish(ctx, events.Event{
				Type:    n.typ,
				Subject: n.task.ID,
				Data: map[string]interface{}{
					"task":   n.task,
					"status": string(n.task.Status),
				},
			})
			if err != nil && !errors.Is(err, events.ErrNoHandler) {
				d.logger.Warn().Err(err).Str("task_id", n.task.ID).Str("event", n.typ).Msg("failed to publish task event")
			}
		}
		if n.run != nil {
			go d.execute(n.run)
		}
	}
	return persisted
}

// forget drops a persisted terminal task from memory.
func (d *Dispatcher) forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.tasks[taskID]; ok && e.task.Status.IsTerminal() {
		delete(d.tasks, taskID)
	}
}

func (d *Dispatcher) execute(e *entry) {
	defer d.wg.Done()

	d.mu.Lock()
	id := e.task.ID
	ctx := e.execCtx
	d.mu.Unlock()

	if err := d.MarkRunning(ctx, id); err != nil {
		return
	}
	d.mu.Lock()
	task := cloneTask(e.task)
	d.mu.Unlock()

	result, err := d.executor.Execute(ctx, task)
	if err != nil {
		_ = d.Complete(context.Background(), id, false, err)
		return
	}
	_ = d.Complete(context.Background(), id, true, result)
}

// Get returns a task from memory, falling back to storage.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (types.Task, error) {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	var t types.Task
	if ok {
		t = cloneTask(e.task)
	}
	d.mu.Unlock()
	if ok {
		return t, nil
	}
	if d.storage != nil {
		t, err := d.storage.GetTask(ctx, taskID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, storage.ErrTaskNotFound) {
			return types.Task{}, err
		}
	}
	return types.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// List returns the in-memory tasks of workflowID, or all of them when
// workflowID is empty, oldest first.
func (d *Dispatcher) List(workflowID string) []types.Task {
	d.mu.Lock()
	out := make([]types.Task, 0, len(d.tasks))
	for _, e := range d.tasks {
		if workflowID == "" || e.task.WorkflowID == workflowID {
			out = append(out, cloneTask(e.task))
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// QueueLen returns the number of tasks waiting for capacity.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Close fails every queued task, stops pending timeouts and cancels running
// executors, then waits for them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var notes []notice
	for d.queue.Len() > 0 {
		item := heap.Pop(&d.queue).(*queued)
		e := d.tasks[item.taskID]
		e.item = nil
		_ = transition(&e.task, types.StatusFailed, d.now())
		e.task.Error = ErrDispatcherClosed.Error()
		d.finishLocked(e)
		notes = append(notes, notice{typ: events.TaskCompleted, task: cloneTask(e.task)})
	}
	for _, e := range d.tasks {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
	}
	d.unlockAndEmit(notes)

	metrics.SetQueueLength(0)
	d.wg.Wait()
}

func cloneTask(t types.Task) types.Task {
	t.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return t
}
