// Package registry keeps the catalog of worker teams and their live load
// counters.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/metrics"
	"github.com/songzhibin97/workflow-collab/types"
)

var (
	// ErrTeamNotFound is returned for an unknown team key.
	ErrTeamNotFound = errors.New("team not found")
	// ErrInvalidTeam is returned when a team definition is incomplete.
	ErrInvalidTeam = errors.New("invalid team")
)

// Load is the utilization of one team.
type Load struct {
	CurrentLoad        int     `json:"current_load"`
	MaxLoad            int     `json:"max_load"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Registry is safe for concurrent use. Every load change happens under one
// mutex, so currentLoad can never exceed maxConcurrentTasks.
type Registry struct {
	mu    sync.Mutex
	teams map[string]*types.WorkerTeam
	// held counts slots still reserved on deregistered teams. They carry
	// over when the key is registered again.
	held     map[string]int
	onChange []func(teamKey string)
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		teams:  make(map[string]*types.WorkerTeam),
		held:   make(map[string]int),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange adds a hook called after a release, registration or
// deregistration changes what capacity exists. Hooks run outside the
// registry lock and may call back into it.
func (r *Registry) OnChange(f func(teamKey string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, f)
}

func (r *Registry) notify(key string) {
	r.mu.Lock()
	hooks := make([]func(string), len(r.onChange))
	copy(hooks, r.onChange)
	r.mu.Unlock()
	for _, f := range hooks {
		f(key)
	}
}

func validate(team types.WorkerTeam) error {
	if team.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidTeam)
	}
	if len(team.Capabilities) == 0 {
		return fmt.Errorf("%w: team %s has no capabilities", ErrInvalidTeam, team.Key)
	}
	if team.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("%w: team %s maxConcurrentTasks must be positive", ErrInvalidTeam, team.Key)
	}
	if !team.PriorityTier.Valid() {
		return fmt.Errorf("%w: team %s has priority tier %s", ErrInvalidTeam, team.Key, team.PriorityTier)
	}
	return nil
}

// Register adds or replaces a team definition. A re-registered team keeps
// its current load, including slots still held from before a deregistration.
func (r *Registry) Register(team types.WorkerTeam) error {
	if err := validate(team); err != nil {
		return err
	}
	caps := make([]string, len(team.Capabilities))
	copy(caps, team.Capabilities)
	team.Capabilities = caps

	r.mu.Lock()
	if old, ok := r.teams[team.Key]; ok {
		team.CurrentLoad = old.CurrentLoad
	} else {
		team.CurrentLoad = r.held[team.Key]
		delete(r.held, team.Key)
	}
	r.teams[team.Key] = &team
	metrics.SetTeamLoad(team.Key, team.CurrentLoad)
	r.mu.Unlock()

	r.logger.Info().Str("team", team.Key).Strs("capabilities", team.Capabilities).
		Int("max_concurrent_tasks", team.MaxConcurrentTasks).Msg("team registered")
	r.notify(team.Key)
	return nil
}

// Deregister removes a team. Slots its tasks still hold stay counted until
// they are released.
func (r *Registry) Deregister(key string) error {
	r.mu.Lock()
	t, ok := r.teams[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTeamNotFound, key)
	}
	if t.CurrentLoad > 0 {
		r.held[key] = t.CurrentLoad
	}
	delete(r.teams, key)
	metrics.DeleteTeam(key)
	r.mu.Unlock()

	r.logger.Info().Str("team", key).Msg("team deregistered")
	r.notify(key)
	return nil
}

// Get returns a copy of the team.
func (r *Registry) Get(key string) (types.WorkerTeam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[key]
	if !ok {
		return types.WorkerTeam{}, fmt.Errorf("%w: %s", ErrTeamNotFound, key)
	}
	return copyTeam(t), nil
}

// List returns every team ordered by key.
func (r *Registry) List() []types.WorkerTeam {
	r.mu.Lock()
	out := make([]types.WorkerTeam, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, copyTeam(t))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ListByCapability returns the teams advertising capability, least loaded
// first.
func (r *Registry) ListByCapability(capability string) []types.WorkerTeam {
	return r.ListMatching([]string{capability})
}

// ListMatching returns the teams whose capabilities are a superset of caps,
// ordered by load ratio, then priority tier, then key.
func (r *Registry) ListMatching(caps []string) []types.WorkerTeam {
	r.mu.Lock()
	var out []types.WorkerTeam
	for _, t := range r.teams {
		if t.HasAll(caps) {
			out = append(out, copyTeam(t))
		}
	}
	r.mu.Unlock()
	SortByLoad(out)
	return out
}

// SortByLoad orders teams by ascending load ratio, then priority tier, then
// key.
func SortByLoad(teams []types.WorkerTeam) {
	sort.Slice(teams, func(i, j int) bool {
		a, b := teams[i], teams[j]
		// compare a.load/a.max and b.load/b.max without float rounding
		la := a.CurrentLoad * b.MaxConcurrentTasks
		lb := b.CurrentLoad * a.MaxConcurrentTasks
		if la != lb {
			return la < lb
		}
		if a.PriorityTier != b.PriorityTier {
			return a.PriorityTier < b.PriorityTier
		}
		return a.Key < b.Key
	})
}

// TryReserve increments the team load if it is below its limit.
func (r *Registry) TryReserve(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[key]
	if !ok || t.CurrentLoad >= t.MaxConcurrentTasks {
		return false
	}
	t.CurrentLoad++
	metrics.SetTeamLoad(key, t.CurrentLoad)
	return true
}

// Release decrements the team load, floored at zero. Releasing a slot of a
// deregistered team only settles its held count.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	t, ok := r.teams[key]
	switch {
	case ok && t.CurrentLoad > 0:
		t.CurrentLoad--
		metrics.SetTeamLoad(key, t.CurrentLoad)
	case !ok && r.held[key] > 0:
		r.held[key]--
		if r.held[key] == 0 {
			delete(r.held, key)
		}
	}
	r.mu.Unlock()
	if ok {
		r.notify(key)
	}
}

// Loads reports the utilization of every team.
func (r *Registry) Loads() map[string]Load {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Load, len(r.teams))
	for k, t := range r.teams {
		out[k] = Load{
			CurrentLoad:        t.CurrentLoad,
			MaxLoad:            t.MaxConcurrentTasks,
			UtilizationPercent: float64(t.CurrentLoad*100) / float64(t.MaxConcurrentTasks),
		}
	}
	return out
}

func copyTeam(t *types.WorkerTeam) types.WorkerTeam {
	out := *t
	out.Capabilities = append([]string(nil), t.Capabilities...)
	return out
}
