package registry

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/workflow-collab/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func team(key string, tier types.Priority, max int, caps ...string) types.WorkerTeam {
	return types.WorkerTeam{Key: key, Capabilities: caps, PriorityTier: tier, MaxConcurrentTasks: max}
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	tests := []struct {
		name string
		team types.WorkerTeam
	}{
		{"empty key", team("", types.P0, 1, "x")},
		{"no capabilities", team("a", types.P0, 1)},
		{"zero limit", team("a", types.P0, 0, "x")},
		{"bad tier", team("a", types.Priority(7), 1, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Register(tt.team), ErrInvalidTeam)
		})
	}
	assert.Empty(t, r.List())
}

func TestReRegisterKeepsLoad(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(team("a", types.P1, 2, "x")))
	require.True(t, r.TryReserve("a"))

	require.NoError(t, r.Register(team("a", types.P0, 5, "x", "y")))
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLoad)
	assert.Equal(t, 5, got.MaxConcurrentTasks)
	assert.Equal(t, []string{"x", "y"}, got.Capabilities)
}

func TestDeregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(team("a", types.P1, 1, "x")))
	require.True(t, r.TryReserve("a"))
	require.NoError(t, r.Deregister("a"))
	assert.ErrorIs(t, r.Deregister("a"), ErrTeamNotFound)

	_, err := r.Get("a")
	assert.ErrorIs(t, err, ErrTeamNotFound)
	assert.False(t, r.TryReserve("a"))
	r.Release("a") // settles the slot held across deregistration

	require.NoError(t, r.Register(team("a", types.P1, 1, "x")))
	assert.True(t, r.TryReserve("a"))
}

func TestReRegisterCountsSlotsStillHeld(t *testing.T) {
	r := New()
	load := func() int {
		got, err := r.Get("a")
		require.NoError(t, err)
		return got.CurrentLoad
	}
	require.NoError(t, r.Register(team("a", types.P1, 2, "x")))
	require.True(t, r.TryReserve("a"))
	require.True(t, r.TryReserve("a"))
	require.NoError(t, r.Deregister("a"))

	// one of the old tasks finishes while the team is gone
	r.Release("a")

	require.NoError(t, r.Register(team("a", types.P1, 2, "x")))
	assert.Equal(t, 1, load())
	assert.True(t, r.TryReserve("a"))
	assert.False(t, r.TryReserve("a"), "the old task still holds a slot")

	r.Release("a") // the last old task
	r.Release("a")
	r.Release("a") // extra releases stay floored
	assert.Equal(t, 0, load())

	require.NoError(t, r.Deregister("a"))
	require.NoError(t, r.Register(team("a", types.P1, 2, "x")))
	assert.Equal(t, 0, load(), "nothing held after an idle deregistration")
}

func TestListByCapabilityOrdering(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(team("c", types.P1, 4, "x")))
	require.NoError(t, r.Register(team("b", types.P2, 2, "x")))
	require.NoError(t, r.Register(team("a", types.P2, 2, "x")))
	require.NoError(t, r.Register(team("d", types.P0, 1, "y")))

	keys := func(ts []types.WorkerTeam) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Key)
		}
		return out
	}

	// all idle: tier, then key
	assert.Equal(t, []string{"c", "a", "b"}, keys(r.ListByCapability("x")))

	// c at 1/4, a at 1/2, b idle
	require.True(t, r.TryReserve("c"))
	require.True(t, r.TryReserve("a"))
	assert.Equal(t, []string{"b", "c", "a"}, keys(r.ListByCapability("x")))

	assert.Empty(t, r.ListMatching([]string{"x", "y"}))
	assert.Equal(t, []string{"d"}, keys(r.ListMatching([]string{"y"})))
}

func TestTryReserveAndRelease(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(team("a", types.P1, 2, "x")))

	assert.True(t, r.TryReserve("a"))
	assert.True(t, r.TryReserve("a"))
	assert.False(t, r.TryReserve("a"))
	assert.False(t, r.TryReserve("missing"))

	r.Release("a")
	r.Release("a")
	r.Release("a") // floored at zero
	got, _ := r.Get("a")
	assert.Equal(t, 0, got.CurrentLoad)
}

func TestOnChangeFiresOutsideLock(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(team("a", types.P1, 1, "x")))

	var fired []string
	r.OnChange(func(key string) {
		// re-entering the registry must not deadlock
		_, _ = r.Get(key)
		fired = append(fired, key)
	})
	require.True(t, r.TryReserve("a"))
	r.Release("a")
	require.NoError(t, r.Register(team("b", types.P1, 1, "x")))
	r.Release("missing")
	require.NoError(t, r.Deregister("a"))

	assert.Equal(t, []string{"a", "b", "a"}, fired)
}

func TestConcurrentReserveNeverExceedsLimit(t *testing.T) {
	r := New()
	const max = 7
	require.NoError(t, r.Register(team("a", types.P1, max, "x")))

	var (
		wg      sync.WaitGroup
		current int64
		peak    int64
		granted int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !r.TryReserve("a") {
					continue
				}
				atomic.AddInt64(&granted, 1)
				n := atomic.AddInt64(&current, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				got, _ := r.Get("a")
				if got.CurrentLoad > max {
					t.Errorf("load %d exceeds %d", got.CurrentLoad, max)
				}
				atomic.AddInt64(&current, -1)
				r.Release("a")
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(max))
	assert.Greater(t, atomic.LoadInt64(&granted), int64(0))
	got, _ := r.Get("a")
	assert.Equal(t, 0, got.CurrentLoad)
}

func TestLoads(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterAll(DefaultCatalog()))
	require.True(t, r.TryReserve("healthcare_specialists"))

	loads := r.Loads()
	require.Len(t, loads, 5)
	assert.Equal(t, Load{CurrentLoad: 1, MaxLoad: 5, UtilizationPercent: 20}, loads["healthcare_specialists"])
	assert.Equal(t, 0.0, loads["business_automation"].UtilizationPercent)
}

func TestParseCatalog(t *testing.T) {
	teams, err := ParseCatalog([]byte(`
teams:
  - key: research
    capabilities: [web_search, summarize]
    priority_tier: P0
    max_concurrent_tasks: 3
  - key: batch
    capabilities: [summarize]
    priority_tier: 2
    max_concurrent_tasks: 10
`))
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, team("research", types.P0, 3, "web_search", "summarize"), teams[0])
	assert.Equal(t, types.P2, teams[1].PriorityTier)

	_, err = ParseCatalog([]byte("teams:\n  - key: a\n    capabilities: [x]\n    max_concurrent_tasks: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidTeam)

	_, err = ParseCatalog([]byte("teams:\n  - {key: a, capabilities: [x], max_concurrent_tasks: 1}\n  - {key: a, capabilities: [y], max_concurrent_tasks: 1}\n"))
	assert.ErrorIs(t, err, ErrInvalidTeam)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("teams:\n  - {key: a, capabilities: [x], priority_tier: P3, max_concurrent_tasks: 1}\n"), 0o600))

	teams, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, types.P3, teams[0].PriorityTier)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
