package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"P0", P0, false},
		{"p2", P2, false},
		{"3", P3, false},
		{"P4", 0, true},
		{"high", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriorityJSON(t *testing.T) {
	b, err := json.Marshal(P1)
	require.NoError(t, err)
	assert.Equal(t, `"P1"`, string(b))

	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"P3"`), &p))
	assert.Equal(t, P3, p)
	require.NoError(t, json.Unmarshal([]byte(`2`), &p))
	assert.Equal(t, P2, p)
	assert.Error(t, json.Unmarshal([]byte(`7`), &p))
	assert.Error(t, json.Unmarshal([]byte(`true`), &p))
}

func TestPriorityYAML(t *testing.T) {
	var team WorkerTeam
	require.NoError(t, yaml.Unmarshal([]byte("key: x\npriority_tier: P0\n"), &team))
	assert.Equal(t, P0, team.PriorityTier)
	require.NoError(t, yaml.Unmarshal([]byte("key: x\npriority_tier: 2\n"), &team))
	assert.Equal(t, P2, team.PriorityTier)

	out, err := yaml.Marshal(WorkerTeam{Key: "x", PriorityTier: P1})
	require.NoError(t, err)
	assert.Contains(t, string(out), "priority_tier: P1")
	assert.NotContains(t, string(out), "currentload")
}

func TestWorkerTeam(t *testing.T) {
	team := WorkerTeam{Capabilities: []string{"a", "b"}, MaxConcurrentTasks: 4, CurrentLoad: 1}
	assert.True(t, team.HasAll(nil))
	assert.True(t, team.HasAll([]string{"b", "a"}))
	assert.False(t, team.HasAll([]string{"a", "c"}))
	assert.InDelta(t, 0.25, team.LoadRatio(), 1e-9)
	assert.Equal(t, 1.0, WorkerTeam{}.LoadRatio())
}

func TestTaskStatusIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusQueued, StatusAssigned, StatusRunning} {
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []TaskStatus{StatusSuccess, StatusFailed, StatusTimedOut} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestGraphClone(t *testing.T) {
	g := NewGraph()
	g.Nodes["a"] = Node{ID: "a", Type: NodeAction, Data: map[string]interface{}{"k": "v"}}
	g.Edges["e"] = Edge{ID: "e", SourceNodeID: "a", TargetNodeID: "a"}

	c := g.Clone()
	c.Nodes["a"].Data["k"] = "changed"
	delete(c.Edges, "e")

	assert.Equal(t, "v", g.Nodes["a"].Data["k"])
	assert.Contains(t, g.Edges, "e")
	assert.Equal(t, 1.0, c.Viewport.Zoom)

	var nilGraph *Graph
	assert.Empty(t, nilGraph.Clone().Nodes)
}

func TestNodeTypeValid(t *testing.T) {
	assert.True(t, NodeCondition.Valid())
	assert.False(t, NodeType("loop").Valid())
}
