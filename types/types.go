package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType classifies a graph node.
type NodeType string

// Node types accepted on the canvas.
const (
	NodeTrigger   NodeType = "trigger"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeTeam      NodeType = "team"
	NodeAI        NodeType = "ai"
	NodeCustom    NodeType = "custom"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTrigger, NodeAction, NodeCondition, NodeTeam, NodeAI, NodeCustom:
		return true
	}
	return false
}

// Position is a point on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible area of the canvas.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Node represents a node in the workflow graph.
type Node struct {
	ID       string                 `json:"id"`
	Type     NodeType               `json:"type"`
	Position Position               `json:"position"`
	Data     map[string]interface{} `json:"data"`
}

// Edge connects two nodes of the same graph.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Graph is the node/edge structure of one workflow.
type Graph struct {
	Nodes    map[string]Node `json:"nodes"`
	Edges    map[string]Edge `json:"edges"`
	Viewport Viewport        `json:"viewport"`
}

// NewGraph returns an empty graph with a unit zoom viewport.
func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]Node),
		Edges:    make(map[string]Edge),
		Viewport: Viewport{Zoom: 1},
	}
}

// Clone returns a deep copy of g. Node data maps are copied one level deep.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return NewGraph()
	}
	out := &Graph{
		Nodes:    make(map[string]Node, len(g.Nodes)),
		Edges:    make(map[string]Edge, len(g.Edges)),
		Viewport: g.Viewport,
	}
	for id, n := range g.Nodes {
		n.Data = CopyData(n.Data)
		out.Nodes[id] = n
	}
	for id, e := range g.Edges {
		out.Edges[id] = e
	}
	return out
}

// CopyData returns a shallow copy of a node data map; nil stays nil.
func CopyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// MutationKind names a graph mutation.
type MutationKind string

// Mutation kinds.
const (
	MutAddNode     MutationKind = "addNode"
	MutRemoveNode  MutationKind = "removeNode"
	MutUpdateNode  MutationKind = "updateNode"
	MutMoveNode    MutationKind = "moveNode"
	MutAddEdge     MutationKind = "addEdge"
	MutRemoveEdge  MutationKind = "removeEdge"
	MutSetViewport MutationKind = "setViewport"
)

// Mutation is an atomic, named change to a graph. Only the fields relevant
// to Kind are read.
type Mutation struct {
	ID       string                 `json:"id,omitempty"`
	Kind     MutationKind           `json:"kind"`
	Node     *Node                  `json:"node,omitempty"`
	NodeID   string                 `json:"nodeId,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Position *Position              `json:"position,omitempty"`
	Edge     *Edge                  `json:"edge,omitempty"`
	EdgeID   string                 `json:"edgeId,omitempty"`
	Viewport *Viewport              `json:"viewport,omitempty"`
}

// Participant is one user editing a workflow.
type Participant struct {
	UserID    string    `json:"userId"`
	Cursor    Position  `json:"cursorPosition"`
	Selection []string  `json:"selection"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Priority is a coarse urgency class, P0 being the most urgent.
type Priority int

// Priority tiers.
const (
	P0 Priority = iota
	P1
	P2
	P3
)

// String returns "P0".."P3".
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is within P0..P3.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P3
}

// ParsePriority parses "P0".."P3" (case-insensitive) or a bare digit.
func ParsePriority(s string) (Priority, error) {
	if len(s) == 2 && (s[0] == 'P' || s[0] == 'p') {
		s = s[1:]
	}
	if len(s) == 1 && s[0] >= '0' && s[0] <= '3' {
		return Priority(s[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid priority %q", s)
}

// MarshalJSON encodes the priority as "P<n>".
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts "P<n>" or a bare number.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid priority %s", string(b))
		}
		s = fmt.Sprint(n)
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalYAML encodes the priority as "P<n>".
func (p Priority) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML accepts "P<n>" or a bare number.
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// WorkerTeam is a capability-tagged execution pool.
type WorkerTeam struct {
	Key                string   `json:"key" yaml:"key"`
	Capabilities       []string `json:"capabilities" yaml:"capabilities"`
	PriorityTier       Priority `json:"priorityTier" yaml:"priority_tier"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks" yaml:"max_concurrent_tasks"`
	CurrentLoad        int      `json:"currentLoad" yaml:"-"`
}

// LoadRatio is CurrentLoad / MaxConcurrentTasks.
func (t WorkerTeam) LoadRatio() float64 {
	if t.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(t.CurrentLoad) / float64(t.MaxConcurrentTasks)
}

// HasAll reports whether the team advertises every capability in caps.
func (t WorkerTeam) HasAll(caps []string) bool {
	for _, c := range caps {
		found := false
		for _, own := range t.Capabilities {
			if own == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task states.
const (
	StatusQueued   TaskStatus = "queued"
	StatusAssigned TaskStatus = "assigned"
	StatusRunning  TaskStatus = "running"
	StatusSuccess  TaskStatus = "success"
	StatusFailed   TaskStatus = "failed"
	StatusTimedOut TaskStatus = "timed_out"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Task is one request to execute a single graph node.
type Task struct {
	ID                   string      `json:"id"`
	NodeID               string      `json:"nodeId"`
	WorkflowID           string      `json:"workflowId,omitempty"`
	RequiredCapabilities []string    `json:"requiredCapabilities"`
	Priority             Priority    `json:"priority"`
	Status               TaskStatus  `json:"status"`
	AssignedTeamKey      string      `json:"assignedTeamKey,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	AssignedAt           *time.Time  `json:"assignedAt,omitempty"`
	StartedAt            *time.Time  `json:"startedAt,omitempty"`
	CompletedAt          *time.Time  `json:"completedAt,omitempty"`
	Result               interface{} `json:"result,omitempty"`
	Error                string      `json:"error,omitempty"`
}
