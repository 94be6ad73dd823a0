// Package graph holds the authoritative node/edge graph of each workflow and
// the mutation rules applied to it.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/workflow-collab/types"
)

// Mutation rejections.
var (
	ErrInvalidEndpoint  = errors.New("edge references a missing node")
	ErrInvalidMutation  = errors.New("invalid mutation")
	ErrNodeExists       = errors.New("node already exists")
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeExists       = errors.New("edge already exists")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrInvalidNodeData  = errors.New("invalid node data")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Result describes the outcome of applying one mutation.
type Result struct {
	Accepted bool
	Reason   string
	Err      error
	// Applied is what replicas must apply, in order. A removeNode expands
	// into one removeEdge per cascaded edge followed by the removeNode.
	Applied []types.Mutation
	// Revision is the document revision after the mutation. Set by Store.
	Revision uint64
}

// Code returns the wire code of a rejection error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEndpoint):
		return "InvalidEndpoint"
	case errors.Is(err, ErrNodeExists), errors.Is(err, ErrEdgeExists):
		return "Conflict"
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrEdgeNotFound), errors.Is(err, ErrWorkflowNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidNodeData):
		return "InvalidNodeData"
	default:
		return "InvalidMutation"
	}
}

func reject(err error) Result {
	return Result{Reason: err.Error(), Err: err}
}

func accept(applied ...types.Mutation) Result {
	return Result{Accepted: true, Applied: applied}
}

// Apply applies m to g in place. A rejected mutation leaves g untouched.
// v may be nil, in which case node data is not validated.
func Apply(g *types.Graph, m types.Mutation, v Validator) Result {
	switch m.Kind {
	case types.MutAddNode:
		return addNode(g, m, v)
	case types.MutRemoveNode:
		return removeNode(g, m)
	case types.MutUpdateNode:
		return updateNode(g, m, v)
	case types.MutMoveNode:
		return moveNode(g, m)
	case types.MutAddEdge:
		return addEdge(g, m)
	case types.MutRemoveEdge:
		return removeEdge(g, m)
	case types.MutSetViewport:
		return setViewport(g, m)
	default:
		return reject(fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind))
	}
}

func addNode(g *types.Graph, m types.Mutation, v Validator) Result {
	if m.Node == nil || m.Node.ID == "" {
		return reject(fmt.Errorf("%w: addNode requires a node with an id", ErrInvalidMutation))
	}
	if !m.Node.Type.Valid() {
		return reject(fmt.Errorf("%w: unknown node type %q", ErrInvalidMutation, m.Node.Type))
	}
	if _, ok := g.Nodes[m.Node.ID]; ok {
		return reject(fmt.Errorf("%w: %s", ErrNodeExists, m.Node.ID))
	}
	node := *m.Node
	node.Data = types.CopyData(node.Data)
	if node.Data == nil {
		node.Data = make(map[string]interface{})
	}
	if v != nil {
		if err := v.Validate(node.Type, node.Data); err != nil {
			return reject(err)
		}
	}
	g.Nodes[node.ID] = node
	m.Node = &node
	return accept(m)
}

func removeNode(g *types.Graph, m types.Mutation) Result {
	if m.NodeID == "" {
		return reject(fmt.Errorf("%w: removeNode requires nodeId", ErrInvalidMutation))
	}
	if _, ok := g.Nodes[m.NodeID]; !ok {
		return accept()
	}

	var cascade []string
	for id, e := range g.Edges {
		if e.SourceNodeID == m.NodeID || e.TargetNodeID == m.NodeID {
			cascade = append(cascade, id)
		}
	}
	sort.Strings(cascade)

	applied := make([]types.Mutation, 0, len(cascade)+1)
	for _, id := range cascade {
		delete(g.Edges, id)
		applied = append(applied, types.Mutation{Kind: types.MutRemoveEdge, EdgeID: id})
	}
	delete(g.Nodes, m.NodeID)
	return accept(append(applied, m)...)
}

// updateNode merges m.Data into the node's data key by key. A nil value
// deletes the key.
func updateNode(g *types.Graph, m types.Mutation, v Validator) Result {
	node, ok := g.Nodes[m.NodeID]
	if !ok {
		return reject(fmt.Errorf("%w: %s", ErrNodeNotFound, m.NodeID))
	}
	merged := types.CopyData(node.Data)
	if merged == nil {
		merged = make(map[string]interface{}, len(m.Data))
	}
	for k, val := range m.Data {
		if val == nil {
			delete(merged, k)
			continue
		}
		merged[k] = val
	}
	if v != nil {
		if err := v.Validate(node.Type, merged); err != nil {
			return reject(err)
		}
	}
	node.Data = merged
	g.Nodes[node.ID] = node
	return accept(m)
}

func moveNode(g *types.Graph, m types.Mutation) Result {
	if m.Position == nil {
		return reject(fmt.Errorf("%w: moveNode requires position", ErrInvalidMutation))
	}
	node, ok := g.Nodes[m.NodeID]
	if !ok {
		return reject(fmt.Errorf("%w: %s", ErrNodeNotFound, m.NodeID))
	}
	node.Position = *m.Position
	g.Nodes[node.ID] = node
	return accept(m)
}

func addEdge(g *types.Graph, m types.Mutation) Result {
	if m.Edge == nil || m.Edge.ID == "" {
		return reject(fmt.Errorf("%w: addEdge requires an edge with an id", ErrInvalidMutation))
	}
	e := *m.Edge
	if _, ok := g.Edges[e.ID]; ok {
		return reject(fmt.Errorf("%w: %s", ErrEdgeExists, e.ID))
	}
	if _, ok := g.Nodes[e.SourceNodeID]; !ok {
		return reject(fmt.Errorf("%w: source %q", ErrInvalidEndpoint, e.SourceNodeID))
	}
	if _, ok := g.Nodes[e.TargetNodeID]; !ok {
		return reject(fmt.Errorf("%w: target %q", ErrInvalidEndpoint, e.TargetNodeID))
	}
	g.Edges[e.ID] = e
	m.Edge = &e
	return accept(m)
}

func removeEdge(g *types.Graph, m types.Mutation) Result {
	if _, ok := g.Edges[m.EdgeID]; !ok {
		return reject(fmt.Errorf("%w: %s", ErrEdgeNotFound, m.EdgeID))
	}
	delete(g.Edges, m.EdgeID)
	return accept(m)
}

func setViewport(g *types.Graph, m types.Mutation) Result {
	if m.Viewport == nil || m.Viewport.Zoom <= 0 {
		return reject(fmt.Errorf("%w: setViewport requires a positive zoom", ErrInvalidMutation))
	}
	g.Viewport = *m.Viewport
	return accept(m)
}

// Dangling returns the ids of edges whose endpoints are missing from g.
func Dangling(g *types.Graph) []string {
	var out []string
	for id, e := range g.Edges {
		_, src := g.Nodes[e.SourceNodeID]
		_, dst := g.Nodes[e.TargetNodeID]
		if !src || !dst {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
