// Package viz holds the render-friendly view of the estimated map: a pose
// graph of keyframe nodes and factor edges, snapshotted for consumption by a
// display subsystem that polls asynchronously.
package viz

import (
	"context"
	"sort"
	"time"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/spatialmath"
)

// Node is one keyframe's latest solved pose plus, when the state vector
// carries velocities, its twist.
type Node struct {
	Pose     spatialmath.Pose
	Twist    spatialmath.Twist
	HasTwist bool
}

// Edge records factor adjacency between two keyframes for rendering.
type Edge struct {
	From, To factor.FrameID
}

// PoseGraph is the mutable map view owned by the backend. It is not
// goroutine-safe; the backend guards it with its viz lock and hands out deep
// copies.
type PoseGraph struct {
	Nodes map[factor.FrameID]Node
	Edges []Edge
}

// NewPoseGraph returns an empty graph.
func NewPoseGraph() *PoseGraph {
	return &PoseGraph{Nodes: map[factor.FrameID]Node{}}
}

// SetNode installs or refreshes a node.
func (g *PoseGraph) SetNode(id factor.FrameID, n Node) {
	g.Nodes[id] = n
}

// AddEdge records an adjacency; duplicates are fine and cheap to render.
func (g *PoseGraph) AddEdge(from, to factor.FrameID) {
	g.Edges = append(g.Edges, Edge{From: from, To: to})
}

// Clone returns a deep copy safe to hand across goroutines.
func (g *PoseGraph) Clone() *PoseGraph {
	out := &PoseGraph{
		Nodes: make(map[factor.FrameID]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = n
	}
	copy(out.Edges, g.Edges)
	return out
}

// FrameIDs returns node ids in ascending order.
func (g *PoseGraph) FrameIDs() []factor.FrameID {
	ids := make([]factor.FrameID, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot is what the backend hands to a renderer: an immutable copy of the
// graph stamped with the time it was taken.
type Snapshot struct {
	Taken time.Time
	Graph *PoseGraph
}

// A Renderer consumes map snapshots. Implementations live outside the
// backend; rendering failures are the renderer's problem and must not
// propagate into estimation.
type Renderer interface {
	Render(ctx context.Context, snap Snapshot)
}
