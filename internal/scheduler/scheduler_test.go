package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatechlat/vortex/internal/graph"
)

// diamond: root -> {left, right} -> sink
func diamond(t *testing.T) *graph.Validated {
	t.Helper()
	g := &graph.Graph{SchemaVersion: 1, Nodes: map[string]*graph.Node{}}
	out := []graph.Port{{Name: "out", Type: "tensor"}}
	g.Nodes["root"] = &graph.Node{ID: "root", Op: "op.pass", Params: map[string]interface{}{}, OutputPorts: out}
	for _, id := range []string{"left", "right"} {
		g.Nodes[id] = &graph.Node{ID: id, Op: "op.pass", Params: map[string]interface{}{},
			InputPorts: []graph.Port{{Name: "in", Type: "tensor"}}, OutputPorts: out}
		g.Edges = append(g.Edges, graph.Edge{SourceNode: "root", SourcePort: "out", TargetNode: id, TargetPort: "in"})
	}
	g.Nodes["sink"] = &graph.Node{ID: "sink", Op: "op.pass", Params: map[string]interface{}{},
		InputPorts: []graph.Port{{Name: "a", Type: "tensor"}, {Name: "b", Type: "tensor"}}}
	g.Edges = append(g.Edges,
		graph.Edge{SourceNode: "left", SourcePort: "out", TargetNode: "sink", TargetPort: "a"},
		graph.Edge{SourceNode: "right", SourcePort: "out", TargetNode: "sink", TargetPort: "b"},
	)
	v, err := graph.Validate(g, nil)
	require.NoError(t, err)
	return v
}

func allDirty(v *graph.Validated) map[string]struct{} {
	dirty := make(map[string]struct{})
	for _, id := range v.Order {
		dirty[id] = struct{}{}
	}
	return dirty
}

func TestPlanCoversDirtySetInOrder(t *testing.T) {
	v := diamond(t)
	plan := Build(v, allDirty(v))
	require.Equal(t, 4, plan.Len())
	assert.Equal(t, []string{"root", "left", "right", "sink"}, planIDs(plan))
	for i, item := range plan.Items {
		assert.Equal(t, i, item.Pos)
	}
}

func TestPlanFanCounts(t *testing.T) {
	v := diamond(t)
	plan := Build(v, allDirty(v))
	root, _ := plan.Item("root")
	sink, _ := plan.Item("sink")
	assert.Equal(t, 0, root.FanIn)
	assert.Equal(t, 2, root.FanOut)
	assert.Equal(t, 2, sink.FanIn)
	assert.Equal(t, 0, sink.FanOut)
}

func TestPlanLastConsumerIndices(t *testing.T) {
	v := diamond(t)
	plan := Build(v, allDirty(v))

	root, _ := plan.Item("root")
	require.Len(t, root.Outputs, 1)
	right, _ := plan.Item("right")
	assert.Equal(t, right.Pos, root.Outputs[0].LastConsumer,
		"root's output is last needed by the later of its two consumers")

	left, _ := plan.Item("left")
	assert.Equal(t, 3, left.Outputs[0].LastConsumer, "sink is the last consumer of left.out")
}

func TestPlanPartialDirty(t *testing.T) {
	v := diamond(t)
	dirty := map[string]struct{}{"right": {}, "sink": {}}
	plan := Build(v, dirty)
	assert.Equal(t, []string{"right", "sink"}, planIDs(plan))
	// left is clean, so sink's fan-in still counts both edges but only
	// right's output has a plan consumer.
	right, _ := plan.Item("right")
	assert.Equal(t, 1, right.Outputs[0].LastConsumer)
}

func TestReadyQueueOrderAndTieBreak(t *testing.T) {
	v := diamond(t)
	plan := Build(v, allDirty(v))
	q := NewReadyQueue(v, plan)

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "root", first.NodeID)
	_, ok = q.Pop()
	assert.False(t, ok, "children not ready until root completes")

	ready := q.Complete("root")
	assert.ElementsMatch(t, []string{"left", "right"}, ready)

	// Concurrently ready nodes come out by plan position.
	a, _ := q.Pop()
	b, _ := q.Pop()
	assert.Equal(t, "left", a.NodeID)
	assert.Equal(t, "right", b.NodeID)

	q.Complete("left")
	_, ok = q.Pop()
	assert.False(t, ok, "sink waits for both parents")
	q.Complete("right")
	s, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "sink", s.NodeID)
}

func TestReadyQueueCancelDrains(t *testing.T) {
	v := diamond(t)
	plan := Build(v, allDirty(v))
	q := NewReadyQueue(v, plan)

	q.Cancel()
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Empty(t, q.Complete("root"), "no emission after cancel")
}

func TestEmptyPlan(t *testing.T) {
	v := diamond(t)
	plan := Build(v, map[string]struct{}{})
	assert.Zero(t, plan.Len())
	q := NewReadyQueue(v, plan)
	_, ok := q.Pop()
	assert.False(t, ok)
}

func planIDs(p *Plan) []string {
	out := make([]string, 0, p.Len())
	for _, it := range p.Items {
		out = append(out, it.NodeID)
	}
	return out
}
