// Package scheduler turns a validated graph and its dirty set into an
// execution plan and feeds the controller a ready queue over it.
package scheduler

import (
	"github.com/somatechlat/vortex/internal/graph"
)

// PlanOutput annotates one output port of a plan item with the plan position
// of its last consumer. After that position the tensor may be released unless
// memoized. -1 means nothing in the plan consumes it.
type PlanOutput struct {
	Port         string
	LastConsumer int
}

// Item is one dirty node in plan order.
type Item struct {
	NodeID  string
	Pos     int
	FanIn   int
	FanOut  int
	Outputs []PlanOutput
}

// Plan is the topologically ordered dirty set.
type Plan struct {
	Items []Item
	Index map[string]int // node id -> plan position
}

// Build filters the topological order down to the dirty set and computes
// fan-in/fan-out and last-consumer indices. Deterministic given its inputs.
func Build(v *graph.Validated, dirty map[string]struct{}) *Plan {
	p := &Plan{Index: make(map[string]int, len(dirty))}
	for _, id := range v.Order {
		if _, ok := dirty[id]; !ok {
			continue
		}
		pos := len(p.Items)
		p.Index[id] = pos
		p.Items = append(p.Items, Item{NodeID: id, Pos: pos})
	}

	// Fan-in/fan-out over the full edge table; consumer indices over the plan.
	consumers := make(map[string]map[string]int, len(p.Items)) // node -> port -> last plan pos
	for _, e := range v.Graph.Edges {
		if srcPos, ok := p.Index[e.SourceNode]; ok {
			p.Items[srcPos].FanOut++
		}
		if tgtPos, ok := p.Index[e.TargetNode]; ok {
			p.Items[tgtPos].FanIn++
			if _, srcInPlan := p.Index[e.SourceNode]; srcInPlan {
				ports := consumers[e.SourceNode]
				if ports == nil {
					ports = make(map[string]int)
					consumers[e.SourceNode] = ports
				}
				if cur, ok := ports[e.SourcePort]; !ok || tgtPos > cur {
					ports[e.SourcePort] = tgtPos
				}
			}
		}
	}
	for i := range p.Items {
		node := v.Graph.Nodes[p.Items[i].NodeID]
		for _, port := range node.OutputPorts {
			last := -1
			if ports, ok := consumers[p.Items[i].NodeID]; ok {
				if pos, ok := ports[port.Name]; ok {
					last = pos
				}
			}
			p.Items[i].Outputs = append(p.Items[i].Outputs, PlanOutput{Port: port.Name, LastConsumer: last})
		}
	}
	return p
}

// Len returns the number of plan items.
func (p *Plan) Len() int { return len(p.Items) }

// Item returns the plan item for a node id.
func (p *Plan) Item(nodeID string) (Item, bool) {
	pos, ok := p.Index[nodeID]
	if !ok {
		return Item{}, false
	}
	return p.Items[pos], true
}
