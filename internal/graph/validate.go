package graph

import (
	"fmt"
	"sort"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Converters registers implicit (from_type, to_type) adapters. A pair
// registered more than once is ambiguous and rejected at edge-check time.
type Converters struct {
	pairs map[[2]string]int
}

func NewConverters() *Converters {
	return &Converters{pairs: make(map[[2]string]int)}
}

// Register declares an adapter from one port type to another.
func (c *Converters) Register(from, to string) {
	c.pairs[[2]string{from, to}]++
}

func (c *Converters) lookup(from, to string) (ok, ambiguous bool) {
	n := c.pairs[[2]string{from, to}]
	return n >= 1, n > 1
}

// Violation is one validation failure. Validation collects every violation
// instead of stopping at the first.
type Violation struct {
	Code    string `json:"code"`
	Node    string `json:"node,omitempty"`
	Edge    int    `json:"edge,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Validated is an accepted graph paired with its topological order and the
// adjacency the scheduler and hasher need.
type Validated struct {
	Graph *Graph
	Order []string // topological, deterministic

	// Parents maps node id -> producer per declared input port, in declared
	// input-port order. Ports with no incoming edge are absent.
	Parents map[string][]ParentRef
	// Children maps node id -> dependent node ids (deduplicated, sorted).
	Children map[string][]string
	// InEdge maps (target node, target port) -> the single incoming edge.
	InEdge map[string]map[string]Edge
}

// Validate runs the structural, type, and acyclicity passes. It returns the
// accepted graph with its topological order, or an error enumerating every
// violation found.
func Validate(g *Graph, conv *Converters) (*Validated, error) {
	if conv == nil {
		conv = NewConverters()
	}
	var violations []Violation

	// Pass 1: structure.
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := g.Nodes[id]
		if !idPattern.MatchString(id) {
			violations = append(violations, Violation{
				Code: "BAD_IDENTIFIER", Node: id,
				Message: fmt.Sprintf("node identifier %q is invalid", id),
			})
		}
		if !opPattern.MatchString(n.Op) {
			violations = append(violations, Violation{
				Code: "BAD_OP_NAME", Node: id,
				Message: fmt.Sprintf("node %q has invalid op name %q", id, n.Op),
			})
		}
	}

	inEdge := make(map[string]map[string]Edge)
	for i, e := range g.Edges {
		src, srcOK := g.Nodes[e.SourceNode]
		if !srcOK {
			violations = append(violations, Violation{
				Code: "UNKNOWN_NODE", Edge: i,
				Message: fmt.Sprintf("edge %d references unknown source node %q", i, e.SourceNode),
			})
		}
		tgt, tgtOK := g.Nodes[e.TargetNode]
		if !tgtOK {
			violations = append(violations, Violation{
				Code: "UNKNOWN_NODE", Edge: i,
				Message: fmt.Sprintf("edge %d references unknown target node %q", i, e.TargetNode),
			})
		}
		var srcPort, tgtPort Port
		var srcPortOK, tgtPortOK bool
		if srcOK {
			if srcPort, srcPortOK = src.OutputPort(e.SourcePort); !srcPortOK {
				violations = append(violations, Violation{
					Code: "UNKNOWN_PORT", Edge: i, Node: e.SourceNode,
					Message: fmt.Sprintf("edge %d references undeclared output port %s.%s", i, e.SourceNode, e.SourcePort),
				})
			}
		}
		if tgtOK {
			if tgtPort, tgtPortOK = tgt.InputPort(e.TargetPort); !tgtPortOK {
				violations = append(violations, Violation{
					Code: "UNKNOWN_PORT", Edge: i, Node: e.TargetNode,
					Message: fmt.Sprintf("edge %d references undeclared input port %s.%s", i, e.TargetNode, e.TargetPort),
				})
			}
		}
		if tgtOK && tgtPortOK {
			ports := inEdge[e.TargetNode]
			if ports == nil {
				ports = make(map[string]Edge)
				inEdge[e.TargetNode] = ports
			}
			if _, dup := ports[e.TargetPort]; dup {
				violations = append(violations, Violation{
					Code: "DUPLICATE_INPUT", Edge: i, Node: e.TargetNode,
					Message: fmt.Sprintf("input port %s.%s receives more than one edge", e.TargetNode, e.TargetPort),
				})
			} else {
				ports[e.TargetPort] = e
			}
		}

		// Pass 2: types, on edges whose endpoints resolved.
		if srcPortOK && tgtPortOK {
			if srcPort.Type != tgtPort.Type {
				ok, ambiguous := conv.lookup(srcPort.Type, tgtPort.Type)
				switch {
				case ambiguous:
					violations = append(violations, Violation{
						Code: "AMBIGUOUS_CONVERTER", Edge: i,
						Message: fmt.Sprintf("more than one converter registered for %s -> %s", srcPort.Type, tgtPort.Type),
					})
				case !ok:
					violations = append(violations, Violation{
						Code: "TYPE_MISMATCH", Edge: i,
						Message: fmt.Sprintf("edge %d connects %s to %s with no converter", i, srcPort.Type, tgtPort.Type),
					})
				}
			}
		}
	}

	// Pass 3: acyclicity (Kahn), over edges with resolved endpoints.
	order, cyclic := kahn(g, ids)
	if len(cyclic) > 0 {
		violations = append(violations, Violation{
			Code:    "CYCLE",
			Message: fmt.Sprintf("nodes participate in a cycle: %v", cyclic),
		})
	}

	if len(violations) > 0 {
		kind := vtxerr.KindGraphValidation
		if len(cyclic) > 0 && len(violations) == 1 {
			kind = vtxerr.KindCycleDetected
		}
		err := vtxerr.Newf(kind, "graph rejected with %d violation(s)", len(violations)).
			With("violations", violations)
		if len(cyclic) > 0 {
			err = err.With("cycle_nodes", cyclic)
		}
		return nil, err
	}

	v := &Validated{
		Graph:    g,
		Order:    order,
		Parents:  make(map[string][]ParentRef, len(g.Nodes)),
		Children: make(map[string][]string, len(g.Nodes)),
		InEdge:   inEdge,
	}
	for _, id := range ids {
		n := g.Nodes[id]
		var parents []ParentRef
		for _, p := range n.InputPorts {
			if e, ok := inEdge[id][p.Name]; ok {
				parents = append(parents, ParentRef{NodeID: e.SourceNode, Port: e.SourcePort})
			}
		}
		v.Parents[id] = parents
	}
	childSet := make(map[string]map[string]struct{})
	for _, e := range g.Edges {
		if childSet[e.SourceNode] == nil {
			childSet[e.SourceNode] = make(map[string]struct{})
		}
		childSet[e.SourceNode][e.TargetNode] = struct{}{}
	}
	for id, set := range childSet {
		kids := make([]string, 0, len(set))
		for k := range set {
			kids = append(kids, k)
		}
		sort.Strings(kids)
		v.Children[id] = kids
	}
	return v, nil
}

// kahn runs a deterministic Kahn traversal: zero-in-degree nodes are drained
// in identifier order. Nodes left with non-zero in-degree are cyclic.
func kahn(g *Graph, sortedIDs []string) (order []string, cyclic []string) {
	indeg := make(map[string]int, len(g.Nodes))
	children := make(map[string][]string)
	for _, id := range sortedIDs {
		indeg[id] = 0
	}
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.SourceNode]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.TargetNode]; !ok {
			continue
		}
		indeg[e.TargetNode]++
		children[e.SourceNode] = append(children[e.SourceNode], e.TargetNode)
	}

	var ready []string
	for _, id := range sortedIDs {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order = make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		// Smallest identifier first keeps the order byte-identical across runs.
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range children[id] {
			indeg[child]--
			if indeg[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(order) < len(g.Nodes) {
		for _, id := range sortedIDs {
			if indeg[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
	}
	return order, cyclic
}
