// Package registry holds the executor descriptor inventory the package
// manager hands the engine at startup. Executors are processes, not
// in-process objects: a descriptor carries only static data (port types,
// parameter schema, memory-cost function) plus the op name routed over IPC.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/somatechlat/vortex/internal/graph"
)

// ScalarKind classifies a parameter value.
type ScalarKind string

const (
	KindNumber ScalarKind = "number"
	KindString ScalarKind = "string"
	KindBool   ScalarKind = "bool"
	KindMap    ScalarKind = "map"
	KindList   ScalarKind = "list"
)

// ParamSpec declares one parameter of an operation.
type ParamSpec struct {
	Name     string
	Kind     ScalarKind
	Required bool
}

// ShapeInfo describes one input tensor available to a cost function.
type ShapeInfo struct {
	DType string
	Shape []int64
	Bytes uint64
}

// OutputSpec is a cost function's prediction for one output port.
type OutputSpec struct {
	DType string
	Shape []int64
	Bytes uint64
}

// Cost is the predicted device-memory footprint of one node execution.
type Cost struct {
	PeakBytes uint64
	Outputs   map[string]OutputSpec
}

// CostFn estimates peak device memory and output sizes from the node's input
// shapes and parameters. Must be deterministic.
type CostFn func(inputs map[string]ShapeInfo, params map[string]interface{}) Cost

// Descriptor is the static record for one operation.
type Descriptor struct {
	Op      string
	Inputs  []graph.Port
	Outputs []graph.Port
	Params  []ParamSpec
	Cost    CostFn
}

// Registry maps op names to descriptors. Populated once at startup from the
// package manager's installed inventory; reads afterwards are lock-free in
// practice but kept under RWMutex for test convenience.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Descriptor
}

func New() *Registry {
	return &Registry{m: make(map[string]*Descriptor)}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[d.Op] = d
}

// Lookup returns the descriptor for op.
func (r *Registry) Lookup(op string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[op]
	return d, ok
}

// Ops returns the registered op names, sorted.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.m))
	for op := range r.m {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// ValidateNode checks a node's op and parameters against its descriptor.
// Returned strings are violation messages; empty means accepted.
func (r *Registry) ValidateNode(n *graph.Node) []string {
	d, ok := r.Lookup(n.Op)
	if !ok {
		return []string{fmt.Sprintf("node %q uses unregistered op %q", n.ID, n.Op)}
	}
	var problems []string
	for _, spec := range d.Params {
		v, present := n.Params[spec.Name]
		if !present {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("node %q missing required parameter %q", n.ID, spec.Name))
			}
			continue
		}
		if !kindMatches(spec.Kind, v) {
			problems = append(problems, fmt.Sprintf("node %q parameter %q is not a %s", n.ID, spec.Name, spec.Kind))
		}
	}
	return problems
}

func kindMatches(kind ScalarKind, v interface{}) bool {
	switch kind {
	case KindNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindMap:
		_, ok := v.(map[string]interface{})
		return ok
	case KindList:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}
