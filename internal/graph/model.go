// Package graph holds the typed DAG submitted for a run and its validator.
// Nodes reference each other through an edge table only; the model carries no
// object cycles and serializes as-is.
package graph

import (
	"fmt"
	"regexp"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	opPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

// Port declares one named, typed input or output of a node.
type Port struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Node is immutable within a run.
type Node struct {
	ID          string                 `json:"-"`
	Op          string                 `json:"op"`
	Params      map[string]interface{} `json:"params"`
	InputPorts  []Port                 `json:"input_ports"`
	OutputPorts []Port                 `json:"output_ports"`
	UIMetadata  map[string]interface{} `json:"ui_metadata,omitempty"`
}

// InputPort looks up a declared input port by name.
func (n *Node) InputPort(name string) (Port, bool) {
	for _, p := range n.InputPorts {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// OutputPort looks up a declared output port by name.
func (n *Node) OutputPort(name string) (Port, bool) {
	for _, p := range n.OutputPorts {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Edge connects a source (node, output port) to a target (node, input port).
type Edge struct {
	SourceNode string
	SourcePort string
	TargetNode string
	TargetPort string
}

// Graph is a set of nodes and edges with a schema version. The controller
// owns it exclusively for the duration of a run.
type Graph struct {
	SchemaVersion int
	Nodes         map[string]*Node
	Edges         []Edge
	Meta          map[string]interface{}
}

// wire types for the editor's graph submission document.
type wireEdge struct {
	Source [2]string `json:"source"`
	Target [2]string `json:"target"`
}

type wireDoc struct {
	SchemaVersion int                    `json:"schema_version"`
	Nodes         map[string]*Node       `json:"nodes"`
	Edges         []wireEdge             `json:"edges"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// ParseDocument decodes a graph submission document. Structural and semantic
// checks happen in Validate; this only rejects documents that do not parse.
func ParseDocument(data []byte) (*Graph, error) {
	var doc wireDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}
	g := &Graph{
		SchemaVersion: doc.SchemaVersion,
		Nodes:         make(map[string]*Node, len(doc.Nodes)),
		Edges:         make([]Edge, 0, len(doc.Edges)),
		Meta:          doc.Meta,
	}
	for id, n := range doc.Nodes {
		if n == nil {
			n = &Node{}
		}
		n.ID = id
		if n.Params == nil {
			n.Params = map[string]interface{}{}
		}
		g.Nodes[id] = n
	}
	for _, e := range doc.Edges {
		g.Edges = append(g.Edges, Edge{
			SourceNode: e.Source[0],
			SourcePort: e.Source[1],
			TargetNode: e.Target[0],
			TargetPort: e.Target[1],
		})
	}
	return g, nil
}

// ParentRef identifies the producer feeding one input port.
type ParentRef struct {
	NodeID string
	Port   string // the producer's output port
}
