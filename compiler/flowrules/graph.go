// Package flowrules compiles visual flow-graph rulesets: a node/socket
// graph with attribute inputs, processor nodes and attribute-write outputs.
// Trigger attributes are discovered by backtracking from the output nodes
// over an adjacency index; the rule fires when a trigger value changes.
package flowrules

import (
	"encoding/json"
	"fmt"
)

// NodeType partitions the catalogue.
type NodeType string

const (
	TypeInput     NodeType = "INPUT"
	TypeProcessor NodeType = "PROCESSOR"
	TypeOutput    NodeType = "OUTPUT"
)

// Node is one graph node. Internals hold its constants: the literal value
// of a constant node, or the asset id and attribute name of an attribute
// node.
type Node struct {
	ID        string   `json:"id"`
	Type      NodeType `json:"type"`
	Name      string   `json:"name"`
	Internals []any    `json:"internals,omitempty"`
	// Inputs and Outputs give the socket counts.
	Inputs  int `json:"inputs,omitempty"`
	Outputs int `json:"outputs,omitempty"`
}

// Connection wires an output socket to an input socket.
type Connection struct {
	FromNode   string `json:"fromNode"`
	FromOutput int    `json:"fromOutput"`
	ToNode     string `json:"toNode"`
	ToInput    int    `json:"toInput"`
}

// Graph is the decoded flow document.
type Graph struct {
	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
}

// source identifies the producer feeding one input socket.
type source struct {
	node   *Node
	output int
}

// index is the adjacency index built once per graph: for every node, which
// producer feeds each input socket.
type index struct {
	nodes  map[string]*Node
	inputs map[string][]source
}

func decodeGraph(raw string) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, err
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}
	return &g, nil
}

func buildIndex(g *Graph) (*index, error) {
	ix := &index{
		nodes:  make(map[string]*Node, len(g.Nodes)),
		inputs: make(map[string][]source),
	}
	for _, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node without id")
		}
		if _, dup := ix.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		ix.nodes[n.ID] = n
	}
	for _, c := range g.Connections {
		from, ok := ix.nodes[c.FromNode]
		if !ok {
			return nil, fmt.Errorf("connection from unknown node %q", c.FromNode)
		}
		to, ok := ix.nodes[c.ToNode]
		if !ok {
			return nil, fmt.Errorf("connection to unknown node %q", c.ToNode)
		}
		if c.ToInput < 0 {
			return nil, fmt.Errorf("negative input socket on node %q", c.ToNode)
		}
		ins := ix.inputs[to.ID]
		for len(ins) <= c.ToInput {
			ins = append(ins, source{})
		}
		if ins[c.ToInput].node != nil {
			return nil, fmt.Errorf("input %d of node %q wired twice", c.ToInput, c.ToNode)
		}
		ins[c.ToInput] = source{node: from, output: c.FromOutput}
		ix.inputs[to.ID] = ins
	}
	return ix, nil
}

// backtrack walks upstream from the given output nodes and returns every
// reachable attribute-input node. The worklist with a visited set bounds
// the traversal on cyclic graphs.
func (ix *index) backtrack(outputs []*Node) []*Node {
	var triggers []*Node
	visited := make(map[string]bool)
	work := make([]*Node, 0, len(outputs))
	work = append(work, outputs...)

	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[n.ID] {
			continue
		}
		visited[n.ID] = true

		if n.Type == TypeInput && n.Name == NodeAttribute {
			triggers = append(triggers, n)
		}
		for _, src := range ix.inputs[n.ID] {
			if src.node != nil && !visited[src.node.ID] {
				work = append(work, src.node)
			}
		}
	}
	return triggers
}

// outputs returns the graph's output nodes.
func (g *Graph) outputNodes() []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Type == TypeOutput {
			out = append(out, n)
		}
	}
	return out
}
