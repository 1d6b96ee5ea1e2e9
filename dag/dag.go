// Package dag renders the stage plan of a saga as a directed graph.
//
// Every step occurrence is a node; every step of a stage has an edge to
// every step of the next active stage, so the graph's dependency levels are
// exactly the saga's stages.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	nodes map[int64]*Node
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		nodes:         make(map[int64]*Node),
	}
}

// AddStep adds a node for one step occurrence and returns it.
func (g *Graph) AddStep(name, label string) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	_ = n.SetAttribute(encoding.Attribute{Key: "nodeName", Value: name})
	if label != "" {
		_ = n.SetAttribute(encoding.Attribute{Key: "label", Value: label})
	}
	g.DirectedGraph.AddNode(n)
	g.nodes[n.ID()] = n
	return n
}

// Connect records that to depends on from.
func (g *Graph) Connect(from, to *Node) {
	g.SetEdge(g.NewEdge(from, to))
}

// NewEdge returns an edge that carries DOT attributes.
func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

// StepName returns the step name of the node with the given id.
func (g *Graph) StepName(id int64) string {
	if n, ok := g.nodes[id]; ok {
		return n.name
	}
	return ""
}

// Levels groups node ids by dependency depth. Nodes within a level have no
// dependency on each other and are sorted by id.
func (g *Graph) Levels() ([][]int64, error) {
	sorted, err := topo.SortStabilized(g.DirectedGraph, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	depth := make(map[int64]int, len(sorted))
	var levels [][]int64
	for _, n := range sorted {
		d := 0
		preds := g.To(n.ID())
		for preds.Next() {
			if pd := depth[preds.Node().ID()] + 1; pd > d {
				d = pd
			}
		}
		depth[n.ID()] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], n.ID())
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })
	}
	return levels, nil
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// ExportToDot exports the DAG to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %w", err)
	}
	return string(data), nil
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
