// Package dag implements a directed acyclic graph of comparable nodes.
package dag

import (
	"errors"
	"fmt"
)

// Node is a vertex of a [Graph].
type Node interface {
	comparable
	ID() string
}

// Edge connects Parent to Child. Data flows from the child to the parent.
type Edge[NodeType Node] struct {
	Parent, Child NodeType
}

type nodeSet[NodeType Node] map[NodeType]struct{}

func (s nodeSet[NodeType]) Add(n NodeType)           { s[n] = struct{}{} }
func (s nodeSet[NodeType]) Contains(n NodeType) bool { _, ok := s[n]; return ok }

// Graph keeps nodes in insertion order.
type Graph[NodeType Node] struct {
	nodes    []NodeType
	known    nodeSet[NodeType]
	parents  map[NodeType][]NodeType
	children map[NodeType][]NodeType
}

// Add inserts n. Adding a node twice is a no-op.
func (g *Graph[NodeType]) Add(n NodeType) {
	if g.known == nil {
		g.known = make(nodeSet[NodeType])
		g.parents = make(map[NodeType][]NodeType)
		g.children = make(map[NodeType][]NodeType)
	}
	if g.known.Contains(n) {
		return
	}
	g.known.Add(n)
	g.nodes = append(g.nodes, n)
}

// AddEdge connects two nodes already in the graph. Edges that would close a
// cycle are rejected.
func (g *Graph[NodeType]) AddEdge(e Edge[NodeType]) error {
	if !g.known.Contains(e.Parent) || !g.known.Contains(e.Child) {
		return fmt.Errorf("both nodes %s and %s must be in the graph", e.Parent.ID(), e.Child.ID())
	}
	if e.Parent == e.Child {
		return errors.New("parent and child must differ")
	}
	if g.reaches(e.Child, e.Parent) {
		return fmt.Errorf("edge %s -> %s introduces a cycle", e.Parent.ID(), e.Child.ID())
	}
	g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
	g.children[e.Parent] = append(g.children[e.Parent], e.Child)
	return nil
}

func (g *Graph[NodeType]) reaches(from, to NodeType) bool {
	found := false
	_ = g.Walk(from, func(n NodeType) error {
		if n == to {
			found = true
			return errStop
		}
		return nil
	}, PreOrderWalk)
	return found
}

var errStop = errors.New("stop")

// Len returns the number of nodes.
func (g *Graph[NodeType]) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order.
func (g *Graph[NodeType]) Nodes() []NodeType { return g.nodes }

// Roots returns nodes without parents.
func (g *Graph[NodeType]) Roots() []NodeType {
	var out []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Leaves returns nodes without children.
func (g *Graph[NodeType]) Leaves() []NodeType {
	var out []NodeType
	for _, n := range g.nodes {
		if len(g.children[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Parents returns the direct consumers of n.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType { return g.parents[n] }

// Children returns the direct inputs of n in the order they were connected.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType { return g.children[n] }
