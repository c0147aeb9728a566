package dag

import "errors"

// WalkOrder is the order in which a node and its children are visited.
type WalkOrder uint8

const (
	// PreOrderWalk visits a node before its children.
	PreOrderWalk WalkOrder = iota
	// PostOrderWalk visits a node after all of its children, so inputs are
	// seen before their consumers.
	PostOrderWalk
)

// WalkFunc is invoked for each visited node. Walking stops at the first
// non-nil error.
type WalkFunc[NodeType Node] func(n NodeType) error

// Walk performs a depth-first walk from n over child edges. Shared children
// are visited once.
func (g *Graph[NodeType]) Walk(n NodeType, f WalkFunc[NodeType], order WalkOrder) error {
	visited := make(nodeSet[NodeType])
	switch order {
	case PreOrderWalk:
		return g.walk(n, f, visited, true)
	case PostOrderWalk:
		return g.walk(n, f, visited, false)
	}
	return errors.New("unsupported walk order")
}

func (g *Graph[NodeType]) walk(n NodeType, f WalkFunc[NodeType], visited nodeSet[NodeType], pre bool) error {
	if visited.Contains(n) {
		return nil
	}
	visited.Add(n)
	if pre {
		if err := f(n); err != nil {
			return err
		}
	}
	for _, child := range g.children[n] {
		if err := g.walk(child, f, visited, pre); err != nil {
			return err
		}
	}
	if !pre {
		return f(n)
	}
	return nil
}
