// Package tree renders plans as indented trees.
package tree

import (
	"fmt"
	"io"
	"strings"
)

// Property is a key-value pair attached to a [Node]. A multi-value property
// renders as `key=(v1, v2)`, a single value as `key=value`.
type Property struct {
	Key          string
	Values       []any
	IsMultiValue bool
}

// NewProperty creates a new Property.
func NewProperty(key string, multi bool, values ...any) Property {
	return Property{
		Key:          key,
		Values:       values,
		IsMultiValue: multi,
	}
}

func (p Property) String() string {
	vals := make([]string, len(p.Values))
	for i, v := range p.Values {
		vals[i] = fmt.Sprint(v)
	}
	if p.IsMultiValue {
		return p.Key + "=(" + strings.Join(vals, ", ") + ")"
	}
	return p.Key + "=" + strings.Join(vals, ", ")
}

// Node is a printable tree node.
type Node struct {
	ID         string
	Name       string
	Properties []Property
	Children   []*Node
	// Comments are printed one level deeper than Children. Plans use them
	// for the expressions attached to an operator.
	Comments []*Node
}

// NewNode creates a new node.
func NewNode(name, id string, properties ...Property) *Node {
	return &Node{
		ID:         id,
		Name:       name,
		Properties: properties,
	}
}

// AddChild creates a child node and appends it to n.
func (n *Node) AddChild(name, id string, properties []Property) *Node {
	child := NewNode(name, id, properties...)
	n.Children = append(n.Children, child)
	return child
}

// AddComment creates a comment node and appends it to n.
func (n *Node) AddComment(name, id string, properties []Property) *Node {
	node := NewNode(name, id, properties...)
	n.Comments = append(n.Comments, node)
	return node
}

func (n *Node) label() string {
	parts := make([]string, 0, len(n.Properties)+2)
	parts = append(parts, n.Name)
	if n.ID != "" {
		parts = append(parts, n.ID)
	}
	for _, p := range n.Properties {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

// Printer writes trees using box drawing characters.
type Printer struct {
	w   io.Writer
	err error
}

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer) *Printer { return &Printer{w: w} }

// Print writes the tree rooted at root.
func (p *Printer) Print(root *Node) error {
	p.printNode(root, "", "", "")
	return p.err
}

func (p *Printer) printNode(n *Node, prefix, connector, childPrefix string) {
	if p.err != nil {
		return
	}
	_, p.err = io.WriteString(p.w, prefix+connector+n.label()+"\n")

	commentPrefix := childPrefix + "    "
	if len(n.Children) > 0 {
		commentPrefix = childPrefix + "│   "
	}
	for i, c := range n.Comments {
		last := i == len(n.Comments)-1
		p.printNode(c, commentPrefix, branch(last), commentPrefix+indent(last))
	}
	for i, c := range n.Children {
		last := i == len(n.Children)-1
		p.printNode(c, childPrefix, branch(last), childPrefix+indent(last))
	}
}

func branch(last bool) string {
	if last {
		return "└── "
	}
	return "├── "
}

func indent(last bool) string {
	if last {
		return "    "
	}
	return "│   "
}
