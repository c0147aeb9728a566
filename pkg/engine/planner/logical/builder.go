package logical

// Builder incrementally stacks operators on top of a node.
type Builder struct {
	node Node
}

// NewBuilder starts a builder at node.
func NewBuilder(node Node) *Builder { return &Builder{node: node} }

// Filter applies a predicate.
func (b *Builder) Filter(predicate Expr) *Builder {
	return &Builder{node: &Filter{Input: b.node, Predicate: predicate}}
}

// Repartition re-keys the current node by keys unless it is already keyed
// by them.
func (b *Builder) Repartition(keys []Expr, partitions int) *Builder {
	if KeySignature(keys) == KeySignature(b.node.Key()) {
		return b
	}
	return &Builder{node: &Repartition{Input: b.node, Keys: keys, Partitions: partitions}}
}

// Project computes output columns.
func (b *Builder) Project(exprs []Expr, names []string) *Builder {
	return &Builder{node: &Project{Input: b.node, Exprs: exprs, Names: names}}
}

// Limit caps the number of output records.
func (b *Builder) Limit(n int) *Builder {
	return &Builder{node: &Limit{Input: b.node, Count: n}}
}

// Sink terminates the plan. A nil target is an interactive query.
func (b *Builder) Sink(target *SinkTarget) *Builder {
	return &Builder{node: &Sink{Input: b.node, Target: target}}
}

// Node returns the current node.
func (b *Builder) Node() Node { return b.node }
