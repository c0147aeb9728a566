package physical

import (
	"github.com/grafana/streamql/pkg/engine/internal/util/dag"
)

// Plan is the operator DAG of one sub-topology.
type Plan struct {
	graph dag.Graph[Node]
}

func (p *Plan) addNode(n Node) Node {
	p.graph.Add(n)
	return n
}

func (p *Plan) addEdge(parent, child Node) error {
	return p.graph.AddEdge(dag.Edge[Node]{Parent: parent, Child: child})
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int { return p.graph.Len() }

// Roots returns nodes without consumers.
func (p *Plan) Roots() []Node { return p.graph.Roots() }

// Leaves returns nodes without inputs. In a well-formed plan these are all
// [SourceScan] nodes.
func (p *Plan) Leaves() []Node { return p.graph.Leaves() }

// Children returns the inputs of n.
func (p *Plan) Children(n Node) []Node { return p.graph.Children(n) }

// Parents returns the consumers of n.
func (p *Plan) Parents(n Node) []Node { return p.graph.Parents(n) }

// Walk visits the nodes reachable from n.
func (p *Plan) Walk(n Node, f dag.WalkFunc[Node], order dag.WalkOrder) error {
	return p.graph.Walk(n, f, order)
}

// Stage is a sub-topology: a connected part of the query between topic reads
// and a topic write. It runs as one task per input partition.
type Stage struct {
	ID         int
	Partitions int
	Plan       *Plan
}

// Root returns the operator the stage writes from.
func (s *Stage) Root() Node {
	roots := s.Plan.Roots()
	if len(roots) == 0 {
		return nil
	}
	return roots[0]
}

// Sources returns the scans feeding the stage.
func (s *Stage) Sources() []*SourceScan {
	var out []*SourceScan
	for _, n := range s.Plan.Leaves() {
		if scan, ok := n.(*SourceScan); ok {
			out = append(out, scan)
		}
	}
	return out
}

// InternalTopic is a repartition topic owned by a query.
type InternalTopic struct {
	Name       string
	Partitions int
}

// Topology is a compiled query.
type Topology struct {
	QueryID string
	// Stages are ordered so that every stage comes after the stages writing
	// its internal inputs.
	Stages         []*Stage
	InternalTopics []InternalTopic
	// Stores lists the names of the state stores of all stateful operators.
	Stores []string
	Sink   *Sink
}
