package logical

import (
	"io"

	"github.com/grafana/streamql/pkg/engine/planner/internal/tree"
)

// PrintTree writes the plan rooted at node as a tree.
func PrintTree(w io.Writer, node Node) error {
	return tree.NewPrinter(w).Print(toTree(node))
}

func toTree(n Node) *tree.Node {
	var out *tree.Node
	kind := tree.NewProperty("kind", false, n.Kind())

	switch n := n.(type) {
	case *Source:
		out = tree.NewNode("Source", n.Alias, kind, tree.NewProperty("topic", false, n.Entry.Topic))
		if n.Materialize {
			out.Properties = append(out.Properties, tree.NewProperty("materialize", false, true))
		}
	case *Filter:
		out = tree.NewNode("Filter", "", kind)
		out.AddComment("Predicate", n.Predicate.String(), nil)
	case *Project:
		out = tree.NewNode("Project", "", kind, tree.NewProperty("columns", true, toAny(n.Names)...))
		for i, e := range n.Exprs {
			out.AddComment(n.Names[i], "= "+e.String(), nil)
		}
	case *Repartition:
		out = tree.NewNode("Repartition", "", kind, tree.NewProperty("key", true, exprsAny(n.Keys)...))
		if n.Partitions > 0 {
			out.Properties = append(out.Properties, tree.NewProperty("partitions", false, n.Partitions))
		}
	case *TableChanges:
		out = tree.NewNode("TableChanges", "", kind)
	case *Aggregate:
		out = tree.NewNode("Aggregate", "", kind, tree.NewProperty("group_by", true, exprsAny(n.GroupBy)...))
		if n.Window != nil {
			out.Properties = append(out.Properties, tree.NewProperty("window", false, n.Window))
		}
		if n.Final {
			out.Properties = append(out.Properties, tree.NewProperty("emit", false, "FINAL"))
		}
		for i, a := range n.Aggregates {
			out.AddComment(n.fields[len(n.GroupBy)+i].Name, "= "+a.String(), nil)
		}
	case *Join:
		out = tree.NewNode("Join", "", kind,
			tree.NewProperty("type", false, n.Type),
			tree.NewProperty("strategy", false, n.Strategy),
		)
		if n.Within > 0 {
			out.Properties = append(out.Properties, tree.NewProperty("within", false, n.Within))
		}
		out.AddComment("On", n.LeftKey.String()+" = "+n.RightKey.String(), nil)
	case *Limit:
		out = tree.NewNode("Limit", "", kind, tree.NewProperty("count", false, n.Count))
	case *Sink:
		out = tree.NewNode("Sink", "", kind)
		if n.Target != nil {
			out.ID = n.Target.Name
			out.Properties = append(out.Properties, tree.NewProperty("topic", false, n.Target.Topic))
		} else {
			out.ID = "<client>"
		}
	}

	for _, child := range n.Children() {
		out.Children = append(out.Children, toTree(child))
	}
	return out
}

func toAny(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

func exprsAny(exprs []Expr) []any {
	out := make([]any, len(exprs))
	for i, e := range exprs {
		out[i] = e.String()
	}
	return out
}
