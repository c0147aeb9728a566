package physical

import (
	"fmt"
	"strings"

	"github.com/grafana/streamql/pkg/engine/planner/internal/tree"
)

// BuildTree converts a node of p and its inputs into a printable tree.
func BuildTree(p *Plan, n Node) *tree.Node {
	root := toTreeNode(n)
	for _, child := range p.Children(n) {
		root.Children = append(root.Children, BuildTree(p, child))
	}
	return root
}

func toTreeNode(n Node) *tree.Node {
	treeNode := tree.NewNode(n.Type().String(), n.ID())
	switch node := n.(type) {
	case *SourceScan:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("topic", false, node.Topic),
			tree.NewProperty("kind", false, node.Kind),
			tree.NewProperty("format", false, node.Format),
			tree.NewProperty("partitions", false, node.Partitions),
		}
		if node.FromEarliest {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("from", false, "earliest"))
		}
		if node.Side != SideNone {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("side", false, node.Side))
		}
	case *Filter:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("predicate", false, node.Predicate.String()),
		}
		if node.Table {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("table", false, true))
		}
	case *Projection:
		props := make([]any, len(node.Columns))
		for i, col := range node.Columns {
			props[i] = node.Names[i] + "=" + col.String()
		}
		treeNode.Properties = []tree.Property{tree.NewProperty("columns", true, props...)}
	case *RepartitionSink:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("topic", false, node.Topic),
			tree.NewProperty("partitions", false, node.Partitions),
			tree.NewProperty("key", true, toAnySlice(node.Keys)...),
		}
	case *TableChanges:
		treeNode.Properties = []tree.Property{tree.NewProperty("store", false, node.Store)}
	case *Aggregation:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("group_by", true, toAnySlice(node.GroupBy)...),
			tree.NewProperty("aggregates", true, toAnySlice(node.Aggregates)...),
		}
		if w := node.Window; w != nil {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("window", false, w.Type))
		}
		if node.Final {
			treeNode.Properties = append(treeNode.Properties, tree.NewProperty("emit", false, "FINAL"))
		}
		treeNode.Properties = append(treeNode.Properties, tree.NewProperty("store", false, node.Store))
	case *StreamTableJoin:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("left_outer", false, node.Left),
			tree.NewProperty("key", false, node.LeftKey),
			tree.NewProperty("store", false, node.Store),
		}
	case *StreamStreamJoin:
		treeNode.Properties = []tree.Property{
			tree.NewProperty("left_outer", false, node.Left),
			tree.NewProperty("keys", true, node.LeftKey, node.RightKey),
			tree.NewProperty("within", false, node.Within),
			tree.NewProperty("stores", true, node.LeftStore, node.RightStore),
		}
	case *Limit:
		treeNode.Properties = []tree.Property{tree.NewProperty("limit", false, node.Count)}
	case *Sink:
		if node.Interactive {
			treeNode.Properties = []tree.Property{tree.NewProperty("target", false, "client")}
		} else {
			treeNode.Properties = []tree.Property{
				tree.NewProperty("topic", false, node.Topic),
				tree.NewProperty("format", false, node.Format),
				tree.NewProperty("partitions", false, node.Partitions),
			}
		}
	}
	return treeNode
}

func toAnySlice[T any](s []T) []any {
	ret := make([]any, len(s))
	for i := range s {
		ret[i] = s[i]
	}
	return ret
}

// PrintAsTree renders every stage of t, upstream stages first.
func PrintAsTree(t *Topology) string {
	results := make([]string, 0, len(t.Stages))
	for _, st := range t.Stages {
		sb := &strings.Builder{}
		fmt.Fprintf(sb, "Stage %d partitions=%d\n", st.ID, st.Partitions)
		for _, root := range st.Plan.Roots() {
			_ = tree.NewPrinter(sb).Print(BuildTree(st.Plan, root))
		}
		results = append(results, sb.String())
	}
	return strings.Join(results, "\n")
}
