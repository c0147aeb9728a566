package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	root := NewNode("Filter", "", NewProperty("kind", false, "STREAM"))
	pred := root.AddComment("BinOp", "", []Property{NewProperty("op", false, ">")})
	pred.AddChild("ColumnRef", "S.AGE", nil)
	pred.AddChild("Literal", "", []Property{NewProperty("value", false, 21)})

	src := root.AddChild("Source", "", []Property{NewProperty("columns", true, "ID", "AGE")})
	src.AddComment("Key", "S.ID", nil)

	var sb strings.Builder
	require.NoError(t, NewPrinter(&sb).Print(root))

	expected := `
Filter kind=STREAM
│   └── BinOp op=>
│       ├── ColumnRef S.AGE
│       └── Literal value=21
└── Source columns=(ID, AGE)
        └── Key S.ID
`
	require.Equal(t, expected, "\n"+sb.String())
}
