package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/types"
)

func testEntry(name string, kind types.SourceKind) *Entry {
	return &Entry{
		Name:       name,
		Kind:       kind,
		Schema:     types.MustSchema(types.Column{Name: "ID", Type: types.BigInt}),
		Topic:      name,
		Format:     "JSON",
		Partitions: 1,
	}
}

func TestCatalog_ApplyIsAtomic(t *testing.T) {
	c := New()
	require.NoError(t, c.Apply(func(tx *Txn) error {
		return tx.Create(testEntry("S", types.SourceStream))
	}))

	before := c.Snapshot()
	err := c.Apply(func(tx *Txn) error {
		if err := tx.Create(testEntry("T", types.SourceTable)); err != nil {
			return err
		}
		if err := tx.AddReader("S", "CTAS_T_1"); err != nil {
			return err
		}
		return errors.New("compilation failed")
	})
	require.ErrorContains(t, err, "compilation failed")

	after := c.Snapshot()
	_, ok := after.Lookup("t")
	require.False(t, ok)
	require.Empty(t, after.Readers("S"))
	require.Equal(t, before.List(types.SourceStream), after.List(types.SourceStream))
}

func TestCatalog_SnapshotIsolation(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	require.NoError(t, c.Apply(func(tx *Txn) error {
		return tx.Create(testEntry("S", types.SourceStream))
	}))

	_, ok := snap.Lookup("S")
	require.False(t, ok)
	e, ok := c.Snapshot().Lookup("s")
	require.True(t, ok)
	require.Equal(t, "S", e.Name)
}

func TestCatalog_Create(t *testing.T) {
	c := New()
	require.NoError(t, c.Apply(func(tx *Txn) error {
		return tx.Create(testEntry("S", types.SourceStream))
	}))

	err := c.Apply(func(tx *Txn) error { return tx.Create(testEntry("s", types.SourceTable)) })
	require.ErrorIs(t, err, ErrExists)

	err = c.Apply(func(tx *Txn) error {
		return tx.Create(&Entry{Name: "EMPTY", Kind: types.SourceStream})
	})
	require.ErrorContains(t, err, "no columns")
}

func TestCatalog_Drop(t *testing.T) {
	c := New()
	require.NoError(t, c.Apply(func(tx *Txn) error {
		src := testEntry("S", types.SourceStream)
		derived := testEntry("T", types.SourceTable)
		derived.Query = "CTAS_T_1"
		if err := tx.Create(src); err != nil {
			return err
		}
		if err := tx.Create(derived); err != nil {
			return err
		}
		return tx.AddReader("S", "CTAS_T_1")
	}))
	require.Equal(t, []string{"CTAS_T_1"}, c.Snapshot().Readers("s"))

	err := c.Apply(func(tx *Txn) error { return tx.Drop("S") })
	require.ErrorIs(t, err, ErrInUse)
	err = c.Apply(func(tx *Txn) error { return tx.Drop("T") })
	require.ErrorIs(t, err, ErrInUse)
	err = c.Apply(func(tx *Txn) error { return tx.Drop("missing") })
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Apply(func(tx *Txn) error {
		tx.ReleaseQuery("CTAS_T_1")
		return nil
	}))
	require.NoError(t, c.Apply(func(tx *Txn) error { return tx.Drop("S") }))
	require.NoError(t, c.Apply(func(tx *Txn) error { return tx.Drop("T") }))
	require.Empty(t, c.Snapshot().List(types.SourceTable))
}

func TestSnapshot_List(t *testing.T) {
	c := New()
	require.NoError(t, c.Apply(func(tx *Txn) error {
		for _, e := range []*Entry{
			testEntry("B", types.SourceStream),
			testEntry("A", types.SourceStream),
			testEntry("C", types.SourceTable),
		} {
			if err := tx.Create(e); err != nil {
				return err
			}
		}
		return nil
	}))

	streams := c.Snapshot().List(types.SourceStream)
	require.Len(t, streams, 2)
	require.Equal(t, "A", streams[0].Name)
	require.Equal(t, "B", streams[1].Name)
}
