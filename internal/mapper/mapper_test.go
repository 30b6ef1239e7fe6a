package mapper_test

import (
	"testing"

	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/mapper"
	"github.com/stretchr/testify/require"
)

func TestScenario1CreateAndSet(t *testing.T) {
	doc := crdtdoc.NewDoc("replicaA")
	mapper.InitializeDocument(doc, []string{"User"})

	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, "User", "u1", map[string]any{"id": "u1", "name": "A", "age": 25})
	})

	snap, ok := mapper.GetRecord(doc, "User", "u1")
	require.True(t, ok)
	require.Equal(t, map[string]any{"id": "u1", "name": "A", "age": 25}, snap)
	require.Equal(t, []string{"u1"}, mapper.ListRecordIDs(doc, "User"))
}

func TestScenario2UpdateThenSet(t *testing.T) {
	doc := crdtdoc.NewDoc("replicaA")
	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, "User", "u1", map[string]any{"id": "u1", "name": "A", "age": 25})
	})

	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		ok := mapper.UpdateRecord(tx, "User", "u1", map[string]any{"age": 26})
		require.True(t, ok)
	})
	snap, _ := mapper.GetRecord(doc, "User", "u1")
	require.Equal(t, map[string]any{"id": "u1", "name": "A", "age": 26}, snap)

	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, "User", "u1", map[string]any{"id": "u1", "name": "B"})
	})
	snap, _ = mapper.GetRecord(doc, "User", "u1")
	require.Equal(t, map[string]any{"id": "u1", "name": "B"}, snap)
}

func TestDeleteThenHasRecord(t *testing.T) {
	doc := crdtdoc.NewDoc("replicaA")
	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, "User", "u1", map[string]any{"id": "u1"})
	})
	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.DeleteRecord(tx, "User", "u1")
	})
	require.False(t, mapper.HasRecord(doc, "User", "u1"))

	// a subsequent delete must still succeed (idempotent no-op)
	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.DeleteRecord(tx, "User", "u1")
	})
}

func TestDocumentSnapshotIsImmutableCopy(t *testing.T) {
	doc := crdtdoc.NewDoc("replicaA")
	mapper.InitializeDocument(doc, []string{"User"})
	doc.Transact(nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, "User", "u1", map[string]any{"id": "u1", "name": "A"})
	})

	snap := mapper.DocumentSnapshot(doc, []string{"User"})
	snap["User"]["u1"]["name"] = "mutated locally"

	fresh, _ := mapper.GetRecord(doc, "User", "u1")
	require.Equal(t, "A", fresh["name"])
}
