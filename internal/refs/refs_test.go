package refs_test

import (
	"runtime"
	"testing"

	"github.com/rpggio/collabdoc/internal/refs"
	"github.com/rpggio/collabdoc/internal/schema"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.Schema {
	return &schema.Schema{Version: 1, Models: map[string]schema.Model{
		"User": {Name: "User", Kind: schema.KindRecord},
	}}
}

func TestDocumentRefIsDeduped(t *testing.T) {
	reg := refs.NewRegistry()
	sch := testSchema()

	a := reg.DocumentRef("doc1", sch)
	b := reg.DocumentRef("doc1", sch)
	require.Same(t, a, b)
}

func TestCollectionRefIsDeduped(t *testing.T) {
	reg := refs.NewRegistry()
	sch := testSchema()

	a := reg.CollectionRef("doc1", sch, "User")
	b := reg.CollectionRef("doc1", sch, "User")
	require.Same(t, a, b)
}

func TestRecordRefIsDeduped(t *testing.T) {
	reg := refs.NewRegistry()
	sch := testSchema()

	a := reg.RecordRef("doc1", sch, "User", "u1")
	b := reg.RecordRef("doc1", sch, "User", "u1")
	require.Same(t, a, b)
}

func TestRecordRefDocRefRoundTrips(t *testing.T) {
	reg := refs.NewRegistry()
	sch := testSchema()

	docRef := reg.DocumentRef("doc1", sch)
	recRef := reg.RecordRef("doc1", sch, "User", "u1")

	require.Same(t, docRef, recRef.DocRef())
}

func TestDifferentSchemaYieldsDifferentDocumentRef(t *testing.T) {
	reg := refs.NewRegistry()
	schA := testSchema()
	schB := &schema.Schema{Version: 2, Models: map[string]schema.Model{
		"User": {Name: "User", Kind: schema.KindRecord},
	}}

	a := reg.DocumentRef("doc1", schA)
	b := reg.DocumentRef("doc1", schB)
	require.NotSame(t, a, b)
}

func TestCollectedRefIsReMinted(t *testing.T) {
	reg := refs.NewRegistry()
	sch := testSchema()

	func() {
		ref := reg.DocumentRef("doc1", sch)
		_ = ref
	}()

	// Force the cleanup to run; weak refs don't guarantee immediate
	// collection, but repeated GC cycles make it deterministic enough in
	// practice for this package's own test of the re-mint path.
	for i := 0; i < 10; i++ {
		runtime.GC()
	}

	fresh := reg.DocumentRef("doc1", sch)
	require.NotNil(t, fresh)
}

func TestInvalidSentinelsAreSingletons(t *testing.T) {
	require.Same(t, refs.InvalidDocumentRef(), refs.InvalidDocumentRef())
	require.Same(t, refs.InvalidRecordRef(), refs.InvalidRecordRef())
	require.Same(t, refs.InvalidRecordCollectionRef(), refs.InvalidRecordCollectionRef())
	require.False(t, refs.InvalidDocumentRef().Valid())
}
