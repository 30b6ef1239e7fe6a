package engine

import "github.com/rpggio/collabdoc/internal/schema"

// SchemaRegistry resolves a typed schema by the type name an application
// passes to createDocument/searchDocuments (createDocRef takes the schema
// value directly). Schema IR
// generation itself is out of scope (spec.md §1); the engine only needs
// to look one up by name.
type SchemaRegistry interface {
	Resolve(typeName string) (*schema.Schema, bool)
}

// StaticRegistry is the simplest SchemaRegistry: a fixed map supplied at
// construction time, sufficient for applications that register their
// generated schemas once at startup.
type StaticRegistry map[string]*schema.Schema

func (r StaticRegistry) Resolve(typeName string) (*schema.Schema, bool) {
	s, ok := r[typeName]
	return s, ok
}
