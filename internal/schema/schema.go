// Package schema models the typed record schema an application hands to
// the engine: a set of named Models (Record or Union) the SchemaMapper
// projects onto the CRDT. Model identity is value-based (name), not Go
// object identity — see Schema.Key and Model.Equal — per spec.md §9's
// hot-reload note.
package schema

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Kind distinguishes the two model shapes spec.md §3 allows.
type Kind int

const (
	KindRecord Kind = iota
	KindUnion
)

func (k Kind) String() string {
	if k == KindUnion {
		return "union"
	}
	return "record"
}

// FieldType names a field's declared type. Full type IR (beyond naming a
// scalar/ref kind) is the job of the out-of-scope codegen tool (spec.md
// §1); the core only needs enough to know which fields are external
// document references.
type FieldType struct {
	Name       string
	ExternalRef bool // true if this field holds a cross-document record reference
}

// Model is a named schema entry: either a Record (fields) or a Union
// (discriminant + variant model names).
type Model struct {
	Name string
	Kind Kind

	// Record fields.
	Fields                []FieldType
	ExternalRefFieldTypes []string // field names flagged ExternalRef, denormalised for quick lookup

	// Union fields.
	Discriminant string
	Variants     []string

	// Meta is an application-attached metadata payload. Direct type
	// assertions against it are the fast path; MetadataOf below is the
	// structural fallback for when Meta was attached by a different
	// in-process copy of this package (see metadataFallback).
	Meta any
}

// Equal reports structural equality — the spec.md §7 SchemaMismatch check
// is "docRef reused with a differently-shaped schema (checked by
// structural equality)", never Go identity.
func (m Model) Equal(other Model) bool {
	if m.Name != other.Name || m.Kind != other.Kind {
		return false
	}
	switch m.Kind {
	case KindUnion:
		if m.Discriminant != other.Discriminant || len(m.Variants) != len(other.Variants) {
			return false
		}
		for i := range m.Variants {
			if m.Variants[i] != other.Variants[i] {
				return false
			}
		}
		return true
	default:
		if len(m.Fields) != len(other.Fields) {
			return false
		}
		a := append([]FieldType(nil), m.Fields...)
		b := append([]FieldType(nil), other.Fields...)
		sort.Slice(a, func(i, j int) bool { return a[i].Name < a[j].Name })
		sort.Slice(b, func(i, j int) bool { return b[i].Name < b[j].Name })
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
}

// Schema is a named, versioned collection of Models.
type Schema struct {
	Version int
	Models  map[string]Model
}

// RecordModelNames returns Record-kind model names, for
// SchemaMapper.initializeDocument.
func (s *Schema) RecordModelNames() []string {
	names := make([]string, 0, len(s.Models))
	for name, m := range s.Models {
		if m.Kind == KindRecord {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Equal is structural equality across the whole schema, used to detect
// spec.md §7's SchemaMismatch when a docId is reused with a reshaped
// schema.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Version != other.Version || len(s.Models) != len(other.Models) {
		return false
	}
	for name, m := range s.Models {
		om, ok := other.Models[name]
		if !ok || !m.Equal(om) {
			return false
		}
	}
	return true
}

// Key returns a canonical string key for the schema's shape, used by
// RefRegistry to distinguish DocumentRefs for the same docId opened with
// differently-shaped schemas (spec.md §3 invariant P1 is scoped per
// (docId, schema)). The key covers the version and each model's name,
// kind and field count only; schemas that differ just in field names or
// union variants share a key (Equal does tell them apart).
func (s *Schema) Key() string {
	names := make([]string, 0, len(s.Models))
	for name := range s.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "v%d", s.Version)
	for _, name := range names {
		m := s.Models[name]
		fmt.Fprintf(&b, "|%s:%s:%d", name, m.Kind, len(m.Fields))
	}
	return b.String()
}

var (
	fallbackMu   sync.Mutex
	fallbackOnce sync.Once
	fallbackLog  *slog.Logger
)

// SetFallbackLogger installs the logger used for the one-shot metadata
// fallback warning (spec.md §7: "Schema-metadata fallback lookups emit a
// single process-wide warning").
func SetFallbackLogger(l *slog.Logger) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	fallbackLog = l
}

// MetadataOf returns m.Meta via direct type assertion into T, falling
// back to a structural lookup by model name in the process-wide side
// table when the direct assertion fails — the case where Meta was
// attached by a different in-process copy of this package (e.g. a
// hot-reloaded plugin linking its own schema package). The fallback path
// logs exactly once per process.
func MetadataOf[T any](m Model) (T, bool) {
	var zero T
	if v, ok := m.Meta.(T); ok {
		return v, true
	}
	if v, ok := sideTable(m.Name); ok {
		if typed, ok := v.(T); ok {
			warnFallbackOnce()
			return typed, true
		}
	}
	return zero, false
}

// RegisterSideMetadata attaches metadata for modelName in the process-wide
// side table, reachable by MetadataOf even from a Model value whose Meta
// field a different package copy populated.
func RegisterSideMetadata(modelName string, meta any) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	if sideMetadata == nil {
		sideMetadata = make(map[string]any)
	}
	sideMetadata[modelName] = meta
}

var sideMetadata map[string]any

func sideTable(modelName string) (any, bool) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	v, ok := sideMetadata[modelName]
	return v, ok
}

func warnFallbackOnce() {
	fallbackOnce.Do(func() {
		fallbackMu.Lock()
		l := fallbackLog
		fallbackMu.Unlock()
		if l != nil {
			l.Warn("schema metadata resolved via structural fallback; multiple in-process copies of the schema package detected")
		}
	})
}
