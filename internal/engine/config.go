package engine

import (
	"log/slog"

	"github.com/rpggio/collabdoc/internal/cache"
	"github.com/rpggio/collabdoc/internal/transport"
)

// Config is the programmatic construction-time configuration spec.md §6
// names: "{transportFactory, schemaRegistry, autoCreateDocuments?,
// dbPrefix?, ignoreSelfPresence?}". SchemaRegistry resolves a schema by
// the type name searchDocuments/createDocument callers pass, since the
// engine never generates schemas itself (codegen is out of scope, §1).
type Config struct {
	TransportFactory transport.Factory
	Directory        transport.Directory // optional: create/search/metadata
	Tokens           transport.TokenSource
	SchemaRegistry   SchemaRegistry

	// AutoCreateDocuments lets CreateDocument mint a fresh document id
	// locally (a random UUID) when no Directory is configured; without it,
	// CreateDocument fails with ErrCreateFailed in that case. CreateDocRef
	// does not consult it.
	AutoCreateDocuments bool
	// DBPrefix namespaces every key this engine writes into LocalCache, so
	// one process embedding multiple engines against the same cache file
	// doesn't collide. cache.Store itself has no namespacing opinion;
	// Engine.cacheKey is the one place that applies this prefix.
	DBPrefix string
	// IgnoreSelfPresence is the default OnPresence uses when a caller
	// subscribes without an explicit ignoreSelf override (spec.md §4.6).
	IgnoreSelfPresence bool

	// LocalCache is the optional offline snapshot collaborator spec.md §1
	// allows outside the core proper (SPEC_FULL.md SUPPLEMENTED FEATURES).
	LocalCache *cache.Store

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
