// Package cache implements the optional offline local snapshot collaborator
// SPEC_FULL.md's SUPPLEMENTED FEATURES section adds: spec.md calls
// persistence out of scope for the state core itself (§1 Non-goals) but
// explicitly allows it as "an optional collaborator" for the demo/offline
// transport. Store persists, per cache key, the last-applied revision id
// and a JSON-serialised logical snapshot. The engine only reads it, when a
// document's data subscription opens, to seed the last-known revision id;
// it never writes snapshots into it, and GetDocumentSnapshot does not
// consult it.
//
// Adapted from the teacher's internal/sqlite/db.go connection setup; the
// schema and queries here are this package's own, not the teacher's
// project/record/session tables.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

// Store is a pure-Go, cgo-free SQLite-backed snapshot cache. Pure-Go
// matters here specifically because this is an SDK embedded in an
// application whose build the author does not control.
//
// Store itself knows nothing about namespacing: it persists whatever key
// it is given. Disambiguating multiple engines sharing one cache file is
// the caller's job (engine.Config.DBPrefix), so there is exactly one place
// that decides what a document's cache key is.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or attaches to) the snapshot cache at path. path may be
// ":memory:" for an ephemeral cache.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS document_snapshots (
			cache_key         TEXT PRIMARY KEY,
			doc_id            TEXT NOT NULL,
			last_revision_id  TEXT NOT NULL,
			snapshot_json     BLOB NOT NULL,
			updated_at_unix   INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

// Snapshot is the persisted unit: the logical document tree plus the
// server revision id it reflects.
type Snapshot struct {
	Tree           map[string]map[string]map[string]any
	LastRevisionID string
}

// Get returns the cached snapshot for cacheKey, if any. cacheKey is
// whatever the caller uses to identify the document, already namespaced if
// it needs to be (engine.Config.DBPrefix).
func (s *Store) Get(ctx context.Context, cacheKey string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_revision_id, snapshot_json FROM document_snapshots WHERE cache_key = ?`,
		cacheKey)

	var lastRevisionID string
	var blob []byte
	if err := row.Scan(&lastRevisionID, &blob); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: get %s: %w", cacheKey, err)
	}

	var tree map[string]map[string]map[string]any
	if err := json.Unmarshal(blob, &tree); err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: decode %s: %w", cacheKey, err)
	}
	return Snapshot{Tree: tree, LastRevisionID: lastRevisionID}, true, nil
}

// Put persists (or replaces) the snapshot for cacheKey, stamped with
// lastRevisionID, at time unixNow (caller-supplied so this package stays
// deterministic and testable without a wall-clock call).
func (s *Store) Put(ctx context.Context, cacheKey string, tree map[string]map[string]map[string]any, lastRevisionID string, unixNow int64) error {
	blob, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", cacheKey, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (cache_key, doc_id, last_revision_id, snapshot_json, updated_at_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			last_revision_id = excluded.last_revision_id,
			snapshot_json = excluded.snapshot_json,
			updated_at_unix = excluded.updated_at_unix
	`, cacheKey, cacheKey, lastRevisionID, blob, unixNow)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", cacheKey, err)
	}
	s.logger.Debug("cached document snapshot", "doc", cacheKey, "bytes", humanize.Bytes(uint64(len(blob))))
	return nil
}

// Evict removes cacheKey's cached snapshot, logging its size before removal.
func (s *Store) Evict(ctx context.Context, cacheKey string) error {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM document_snapshots WHERE cache_key = ?`, cacheKey)
	if err := row.Scan(&blob); err == nil {
		s.logger.Info("evicting cached document snapshot", "doc", cacheKey, "bytes", humanize.Bytes(uint64(len(blob))))
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_snapshots WHERE cache_key = ?`, cacheKey)
	if err != nil {
		return fmt.Errorf("cache: evict %s: %w", cacheKey, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
