package engine

import (
	"sync"

	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/schema"
	"github.com/rpggio/collabdoc/internal/status"
	"github.com/rpggio/collabdoc/internal/subscriptions"
	syncdriver "github.com/rpggio/collabdoc/internal/sync"
	"github.com/rpggio/collabdoc/internal/transport"
)

// internalDoc is the engine-private per-document state spec.md §3 names:
// the CRDT replica, the last applied server revision id (held inside
// driver), the subscriber sets, the attached observer handles (held
// inside graph), the two SyncStatus records, and the optional transport
// session.
type internalDoc struct {
	mu sync.Mutex

	id  string
	sch *schema.Schema
	doc *crdtdoc.Doc

	graph   *subscriptions.Graph
	status  *status.Machine
	driver  *syncdriver.Driver
	activity *activityRing

	metadata    map[string]any
	metadataSet bool

	session transport.Session
}

func (id *internalDoc) setMetadata(meta map[string]any) {
	id.mu.Lock()
	id.metadata = meta
	id.metadataSet = true
	id.mu.Unlock()
	id.graph.NotifyMetadata(meta)
}

func (id *internalDoc) getMetadata() (map[string]any, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.metadata, id.metadataSet
}

func (id *internalDoc) setSession(s transport.Session) {
	id.mu.Lock()
	id.session = s
	id.mu.Unlock()
}

func (id *internalDoc) getSession() transport.Session {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.session
}
