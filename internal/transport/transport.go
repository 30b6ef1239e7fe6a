// Package transport declares the out-of-scope wire collaborator spec.md
// §6 names but does not specify internally: a long-lived channel
// multiplexer with handshake, per-channel subscribe/publish, and
// resubscribe-after-reconnect. DocumentEngine and SyncDriver depend only
// on these interfaces; internal/transport/wsloop provides one concrete,
// swappable implementation.
package transport

import "context"

// Message is one payload delivered on a subscribed channel.
type Message struct {
	Type string
	Data map[string]any
}

// MessageHandler receives every message delivered on a subscription.
type MessageHandler func(Message)

// Subscription is a live channel subscription returned by Session.Subscribe.
type Subscription interface {
	// Channel is the channel name this subscription was opened on.
	Channel() string
	Cancel()
}

// HandshakeHandler is invoked on every (re)handshake; isReconnect is false
// only for the session's very first handshake.
type HandshakeHandler func(isReconnect bool)

// ResubscribeRequest pairs a channel with the freshly computed ext
// payload SyncDriver's getSubscriptionRequest thunk produced for it
// (spec.md §4.6).
type ResubscribeRequest struct {
	Channel string
	Ext     any
}

// Session is one document's transport session: subscribe/publish
// channels plus handshake and batched resubscribe primitives (spec.md §6).
type Session interface {
	// Subscribe opens channel with the given ext payload as the initial
	// subscription request, delivering messages to handler.
	Subscribe(ctx context.Context, channel string, ext any, handler MessageHandler) (Subscription, error)
	// Publish sends payload once on channel.
	Publish(ctx context.Context, channel string, payload any) error
	// OnHandshake registers cb to run on every handshake, including
	// reconnects. Returns an unsubscribe.
	OnHandshake(cb HandshakeHandler) (unsubscribe func())
	// Resubscribe batches re-subscription of every (channel, ext) pair in
	// one transport round-trip after a reconnect handshake (spec.md §4.6's
	// "batched into a single transport batch").
	Resubscribe(ctx context.Context, reqs []ResubscribeRequest) error
	// Close tears the session down.
	Close() error
}

// TokenSource is the engine's auth boundary (spec.md §6): opaque bearer
// tokens plus a change event so the transport can rebind the handshake
// ext whenever the token rotates.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	OnChange(cb func()) (unsubscribe func())
}

// Factory opens one transport Session per document (spec.md §6's
// EngineConfig.transportFactory field).
type Factory interface {
	Connect(ctx context.Context, docID string, tokens TokenSource) (Session, error)
}

// SearchOptions is searchDocuments' pagination/filter input (spec.md §4.5).
type SearchOptions struct {
	Name      string
	Limit     int
	PageToken string
}

// DocumentSummary is one row of a searchDocuments result.
type DocumentSummary struct {
	ID       string
	Metadata map[string]any
}

// SearchResult is searchDocuments' return shape.
type SearchResult struct {
	Data          []DocumentSummary
	NextPageToken string
}

// Directory is the document-catalog side of the transport: allocating new
// documents, fetching metadata for lazily-materialised ones, and
// searching by type. Distinct from Factory because a directory operation
// is not scoped to one already-open document session. Engines configured
// without a Directory cannot search, fail metadata loads for documents
// opened via createDocRef (ErrDocumentMissing), and create documents only
// when AutoCreateDocuments is set, using the metadata passed to
// CreateDocument.
type Directory interface {
	CreateDocument(ctx context.Context, typeName string, metadata map[string]any) (docID string, err error)
	GetMetadata(ctx context.Context, docID string) (map[string]any, error)
	Search(ctx context.Context, typeName string, opts SearchOptions) (SearchResult, error)
}
