// Package engine implements DocumentEngine (spec.md §4.5), the component
// that owns every open document's InternalDoc and wires SchemaMapper,
// RefRegistry, SubscriptionGraph, and StatusMachine together behind the
// transport abstraction.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rpggio/collabdoc/internal/apperrors"
	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/mapper"
	"github.com/rpggio/collabdoc/internal/refs"
	"github.com/rpggio/collabdoc/internal/schema"
	"github.com/rpggio/collabdoc/internal/status"
	"github.com/rpggio/collabdoc/internal/subscriptions"
	syncdriver "github.com/rpggio/collabdoc/internal/sync"
	"github.com/rpggio/collabdoc/internal/transport"
)

// Engine is the DocumentEngine. One Engine owns the map docId ->
// InternalDoc for every document it has been asked about.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	logger    *slog.Logger
	reg       *refs.Registry
	docs      map[string]*internalDoc
	replicaID string
}

// New constructs a DocumentEngine. No other global state is held outside
// what cfg supplies (spec.md §6).
func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		logger:    cfg.logger(),
		reg:       refs.NewRegistry(),
		docs:      make(map[string]*internalDoc),
		replicaID: uuid.NewString(),
	}
}

// CreateDocRef returns the stable DocumentRef for id, lazily materialising
// the InternalDoc if this is the first reference. Does not load anything
// (spec.md §4.5).
func (e *Engine) CreateDocRef(docID string, sch *schema.Schema) (*refs.DocumentRef, error) {
	if _, err := e.getOrCreateInternalDoc(docID, sch); err != nil {
		return nil, err
	}
	return e.reg.DocumentRef(docID, sch), nil
}

func (e *Engine) getOrCreateInternalDoc(docID string, sch *schema.Schema) (*internalDoc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.docs[docID]; ok {
		if sch != nil && existing.sch != nil && !existing.sch.Equal(sch) {
			return nil, apperrors.ErrSchemaMismatch
		}
		return existing, nil
	}

	crdt := crdtdoc.NewDoc(e.replicaID)
	if sch != nil {
		mapper.InitializeDocument(crdt, sch.RecordModelNames())
	}

	id := &internalDoc{id: docID, sch: sch, doc: crdt, activity: newActivityRing(50)}
	id.status = status.NewMachine(status.Hooks{
		OnMetadataSubscriptionOpened: func() { e.openMetadata(id) },
		OnMetadataSubscriptionClosed: func() {},
		OnDataSubscriptionOpened:     func() { e.openData(id) },
		OnDataSubscriptionClosed:     func() { e.closeData(id) },
	})
	id.graph = subscriptions.NewGraph(docID, sch, crdt, e.reg, e.logger, subscriptions.Hooks{
		OnFirstMetadataSubscriber: id.status.OnFirstMetadataSubscriber,
		OnLastMetadataSubscriber:  id.status.OnLastMetadataSubscriber,
		OnFirstDataSubscriber:     id.status.OnFirstDataSubscriber,
		OnLastDataSubscriber:      id.status.OnLastDataSubscriber,
	})
	id.driver = syncdriver.New(docID, crdt, sch, e.logger, syncdriver.StatusHooks{
		SetDataConnecting: func() { id.status.UpdateDataStatus(func(s *status.SyncStatus) { s.Live = status.Connecting }) },
		SetDataConnected:  func() { id.status.UpdateDataStatus(func(s *status.SyncStatus) { s.Live = status.Connected }) },
		SetDataLoaded:     func() { id.status.UpdateDataStatus(func(s *status.SyncStatus) { s.Load = status.Loaded }) },
		SetDataErrored: func(err error) {
			id.status.UpdateDataStatus(func(s *status.SyncStatus) { s.Load = status.LoadErrored; s.Error = err })
		},
	})
	id.driver.OnActivity(func(ev syncdriver.ActivityEvent) {
		id.activity.push(ActivityRecord{Type: ev.Type, Data: ev.Data})
	})
	// The returned unsubscribe is intentionally discarded: this feed backs
	// GetRecentActivity for the InternalDoc's whole lifetime and coexists
	// with however many external OnActivity subscribers come and go, since
	// Driver.OnActivity fans out to every live subscriber rather than
	// overwriting a single callback slot.

	e.docs[docID] = id
	return id, nil
}

// openMetadata is StatusMachine's onMetadataSubscriptionOpened hook: the
// transport-facing fetch that resolves metadata for a lazily materialised
// document. Runs off the calling goroutine; all writes back into
// InternalDoc state are serialised by internalDoc.mu / the status and
// graph packages' own locks, which is this Go rendition of spec.md §5's
// single-threaded cooperative scheduler — every mutation path is
// serialised the same way regardless of which goroutine reached it first.
func (e *Engine) openMetadata(id *internalDoc) {
	id.status.UpdateMetadataStatus(func(s *status.SyncStatus) { s.Load = status.Loading })

	if e.cfg.Directory == nil {
		id.status.UpdateMetadataStatus(func(s *status.SyncStatus) {
			s.Load = status.LoadErrored
			s.Error = apperrors.ErrDocumentMissing
		})
		return
	}

	go func() {
		meta, err := e.cfg.Directory.GetMetadata(context.Background(), id.id)
		if err != nil {
			id.status.UpdateMetadataStatus(func(s *status.SyncStatus) {
				s.Load = status.LoadErrored
				s.Error = err
			})
			return
		}
		id.setMetadata(meta)
		id.status.UpdateMetadataStatus(func(s *status.SyncStatus) { s.Load = status.Loaded })
	}()
}

// openData is onDataSubscriptionOpened: connects the transport session
// and attaches SyncDriver to it.
func (e *Engine) openData(id *internalDoc) {
	id.status.UpdateDataStatus(func(s *status.SyncStatus) { s.Load = status.Loading })

	if e.cfg.TransportFactory == nil {
		id.status.UpdateDataStatus(func(s *status.SyncStatus) {
			s.Load = status.LoadErrored
			s.Error = fmt.Errorf("%w: no transport factory configured", apperrors.ErrSubscriptionFailed)
		})
		return
	}

	if cache := e.cfg.LocalCache; cache != nil {
		if snap, ok, err := cache.Get(context.Background(), e.cacheKey(id.id)); err == nil && ok {
			id.driver.SeedRevision(snap.LastRevisionID)
		}
	}

	go func() {
		ctx := context.Background()
		session, err := e.cfg.TransportFactory.Connect(ctx, id.id, e.cfg.Tokens)
		if err != nil {
			id.status.UpdateDataStatus(func(s *status.SyncStatus) {
				s.Load = status.LoadErrored
				s.Error = err
			})
			return
		}
		id.setSession(session)
		if err := id.driver.Attach(ctx, session); err != nil {
			id.status.UpdateDataStatus(func(s *status.SyncStatus) {
				s.Load = status.LoadErrored
				s.Error = err
			})
		}
	}()
}

// closeData is onDataSubscriptionClosed: tears the session down and
// resets the data status so a future subscriber re-triggers a fresh load.
func (e *Engine) closeData(id *internalDoc) {
	id.driver.Close()
	if session := id.getSession(); session != nil {
		_ = session.Close()
		id.setSession(nil)
	}
	id.status.UpdateDataStatus(func(s *status.SyncStatus) {
		*s = status.SyncStatus{}
	})
}

// CreateDocument allocates a fresh id, seeds the CRDT, and returns a
// DocumentRef with metadata already LOADED (spec.md §4.5).
func (e *Engine) CreateDocument(ctx context.Context, typeName string, metadata map[string]any) (*refs.DocumentRef, error) {
	sch, ok := e.cfg.SchemaRegistry.Resolve(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", apperrors.ErrCreateFailed, typeName)
	}

	var docID string
	if e.cfg.Directory != nil {
		id, err := e.cfg.Directory.CreateDocument(ctx, typeName, metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrCreateFailed, err)
		}
		docID = id
	} else if e.cfg.AutoCreateDocuments {
		docID = uuid.NewString()
	} else {
		return nil, fmt.Errorf("%w: no directory configured and autoCreateDocuments is false", apperrors.ErrCreateFailed)
	}

	id, err := e.getOrCreateInternalDoc(docID, sch)
	if err != nil {
		return nil, err
	}
	id.setMetadata(metadata)
	id.status.UpdateMetadataStatus(func(s *status.SyncStatus) { s.Load = status.Loaded })

	return e.reg.DocumentRef(docID, sch), nil
}

// SearchResult mirrors transport.SearchResult but with DocumentRefs
// already minted for each row.
type SearchResult struct {
	Data          []SearchHit
	NextPageToken string
}

// SearchHit is one searchDocuments row.
type SearchHit struct {
	Ref      *refs.DocumentRef
	Metadata map[string]any
}

// SearchDocuments returns documents of typeName matching opts (spec.md
// §4.5). Requires a configured Directory.
func (e *Engine) SearchDocuments(ctx context.Context, typeName string, opts transport.SearchOptions) (SearchResult, error) {
	if e.cfg.Directory == nil {
		return SearchResult{}, fmt.Errorf("%w: no directory configured", apperrors.ErrSearchFailed)
	}
	sch, ok := e.cfg.SchemaRegistry.Resolve(typeName)
	if !ok {
		return SearchResult{}, fmt.Errorf("%w: unknown type %q", apperrors.ErrSearchFailed, typeName)
	}

	res, err := e.cfg.Directory.Search(ctx, typeName, opts)
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", apperrors.ErrSearchFailed, err)
	}

	hits := make([]SearchHit, 0, len(res.Data))
	for _, d := range res.Data {
		hits = append(hits, SearchHit{Ref: e.reg.DocumentRef(d.ID, sch), Metadata: d.Metadata})
	}
	return SearchResult{Data: hits, NextPageToken: res.NextPageToken}, nil
}

// cacheKey applies Config.DBPrefix to docID, the single place LocalCache
// namespacing happens (spec.md §6 EngineConfig.dbPrefix).
func (e *Engine) cacheKey(docID string) string {
	if e.cfg.DBPrefix == "" {
		return docID
	}
	return e.cfg.DBPrefix + ":" + docID
}

func (e *Engine) lookup(docID string) (*internalDoc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.docs[docID]
	if !ok {
		return nil, apperrors.ErrDocumentMissing
	}
	return id, nil
}

// GetDocumentSnapshot returns the current logical document state. Never
// blocks on remote; reflects only the local replica (spec.md §4.5).
func (e *Engine) GetDocumentSnapshot(docRef *refs.DocumentRef) (map[string]map[string]map[string]any, error) {
	if !docRef.Valid() {
		return nil, apperrors.ErrInvalidRef
	}
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return nil, err
	}
	var modelNames []string
	if id.sch != nil {
		modelNames = id.sch.RecordModelNames()
	} else {
		modelNames = id.doc.Models()
	}
	return mapper.DocumentSnapshot(id.doc, modelNames), nil
}

// GetRecords returns the stable collection ref for model.
func (e *Engine) GetRecords(docRef *refs.DocumentRef, model string) (*refs.RecordCollectionRef, error) {
	if !docRef.Valid() {
		return refs.InvalidRecordCollectionRef(), apperrors.ErrInvalidRef
	}
	if _, err := e.lookup(docRef.ID()); err != nil {
		return refs.InvalidRecordCollectionRef(), err
	}
	return e.reg.CollectionRef(docRef.ID(), docRef.Schema(), model), nil
}

// RecordRef returns the stable ref for recordID within coll, independent
// of whether the record currently exists (spec.md §3 invariant P3:
// collection.get and createRecordRef agree on identity whenever the
// record exists; the ref itself is mintable regardless).
func (e *Engine) RecordRef(coll *refs.RecordCollectionRef, recordID string) (*refs.RecordRef, error) {
	if !coll.Valid() {
		return refs.InvalidRecordRef(), apperrors.ErrInvalidRef
	}
	if _, err := e.lookup(coll.DocID()); err != nil {
		return refs.InvalidRecordRef(), err
	}
	return e.reg.RecordRef(coll.DocID(), coll.DocRef().Schema(), coll.Model(), recordID), nil
}

// GetRecord is an O(1) deep read over SchemaMapper.
func (e *Engine) GetRecord(coll *refs.RecordCollectionRef, recordID string) (map[string]any, bool, error) {
	if !coll.Valid() {
		return nil, false, apperrors.ErrInvalidRef
	}
	id, err := e.lookup(coll.DocID())
	if err != nil {
		return nil, false, err
	}
	v, ok := mapper.GetRecord(id.doc, coll.Model(), recordID)
	return v, ok, nil
}

// HasRecord is an O(1) existence check.
func (e *Engine) HasRecord(coll *refs.RecordCollectionRef, recordID string) (bool, error) {
	if !coll.Valid() {
		return false, apperrors.ErrInvalidRef
	}
	id, err := e.lookup(coll.DocID())
	if err != nil {
		return false, err
	}
	return mapper.HasRecord(id.doc, coll.Model(), recordID), nil
}

// ListRecordIDs returns model's record ids in CRDT insertion order.
func (e *Engine) ListRecordIDs(coll *refs.RecordCollectionRef) ([]string, error) {
	if !coll.Valid() {
		return nil, apperrors.ErrInvalidRef
	}
	id, err := e.lookup(coll.DocID())
	if err != nil {
		return nil, err
	}
	return mapper.ListRecordIDs(id.doc, coll.Model()), nil
}

func (e *Engine) requireLoadedForMutation(id *internalDoc) error {
	// SPEC_FULL.md Open Question resolution: reject local mutations made
	// before the data status machine has reached LOADED, rather than
	// silently diverge from a server the core cannot yet be sure it is
	// caught up with.
	if id.status.Data().Load != status.Loaded {
		return apperrors.ErrNotLoaded
	}
	return nil
}

// withTransactionInternal runs fn as one CRDT transaction scoped to id,
// then (if it produced events and the data status is loaded) hands the
// batch to SyncDriver for outgoing publish.
func (e *Engine) withTransactionInternal(id *internalDoc, desc *syncdriver.EditDescription, fn func(tx *crdtdoc.Transaction)) []crdtdoc.Event {
	var origin any = desc
	if desc == nil {
		origin = struct{}{}
	}
	events := id.doc.Transact(origin, fn)
	if len(events) > 0 {
		if err := id.driver.PublishLocalUpdate(context.Background(), events, desc); err != nil {
			e.logger.Error("failed to publish local update", "doc", id.id, "error", err)
		}
	}
	return events
}

// SetRecord replaces a record atomically (spec.md §4.5).
func (e *Engine) SetRecord(ref *refs.RecordRef, value map[string]any) error {
	if !ref.Valid() {
		return apperrors.ErrInvalidRef
	}
	id, err := e.lookup(ref.DocID())
	if err != nil {
		return err
	}
	if err := e.requireLoadedForMutation(id); err != nil {
		return err
	}
	e.withTransactionInternal(id, nil, func(tx *crdtdoc.Transaction) {
		mapper.SetRecord(tx, ref.Model(), ref.ID(), value)
	})
	return nil
}

// UpdateRecord merges partial into an existing record. Returns
// apperrors.ErrRecordMissing if the record does not exist.
func (e *Engine) UpdateRecord(ref *refs.RecordRef, partial map[string]any) error {
	if !ref.Valid() {
		return apperrors.ErrInvalidRef
	}
	id, err := e.lookup(ref.DocID())
	if err != nil {
		return err
	}
	if err := e.requireLoadedForMutation(id); err != nil {
		return err
	}
	var ok bool
	e.withTransactionInternal(id, nil, func(tx *crdtdoc.Transaction) {
		ok = mapper.UpdateRecord(tx, ref.Model(), ref.ID(), partial)
	})
	if !ok {
		return apperrors.ErrRecordMissing
	}
	return nil
}

// DeleteRecord is idempotent (spec.md §4.5).
func (e *Engine) DeleteRecord(ref *refs.RecordRef) error {
	if !ref.Valid() {
		return apperrors.ErrInvalidRef
	}
	id, err := e.lookup(ref.DocID())
	if err != nil {
		return err
	}
	if err := e.requireLoadedForMutation(id); err != nil {
		return err
	}
	e.withTransactionInternal(id, nil, func(tx *crdtdoc.Transaction) {
		mapper.DeleteRecord(tx, ref.Model(), ref.ID())
	})
	return nil
}

// Tx is the mutation surface withTransaction's callback receives, scoped
// to one document.
type Tx struct {
	id  *internalDoc
	txn *crdtdoc.Transaction
}

func (t *Tx) SetRecord(model, recordID string, value map[string]any) {
	mapper.SetRecord(t.txn, model, recordID, value)
}

func (t *Tx) UpdateRecord(model, recordID string, partial map[string]any) bool {
	return mapper.UpdateRecord(t.txn, model, recordID, partial)
}

func (t *Tx) DeleteRecord(model, recordID string) {
	mapper.DeleteRecord(t.txn, model, recordID)
}

// WithTransaction runs fn as one atomic CRDT transaction (spec.md §4.5).
// Nested withTransaction calls on the same docRef reuse the outer
// transaction; inner descriptions are ignored (crdtdoc.Doc.Transact's
// nesting-collapse rule). Exceptions from fn are not caught here — they
// propagate to the caller; the CRDT transaction still completes for
// whatever mutations fn already made, matching spec.md's "edits are not
// rolled back by the core".
func (e *Engine) WithTransaction(docRef *refs.DocumentRef, desc *EditDescription, fn func(tx *Tx)) error {
	if !docRef.Valid() {
		return apperrors.ErrInvalidRef
	}
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return err
	}
	if err := e.requireLoadedForMutation(id); err != nil {
		return err
	}

	var driverDesc *syncdriver.EditDescription
	if desc != nil {
		driverDesc = &syncdriver.EditDescription{Model: desc.Model, Data: desc.Data}
	}
	e.withTransactionInternal(id, driverDesc, func(txn *crdtdoc.Transaction) {
		fn(&Tx{id: id, txn: txn})
	})
	return nil
}

// EditDescription labels a withTransaction call for the activity feed
// (spec.md §3).
type EditDescription struct {
	Model *schema.Model
	Data  map[string]any
}

// UpdateCustomPresence broadcasts an ephemeral presence event; best-effort
// and never persisted (spec.md §4.5).
func (e *Engine) UpdateCustomPresence(ctx context.Context, docRef *refs.DocumentRef, userID string, model *schema.Model, data map[string]any) error {
	if !docRef.Valid() {
		return apperrors.ErrInvalidRef
	}
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return err
	}
	return id.driver.UpdateCustomPresence(ctx, userID, model, data)
}

// GetRecentActivity returns the bounded client-side activity tail
// (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (e *Engine) GetRecentActivity(docRef *refs.DocumentRef, limit int) ([]ActivityRecord, error) {
	if !docRef.Valid() {
		return nil, apperrors.ErrInvalidRef
	}
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return nil, err
	}
	return id.activity.tail(limit), nil
}

// --- subscription passthroughs (spec.md §4.5's on* family) ---

func (e *Engine) OnMetadataChange(docRef *refs.DocumentRef, cb func(meta any)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnMetadataChange(func(meta any) { cb(meta) }), nil
}

func (e *Engine) OnStateChange(docRef *refs.DocumentRef, cb func(ref *refs.DocumentRef)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnStateChange(cb), nil
}

func (e *Engine) OnItemsAdded(docRef *refs.DocumentRef, model string, cb func([]*refs.RecordRef)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnItemsAdded(model, cb), nil
}

func (e *Engine) OnItemsChanged(docRef *refs.DocumentRef, model string, cb func([]*refs.RecordRef)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnItemsChanged(model, cb), nil
}

func (e *Engine) OnItemsDeleted(docRef *refs.DocumentRef, model string, cb func([]*refs.RecordRef)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnItemsDeleted(model, cb), nil
}

func (e *Engine) OnRecordChanged(ref *refs.RecordRef, cb func(map[string]any)) (func(), error) {
	id, err := e.lookup(ref.DocID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnRecordChanged(ref.Model(), ref.ID(), cb), nil
}

func (e *Engine) OnRecordDeleted(ref *refs.RecordRef, cb func()) (func(), error) {
	id, err := e.lookup(ref.DocID())
	if err != nil {
		return func() {}, err
	}
	return id.graph.OnRecordDeleted(ref.Model(), ref.ID(), cb), nil
}

func (e *Engine) OnStatus(docRef *refs.DocumentRef, cb func(kind status.Kind, s status.SyncStatus)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.status.OnStatusChange(cb), nil
}

func (e *Engine) OnActivity(docRef *refs.DocumentRef, cb func(ActivityRecord)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	return id.driver.OnActivity(func(ev syncdriver.ActivityEvent) { cb(ActivityRecord{Type: ev.Type, Data: ev.Data}) }), nil
}

// OnPresence subscribes to the document's presence channel. ignoreSelf
// overrides Config.IgnoreSelfPresence when non-nil; a nil ignoreSelf
// defaults to whatever the engine was configured with (spec.md §4.6).
func (e *Engine) OnPresence(docRef *refs.DocumentRef, ignoreSelf *bool, cb func(syncdriver.PresenceEvent)) (func(), error) {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return func() {}, err
	}
	effectiveIgnoreSelf := e.cfg.IgnoreSelfPresence
	if ignoreSelf != nil {
		effectiveIgnoreSelf = *ignoreSelf
	}
	return id.driver.OnPresence(func(ev syncdriver.PresenceEvent) {
		if effectiveIgnoreSelf && ev.FromSelf {
			return
		}
		cb(ev)
	}), nil
}

// WaitForMetadataLoad/WaitForDataLoad are thin adapters over StatusMachine
// (spec.md §9: "a thin promise adapter over onStatusChange").
func (e *Engine) WaitForMetadataLoad(ctx context.Context, docRef *refs.DocumentRef) error {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return err
	}
	return id.status.WaitForLoad(ctx, status.Metadata)
}

func (e *Engine) WaitForDataLoad(ctx context.Context, docRef *refs.DocumentRef) error {
	id, err := e.lookup(docRef.ID())
	if err != nil {
		return err
	}
	return id.status.WaitForLoad(ctx, status.Data)
}
