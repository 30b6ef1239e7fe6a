// Package subscriptions implements the SubscriptionGraph (spec.md §4.3):
// per-document subscriber sets plus CRDT deep-observer attachment and
// fan-out.
package subscriptions

import (
	"log/slog"
	"sort"

	"github.com/rpggio/collabdoc/internal/crdtdoc"
	"github.com/rpggio/collabdoc/internal/mapper"
	"github.com/rpggio/collabdoc/internal/refs"
	"github.com/rpggio/collabdoc/internal/schema"
)

type (
	MetadataCallback func(meta any)
	StateCallback    func(docRef *refs.DocumentRef)
	// CollectionCallback receives the record refs added/changed/deleted in
	// one fan-out batch, in the natural order spec.md §4.3 describes.
	CollectionCallback   func(recordRefs []*refs.RecordRef)
	RecordChangedCallback func(snapshot map[string]any)
	RecordDeletedCallback func()
)

type collectionSubs struct {
	added   *subList[CollectionCallback]
	changed *subList[CollectionCallback]
	deleted *subList[CollectionCallback]
}

func newCollectionSubs() *collectionSubs {
	return &collectionSubs{
		added:   newSubList[CollectionCallback](),
		changed: newSubList[CollectionCallback](),
		deleted: newSubList[CollectionCallback](),
	}
}

func (c *collectionSubs) count() int {
	return c.added.len() + c.changed.len() + c.deleted.len()
}

type recordSubs struct {
	changed *subList[RecordChangedCallback]
	deleted *subList[RecordDeletedCallback]
}

func newRecordSubs() *recordSubs {
	return &recordSubs{
		changed: newSubList[RecordChangedCallback](),
		deleted: newSubList[RecordDeletedCallback](),
	}
}

func (r *recordSubs) count() int {
	return r.changed.len() + r.deleted.len()
}

// Hooks lets the owning engine observe the transitions StatusMachine needs
// (spec.md §4.4's subscription-count hooks) without the graph importing
// the status package.
type Hooks struct {
	OnFirstMetadataSubscriber func()
	OnLastMetadataSubscriber  func()
	OnFirstDataSubscriber     func()
	OnLastDataSubscriber      func()
}

// Graph holds every subscriber set for one document.
type Graph struct {
	docID  string
	sch    *schema.Schema
	doc    *crdtdoc.Doc
	reg    *refs.Registry
	logger *slog.Logger
	hooks  Hooks

	metadata     *subList[MetadataCallback]
	state        *subList[StateCallback]
	collections  map[string]*collectionSubs         // modelName -> subs
	records      map[string]map[string]*recordSubs  // modelName -> recordID -> subs
	observers    map[string]func()                  // modelName -> crdt unsubscribe

	lastMetadata    any
	lastMetadataSet bool

	dataSubscriberCount int
}

func NewGraph(docID string, sch *schema.Schema, doc *crdtdoc.Doc, reg *refs.Registry, logger *slog.Logger, hooks Hooks) *Graph {
	return &Graph{
		docID:       docID,
		sch:         sch,
		doc:         doc,
		reg:         reg,
		logger:      logger,
		hooks:       hooks,
		metadata:    newSubList[MetadataCallback](),
		state:       newSubList[StateCallback](),
		collections: make(map[string]*collectionSubs),
		records:     make(map[string]map[string]*recordSubs),
		observers:   make(map[string]func()),
	}
}

// NotifyMetadata caches the latest metadata and replays it to every
// existing metadata subscriber, then to every subscriber installed
// hereafter until the next NotifyMetadata call.
func (g *Graph) NotifyMetadata(meta any) {
	g.lastMetadata = meta
	g.lastMetadataSet = true
	for _, cb := range g.metadata.snapshot() {
		g.safeInvoke(func() { cb(meta) })
	}
}

// OnMetadataChange subscribes and, per spec.md §4.3, replays immediately
// iff metadata is already available.
func (g *Graph) OnMetadataChange(cb MetadataCallback) func() {
	wasEmpty := g.metadata.len() == 0
	unsub := g.metadata.add(cb)
	if wasEmpty && g.hooks.OnFirstMetadataSubscriber != nil {
		g.hooks.OnFirstMetadataSubscriber()
	}
	if g.lastMetadataSet {
		g.safeInvoke(func() { cb(g.lastMetadata) })
	}
	return g.wrapMetadataUnsub(unsub)
}

func (g *Graph) wrapMetadataUnsub(unsub func()) func() {
	return func() {
		unsub()
		if g.metadata.len() == 0 && g.hooks.OnLastMetadataSubscriber != nil {
			g.hooks.OnLastMetadataSubscriber()
		}
	}
}

// OnStateChange subscribes and replays once synchronously with the
// document's DocumentRef, per spec.md §4.3.
func (g *Graph) OnStateChange(cb StateCallback) func() {
	wasData := g.dataSubscriberCount
	unsub := g.state.add(cb)
	g.dataSubscriberCount++
	g.fireDataHookIfNeeded(wasData)

	docRef := g.reg.DocumentRef(g.docID, g.sch)
	g.safeInvoke(func() { cb(docRef) })

	return func() {
		unsub()
		g.dataSubscriberCount--
		g.fireDataHookIfNeeded(g.dataSubscriberCount + 1)
	}
}

func (g *Graph) fireDataHookIfNeeded(before int) {
	if before == 0 && g.dataSubscriberCount == 1 && g.hooks.OnFirstDataSubscriber != nil {
		g.hooks.OnFirstDataSubscriber()
	}
	if before == 1 && g.dataSubscriberCount == 0 && g.hooks.OnLastDataSubscriber != nil {
		g.hooks.OnLastDataSubscriber()
	}
}

func (g *Graph) collectionSubsFor(model string) *collectionSubs {
	c, ok := g.collections[model]
	if !ok {
		c = newCollectionSubs()
		g.collections[model] = c
	}
	return c
}

func (g *Graph) recordSubsFor(model, id string) *recordSubs {
	byID, ok := g.records[model]
	if !ok {
		byID = make(map[string]*recordSubs)
		g.records[model] = byID
	}
	r, ok := byID[id]
	if !ok {
		r = newRecordSubs()
		byID[id] = r
	}
	return r
}

// modelSubscriberCount is the total collection+record subscriber count
// for a model, used to decide whether the deep observer needs to be
// installed/removed (spec.md §4.3: "installed on first collection/record
// subscriber for that model, removed when the last is gone").
func (g *Graph) modelSubscriberCount(model string) int {
	total := 0
	if c, ok := g.collections[model]; ok {
		total += c.count()
	}
	if byID, ok := g.records[model]; ok {
		for _, r := range byID {
			total += r.count()
		}
	}
	return total
}

func (g *Graph) ensureObserver(model string) {
	if _, ok := g.observers[model]; ok {
		return
	}
	g.observers[model] = g.doc.Observe(model, func(events []crdtdoc.Event, origin any) {
		g.fanOut(model, events, origin)
	})
}

func (g *Graph) maybeRemoveObserver(model string) {
	if g.modelSubscriberCount(model) > 0 {
		return
	}
	if unsub, ok := g.observers[model]; ok {
		unsub()
		delete(g.observers, model)
	}
}

// OnItemsAdded/Changed/Deleted share one registration path; kind selects
// which sub-list a callback lands on.
type collectionKind int

const (
	kindAdded collectionKind = iota
	kindChanged
	kindDeleted
)

func (g *Graph) onCollection(model string, kind collectionKind, cb CollectionCallback) func() {
	wasData := g.dataSubscriberCount
	subs := g.collectionSubsFor(model)

	var unsub func()
	switch kind {
	case kindAdded:
		unsub = subs.added.add(cb)
	case kindChanged:
		unsub = subs.changed.add(cb)
	default:
		unsub = subs.deleted.add(cb)
	}
	g.ensureObserver(model)

	g.dataSubscriberCount++
	g.fireDataHookIfNeeded(wasData)

	// spec.md §4.3: collection subscribers are not replayed on install.

	return func() {
		unsub()
		g.maybeRemoveObserver(model)
		g.dataSubscriberCount--
		g.fireDataHookIfNeeded(g.dataSubscriberCount + 1)
	}
}

func (g *Graph) OnItemsAdded(model string, cb CollectionCallback) func() {
	return g.onCollection(model, kindAdded, cb)
}
func (g *Graph) OnItemsChanged(model string, cb CollectionCallback) func() {
	return g.onCollection(model, kindChanged, cb)
}
func (g *Graph) OnItemsDeleted(model string, cb CollectionCallback) func() {
	return g.onCollection(model, kindDeleted, cb)
}

// OnRecordChanged subscribes and replays once with the current snapshot
// iff the record exists, per spec.md §4.3.
func (g *Graph) OnRecordChanged(model, id string, cb RecordChangedCallback) func() {
	wasData := g.dataSubscriberCount
	subs := g.recordSubsFor(model, id)
	unsub := subs.changed.add(cb)
	g.ensureObserver(model)

	g.dataSubscriberCount++
	g.fireDataHookIfNeeded(wasData)

	if snap, ok := mapper.GetRecord(g.doc, model, id); ok {
		g.safeInvoke(func() { cb(snap) })
	}

	return func() {
		unsub()
		g.maybeRemoveObserver(model)
		g.dataSubscriberCount--
		g.fireDataHookIfNeeded(g.dataSubscriberCount + 1)
	}
}

// OnRecordDeleted subscribes; never replayed (spec.md §4.3).
func (g *Graph) OnRecordDeleted(model, id string, cb RecordDeletedCallback) func() {
	wasData := g.dataSubscriberCount
	subs := g.recordSubsFor(model, id)
	unsub := subs.deleted.add(cb)
	g.ensureObserver(model)

	g.dataSubscriberCount++
	g.fireDataHookIfNeeded(wasData)

	return func() {
		unsub()
		g.maybeRemoveObserver(model)
		g.dataSubscriberCount--
		g.fireDataHookIfNeeded(g.dataSubscriberCount + 1)
	}
}

type classification int

const (
	classNone classification = iota
	classAdded
	classChanged
	classDeleted
)

// fanOut runs spec.md §4.3's algorithm for one model's event batch.
func (g *Graph) fanOut(model string, events []crdtdoc.Event, origin any) {
	order := make([]string, 0, len(events))
	seen := make(map[string]bool)
	class := make(map[string]classification)

	for _, ev := range events {
		if !seen[ev.RecordID] {
			seen[ev.RecordID] = true
			order = append(order, ev.RecordID)
		}
		switch ev.Kind {
		case crdtdoc.KindAdd:
			class[ev.RecordID] = classAdded
		case crdtdoc.KindDelete:
			class[ev.RecordID] = classDeleted
		case crdtdoc.KindUpdate, crdtdoc.KindField:
			if class[ev.RecordID] != classAdded {
				class[ev.RecordID] = classChanged
			}
		}
	}

	var added, changed, deleted []string
	for _, id := range order {
		switch class[id] {
		case classAdded:
			added = append(added, id)
		case classChanged:
			changed = append(changed, id)
		case classDeleted:
			deleted = append(deleted, id)
		}
	}

	subs := g.collections[model]
	if subs != nil {
		g.notifyCollection(subs.added, model, added)
		g.notifyCollection(subs.changed, model, changed)
		g.notifyCollection(subs.deleted, model, deleted)
	}

	byID := g.records[model]
	for _, id := range changed {
		if byID == nil {
			continue
		}
		r, ok := byID[id]
		if !ok {
			continue
		}
		snap, ok := mapper.GetRecord(g.doc, model, id)
		if !ok {
			continue
		}
		for _, cb := range r.changed.snapshot() {
			cb := cb
			g.safeInvoke(func() { cb(snap) })
		}
	}
	for _, id := range deleted {
		if byID == nil {
			continue
		}
		r, ok := byID[id]
		if !ok {
			continue
		}
		for _, cb := range r.deleted.snapshot() {
			cb := cb
			g.safeInvoke(func() { cb() })
		}
	}

	_ = origin // origin reaches callers through the sync package, not here
}

func (g *Graph) notifyCollection(list *subList[CollectionCallback], model string, ids []string) {
	if list == nil || len(ids) == 0 {
		return
	}
	sorted := append([]string(nil), ids...) // already in natural event order
	refsOut := make([]*refs.RecordRef, 0, len(sorted))
	for _, id := range sorted {
		refsOut = append(refsOut, g.reg.RecordRef(g.docID, g.sch, model, id))
	}
	for _, cb := range list.snapshot() {
		cb := cb
		g.safeInvoke(func() { cb(refsOut) })
	}
}

func (g *Graph) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if g.logger != nil {
				g.logger.Error("subscriber callback panicked", "panic", r, "doc", g.docID)
			}
		}
	}()
	fn()
}

// ModelsWithObservers lists the models that currently have a CRDT
// observer installed, for diagnostics.
func (g *Graph) ModelsWithObservers() []string {
	names := make([]string, 0, len(g.observers))
	for name := range g.observers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
