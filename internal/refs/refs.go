// Package refs implements the RefRegistry (spec.md §4.2): weak-valued
// caches handing out stable, deduplicated DocumentRef / RecordCollectionRef
// / RecordRef handles. Per spec.md §9's design note, a ref never holds a
// parent pointer back to the engine — only to the Registry that minted it,
// so DocumentRef/RecordCollectionRef/RecordRef can be passed around as
// plain value-identity-free handles while still answering "what document
// is this part of" by asking the Registry to re-mint (or return the
// still-live) canonical ref for that tuple.
package refs

import (
	"runtime"
	"sync"
	"weak"

	"github.com/rpggio/collabdoc/internal/schema"
)

// brand makes the three ref types structurally nominal — spec.md §3.
type brand struct{}

// DocumentRef is the stable handle for one (docId, schema) tuple.
type DocumentRef struct {
	_       brand
	reg     *Registry
	id      string
	sch     *schema.Schema
	invalid bool
}

func (r *DocumentRef) ID() string            { return r.id }
func (r *DocumentRef) Schema() *schema.Schema { return r.sch }
func (r *DocumentRef) Valid() bool           { return r != nil && !r.invalid }

// RecordCollectionRef is the stable handle for one (docId, modelName) tuple.
type RecordCollectionRef struct {
	_       brand
	reg     *Registry
	docID   string
	sch     *schema.Schema
	model   string
	invalid bool
}

func (r *RecordCollectionRef) Model() string    { return r.model }
func (r *RecordCollectionRef) DocID() string    { return r.docID }
func (r *RecordCollectionRef) Valid() bool      { return r != nil && !r.invalid }
func (r *RecordCollectionRef) DocRef() *DocumentRef {
	if r.invalid || r.reg == nil {
		return InvalidDocumentRef()
	}
	return r.reg.DocumentRef(r.docID, r.sch)
}

// RecordRef is the stable handle for one (docId, modelName, recordId) tuple.
type RecordRef struct {
	_       brand
	reg     *Registry
	docID   string
	sch     *schema.Schema
	model   string
	id      string
	invalid bool
}

func (r *RecordRef) ID() string    { return r.id }
func (r *RecordRef) Model() string { return r.model }
func (r *RecordRef) DocID() string { return r.docID }
func (r *RecordRef) Valid() bool   { return r != nil && !r.invalid }
func (r *RecordRef) DocRef() *DocumentRef {
	if r.invalid || r.reg == nil {
		return InvalidDocumentRef()
	}
	return r.reg.DocumentRef(r.docID, r.sch)
}
func (r *RecordRef) CollectionRef() *RecordCollectionRef {
	if r.invalid || r.reg == nil {
		return InvalidRecordCollectionRef()
	}
	return r.reg.CollectionRef(r.docID, r.sch, r.model)
}

// --- frozen process-wide sentinels (spec.md §4.2, §9) ---

var (
	invalidDoc  = &DocumentRef{invalid: true}
	invalidColl = &RecordCollectionRef{invalid: true}
	invalidRec  = &RecordRef{invalid: true}
)

func InvalidDocumentRef() *DocumentRef                 { return invalidDoc }
func InvalidRecordCollectionRef() *RecordCollectionRef { return invalidColl }
func InvalidRecordRef() *RecordRef                     { return invalidRec }

// --- Registry ---

// Registry deduplicates ref handles per document. One Registry instance
// backs one DocumentEngine; per-document sub-maps are created lazily.
type Registry struct {
	mu    sync.Mutex
	docs  map[string]map[string]weak.Pointer[DocumentRef]           // docID -> schemaKey -> ref
	colls map[string]map[string]weak.Pointer[RecordCollectionRef]   // docID -> model -> ref
	recs  map[string]map[string]map[string]weak.Pointer[RecordRef] // docID -> model -> recordID -> ref
}

func NewRegistry() *Registry {
	return &Registry{
		docs:  make(map[string]map[string]weak.Pointer[DocumentRef]),
		colls: make(map[string]map[string]weak.Pointer[RecordCollectionRef]),
		recs:  make(map[string]map[string]map[string]weak.Pointer[RecordRef]),
	}
}

// DocumentRef returns the live DocumentRef for (docID, sch), minting one if
// none is alive. spec.md invariant P1.
func (reg *Registry) DocumentRef(docID string, sch *schema.Schema) *DocumentRef {
	key := ""
	if sch != nil {
		key = sch.Key()
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	byKey, ok := reg.docs[docID]
	if !ok {
		byKey = make(map[string]weak.Pointer[DocumentRef])
		reg.docs[docID] = byKey
	}
	if wp, ok := byKey[key]; ok {
		if v := wp.Value(); v != nil {
			return v
		}
	}

	ref := &DocumentRef{reg: reg, id: docID, sch: sch}
	byKey[key] = weak.Make(ref)
	runtime.AddCleanup(ref, func(k docKey) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if byKey, ok := reg.docs[k.docID]; ok {
			if wp, ok := byKey[k.key]; ok && wp.Value() == nil {
				delete(byKey, k.key)
			}
			if len(byKey) == 0 {
				delete(reg.docs, k.docID)
			}
		}
	}, docKey{docID: docID, key: key})
	return ref
}

type docKey struct {
	docID string
	key   string
}

// CollectionRef returns the live RecordCollectionRef for (docID, model),
// minting one if none is alive. spec.md invariant P2.
func (reg *Registry) CollectionRef(docID string, sch *schema.Schema, model string) *RecordCollectionRef {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	byModel, ok := reg.colls[docID]
	if !ok {
		byModel = make(map[string]weak.Pointer[RecordCollectionRef])
		reg.colls[docID] = byModel
	}
	if wp, ok := byModel[model]; ok {
		if v := wp.Value(); v != nil {
			return v
		}
	}

	ref := &RecordCollectionRef{reg: reg, docID: docID, sch: sch, model: model}
	byModel[model] = weak.Make(ref)
	runtime.AddCleanup(ref, func(k modelKey) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if byModel, ok := reg.colls[k.docID]; ok {
			if wp, ok := byModel[k.model]; ok && wp.Value() == nil {
				delete(byModel, k.model)
			}
			if len(byModel) == 0 {
				delete(reg.colls, k.docID)
			}
		}
	}, modelKey{docID: docID, model: model})
	return ref
}

type modelKey struct {
	docID string
	model string
}

// RecordRef returns the live RecordRef for (docID, model, recordID),
// minting one if none is alive. spec.md invariant P3.
func (reg *Registry) RecordRef(docID string, sch *schema.Schema, model, id string) *RecordRef {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	byModel, ok := reg.recs[docID]
	if !ok {
		byModel = make(map[string]map[string]weak.Pointer[RecordRef])
		reg.recs[docID] = byModel
	}
	byID, ok := byModel[model]
	if !ok {
		byID = make(map[string]weak.Pointer[RecordRef])
		byModel[model] = byID
	}
	if wp, ok := byID[id]; ok {
		if v := wp.Value(); v != nil {
			return v
		}
	}

	ref := &RecordRef{reg: reg, docID: docID, sch: sch, model: model, id: id}
	byID[id] = weak.Make(ref)
	runtime.AddCleanup(ref, func(k recordKey) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if byModel, ok := reg.recs[k.docID]; ok {
			if byID, ok := byModel[k.model]; ok {
				if wp, ok := byID[k.id]; ok && wp.Value() == nil {
					delete(byID, k.id)
				}
				if len(byID) == 0 {
					delete(byModel, k.model)
				}
			}
			if len(byModel) == 0 {
				delete(reg.recs, k.docID)
			}
		}
	}, recordKey{docID: docID, model: model, id: id})
	return ref
}

type recordKey struct {
	docID string
	model string
	id    string
}

// DropDocument removes every cached ref for docID. The engine keeps every
// InternalDoc for its own lifetime and does not call it.
func (reg *Registry) DropDocument(docID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.docs, docID)
	delete(reg.colls, docID)
	delete(reg.recs, docID)
}
