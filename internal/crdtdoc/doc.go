// Package crdtdoc is the embedded CRDT: shared maps with transaction and
// deep-observation primitives, plus a binary update codec. It is the one
// component spec.md declares out of scope for merge/conflict semantics
// (§1 Non-goals) — everything above this package treats it as an opaque
// collaborator, exactly as an application embedding a real CRDT library
// (e.g. Yjs) would.
package crdtdoc

import "sync"

// EventKind classifies a change reported to an observer.
type EventKind int

const (
	// KindAdd: a record id was inserted into a model's top-level map.
	KindAdd EventKind = iota
	// KindUpdate: a record id's entire nested map was replaced (full
	// replacement — spec.md §4.1 setRecord semantics).
	KindUpdate
	// KindDelete: a record id was removed from a model's top-level map.
	KindDelete
	// KindField: one or more fields inside an existing record's nested
	// map changed (spec.md §4.1 updateRecord merge semantics).
	KindField
)

// Event is one change produced by a transaction, scoped to a single model.
// Fields and Timestamp are populated for KindAdd/KindUpdate/KindField so
// that codec.go can turn a committed batch directly into a binary update
// without a second read pass over the document.
type Event struct {
	Model     string
	RecordID  string
	Kind      EventKind
	Fields    map[string]any
	Timestamp Timestamp
}

// Observer receives every event produced by one transaction that targets
// the model it was installed on, plus the transaction's origin.
type Observer func(events []Event, origin any)

// Doc is a single document's CRDT replica: one top-level shared map per
// model name, each holding that model's records.
type Doc struct {
	mu        sync.Mutex
	replica   string
	clock     *Clock
	models    map[string]*SharedMap
	observers map[string][]Observer // modelName -> installed observers
	nextObsID int

	txDepth  int
	txOrigin any
	txEvents []Event
}

// NewDoc creates an empty replica. replicaID should be stable for the
// lifetime of the process (e.g. a client id) — it is the HLC tiebreaker
// and the origin tag used to recognise locally-authored updates.
func NewDoc(replicaID string) *Doc {
	return &Doc{
		replica:   replicaID,
		clock:     NewClock(replicaID),
		models:    make(map[string]*SharedMap),
		observers: make(map[string][]Observer),
	}
}

// EnsureModel returns the top-level shared map for modelName, creating it
// if this is the first reference (SchemaMapper.initializeDocument).
func (d *Doc) EnsureModel(modelName string) *SharedMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureModelLocked(modelName)
}

func (d *Doc) ensureModelLocked(modelName string) *SharedMap {
	m, ok := d.models[modelName]
	if !ok {
		m = NewSharedMap()
		d.models[modelName] = m
	}
	return m
}

// Observe installs cb on modelName's deep observer. Returns an idempotent
// unsubscribe function.
func (d *Doc) Observe(modelName string, cb Observer) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[modelName] = append(d.observers[modelName], cb)
	idx := len(d.observers[modelName]) - 1
	d.mu.Unlock()

	done := false
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if done {
			return
		}
		done = true
		list := d.observers[modelName]
		if idx < len(list) {
			// swap the slot to a no-op rather than re-slicing, so
			// concurrently-iterating indices taken at fan-out time stay
			// valid (§5 "snapshot the subscriber set before iterating").
			list[idx] = func([]Event, any) {}
		}
		_ = id
	}
}

// Transaction exposes the mutation surface available to SchemaMapper
// inside a transaction. A Transaction must not be retained past the
// Transact call that produced it.
type Transaction struct {
	doc *Doc
}

// Transact runs fn with one logical CRDT transaction open. Nested Transact
// calls (fn calling back into Transact on the same Doc) collapse into the
// outer transaction — the inner origin is discarded, matching spec.md
// §3's "nested transactions collapse" rule. origin is propagated verbatim
// to every observer invoked for this batch once fn returns. If fn panics,
// the transaction is still closed and the mutations fn already made are
// dispatched before the panic continues to unwind; nothing is rolled back.
// Transact returns the events produced by the outermost call in a nest of
// Transact calls; nested calls return nil (their events are folded into
// the outer batch).
func (d *Doc) Transact(origin any, fn func(tx *Transaction)) (events []Event) {
	d.mu.Lock()
	nested := d.txDepth > 0
	if !nested {
		d.txOrigin = origin
		d.txEvents = nil
	}
	d.txDepth++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.txDepth--
		if d.txDepth > 0 {
			d.mu.Unlock()
			events = nil
			return
		}
		events = d.txEvents
		batchOrigin := d.txOrigin
		d.txEvents = nil
		d.mu.Unlock()

		d.dispatch(events, batchOrigin)
	}()

	fn(&Transaction{doc: d})
	return nil
}

// CurrentOrigin returns the origin of the transaction presently open on
// doc, if any.
func (d *Doc) CurrentOrigin() (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txDepth == 0 {
		return nil, false
	}
	return d.txOrigin, true
}

func (d *Doc) record(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txEvents = append(d.txEvents, ev)
}

func (d *Doc) dispatch(events []Event, origin any) {
	if len(events) == 0 {
		return
	}
	byModel := make(map[string][]Event)
	for _, ev := range events {
		byModel[ev.Model] = append(byModel[ev.Model], ev)
	}

	for model, evs := range byModel {
		d.mu.Lock()
		obs := append([]Observer(nil), d.observers[model]...)
		d.mu.Unlock()
		for _, cb := range obs {
			cb(evs, origin)
		}
	}
}

// SetRecord performs a full replacement: the model's record id is bound
// to a brand new nested field map, discarding any previous one.
// Reports KindAdd if the record id did not previously exist, else
// KindUpdate.
func (tx *Transaction) SetRecord(model, recordID string, fields map[string]any) {
	d := tx.doc
	top := d.ensureModelLocked(model)
	_, existed := top.Get(recordID)

	nested := NewSharedMap()
	ts := d.clock.Now()
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == nil {
			continue // undefined fields are absent, not null
		}
		nested.set(k, v, ts)
		clean[k] = v
	}
	top.set(recordID, nested, ts)

	kind := KindAdd
	if existed {
		kind = KindUpdate
	}
	d.record(Event{Model: model, RecordID: recordID, Kind: kind, Fields: clean, Timestamp: ts})
}

// UpdateRecord merges fields into an existing record's nested map.
// Returns false without mutating anything if the record does not exist.
// A nil field value is preserved (not deleted) — merge semantics, per
// spec.md §4.1.
func (tx *Transaction) UpdateRecord(model, recordID string, fields map[string]any) bool {
	d := tx.doc
	top := d.ensureModelLocked(model)
	v, ok := top.Get(recordID)
	if !ok {
		return false
	}
	nested := v.(*SharedMap)
	ts := d.clock.Now()
	for k, fv := range fields {
		nested.set(k, fv, ts)
	}
	d.record(Event{Model: model, RecordID: recordID, Kind: KindField, Fields: fields, Timestamp: ts})
	return true
}

// DeleteRecord tombstones a record id. No-op (but still a valid call) if
// the record does not exist.
func (tx *Transaction) DeleteRecord(model, recordID string) {
	d := tx.doc
	top := d.ensureModelLocked(model)
	if !top.Has(recordID) {
		return
	}
	ts := d.clock.Now()
	if top.delete(recordID, ts) {
		d.record(Event{Model: model, RecordID: recordID, Kind: KindDelete, Timestamp: ts})
	}
}

// GetRecord returns the live field map for a record, or nil, false.
func (d *Doc) GetRecord(model, recordID string) (*SharedMap, bool) {
	d.mu.Lock()
	top, ok := d.models[model]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	v, ok := top.Get(recordID)
	if !ok {
		return nil, false
	}
	return v.(*SharedMap), true
}

// ListRecordIDs returns a model's live record ids in insertion order.
func (d *Doc) ListRecordIDs(model string) []string {
	d.mu.Lock()
	top, ok := d.models[model]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return top.Keys()
}

// Models returns the set of model names currently initialised.
func (d *Doc) Models() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.models))
	for name := range d.models {
		names = append(names, name)
	}
	return names
}

// observeRemoteClock folds a remote timestamp into the local clock so
// subsequently minted local timestamps sort after anything already seen.
func (d *Doc) observeRemoteClock(ts Timestamp) {
	d.clock.Observe(ts)
}

// ApplyUpdate decodes a binary update produced by Encode and applies each
// op to this replica using last-writer-wins-by-field, under origin. Events
// for ops that actually took effect (i.e. were not stale relative to a
// concurrent local write) are dispatched to model observers exactly as a
// local transaction's events would be.
func (d *Doc) ApplyUpdate(data []byte, origin any) ([]Event, error) {
	ops, err := decodeUpdate(data)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	var applied []Event
	for _, op := range ops {
		d.clock.Observe(op.Timestamp)
		top := d.ensureModelLocked(op.Model)
		switch op.Kind {
		case KindAdd, KindUpdate:
			_, existed := top.Get(op.RecordID)
			// A full replacement from a remote peer still needs to win
			// or lose atomically against a concurrent local replacement;
			// build the candidate map and let top.set's LWW decide.
			candidate := NewSharedMap()
			for k, v := range op.Fields {
				candidate.set(k, v, op.Timestamp)
			}
			if top.set(op.RecordID, candidate, op.Timestamp) {
				kind := KindAdd
				if existed {
					kind = KindUpdate
				}
				applied = append(applied, Event{Model: op.Model, RecordID: op.RecordID, Kind: kind, Fields: op.Fields, Timestamp: op.Timestamp})
			}
		case KindField:
			v, ok := top.Get(op.RecordID)
			if !ok {
				continue // remote field edit raced a delete; drop it
			}
			nested := v.(*SharedMap)
			changed := false
			for k, fv := range op.Fields {
				if nested.set(k, fv, op.Timestamp) {
					changed = true
				}
			}
			if changed {
				applied = append(applied, Event{Model: op.Model, RecordID: op.RecordID, Kind: KindField, Fields: op.Fields, Timestamp: op.Timestamp})
			}
		case KindDelete:
			if top.delete(op.RecordID, op.Timestamp) {
				applied = append(applied, Event{Model: op.Model, RecordID: op.RecordID, Kind: KindDelete, Timestamp: op.Timestamp})
			}
		}
	}
	d.mu.Unlock()

	d.dispatch(applied, origin)
	return applied, nil
}

// Encode turns a committed batch of events (as returned by Transact) into
// a binary update suitable for SyncDriver to base64-encode and publish.
func (d *Doc) Encode(events []Event) ([]byte, error) {
	ops := make([]op, 0, len(events))
	for _, ev := range events {
		ops = append(ops, op{
			Model:     ev.Model,
			RecordID:  ev.RecordID,
			Kind:      ev.Kind,
			Fields:    ev.Fields,
			Timestamp: ev.Timestamp,
		})
	}
	return encodeUpdate(ops)
}
