// Package mapper is the SchemaMapper (spec.md §4.1): the only place that
// knows both the CRDT's shared-map shape and the application's
// record-level mental model. Every function here is pure over a
// *crdtdoc.Doc / *crdtdoc.Transaction — no engine state, no subscriptions.
package mapper

import "github.com/rpggio/collabdoc/internal/crdtdoc"

// InitializeDocument ensures every record-model name in modelNames exists
// as a top-level shared map, so listRecordIds/getRecord never have to
// special-case "model never touched yet".
func InitializeDocument(doc *crdtdoc.Doc, modelNames []string) {
	for _, name := range modelNames {
		doc.EnsureModel(name)
	}
}

// SetRecord performs a full replacement: create-or-replace the record's
// nested map, discarding any key not present in value. A nil value is
// treated as absent, matching spec.md §4.1.
func SetRecord(tx *crdtdoc.Transaction, model, id string, value map[string]any) {
	tx.SetRecord(model, id, value)
}

// UpdateRecord merges partial into an existing record, leaving keys
// outside partial untouched. Returns false without mutating anything if
// the record does not exist.
func UpdateRecord(tx *crdtdoc.Transaction, model, id string, partial map[string]any) bool {
	return tx.UpdateRecord(model, id, partial)
}

// DeleteRecord tombstones a record via the CRDT's map-delete. No-op if
// the record is already absent.
func DeleteRecord(tx *crdtdoc.Transaction, model, id string) {
	tx.DeleteRecord(model, id)
}

// GetRecord performs a deep read and returns a plain, immutable value —
// a fresh map the caller may retain without aliasing CRDT-internal state.
func GetRecord(doc *crdtdoc.Doc, model, id string) (map[string]any, bool) {
	fields, ok := doc.GetRecord(model, id)
	if !ok {
		return nil, false
	}
	return snapshot(fields), true
}

// HasRecord is an O(1) existence check over the CRDT.
func HasRecord(doc *crdtdoc.Doc, model, id string) bool {
	_, ok := doc.GetRecord(model, id)
	return ok
}

// ListRecordIDs returns a model's record ids in the CRDT map's insertion
// order (spec.md §4.1 iteration-order invariant).
func ListRecordIDs(doc *crdtdoc.Doc, model string) []string {
	return doc.ListRecordIDs(model)
}

// DocumentSnapshot builds the plain logical tree spec.md §4.5's
// getDocumentSnapshot returns: modelName -> recordId -> fields.
func DocumentSnapshot(doc *crdtdoc.Doc, modelNames []string) map[string]map[string]map[string]any {
	out := make(map[string]map[string]map[string]any, len(modelNames))
	for _, model := range modelNames {
		ids := ListRecordIDs(doc, model)
		records := make(map[string]map[string]any, len(ids))
		for _, id := range ids {
			if v, ok := GetRecord(doc, model, id); ok {
				records[id] = v
			}
		}
		out[model] = records
	}
	return out
}

func snapshot(fields *crdtdoc.SharedMap) map[string]any {
	out := make(map[string]any, len(fields.Keys()))
	for _, k := range fields.Keys() {
		if v, ok := fields.Get(k); ok {
			out[k] = v
		}
	}
	return out
}
