// Package apperrors defines the error taxonomy shared across the state
// core. Callers compare with errors.Is; wrapping with fmt.Errorf("...: %w")
// is expected at each layer boundary.
package apperrors

import "errors"

var (
	// ErrInvalidRef is returned by operations on a sentinel/invalid ref.
	ErrInvalidRef = errors.New("collabdoc: invalid ref")
	// ErrDocumentMissing is returned by a mutation targeting an unknown document.
	ErrDocumentMissing = errors.New("collabdoc: document missing")
	// ErrRecordMissing is returned by updateRecord on an absent record, or
	// getRecordSnapshot on an absent record.
	ErrRecordMissing = errors.New("collabdoc: record missing")
	// ErrSchemaMismatch is returned when a docId is reused with a
	// structurally different schema.
	ErrSchemaMismatch = errors.New("collabdoc: schema mismatch")
	// ErrSubscriptionFailed is returned when the transport rejects a
	// subscribe or publish call.
	ErrSubscriptionFailed = errors.New("collabdoc: subscription failed")
	// ErrSyncBaseRevisionMismatch marks a dropped remote update whose
	// baseRevisionId disagreed with the locally known revision. Non-fatal.
	ErrSyncBaseRevisionMismatch = errors.New("collabdoc: sync base revision mismatch")
	// ErrLoadTimeout is surfaced through waitFor*Load on a timeout.
	ErrLoadTimeout = errors.New("collabdoc: load timed out")
	// ErrLoadError is surfaced through waitFor*Load when StatusMachine
	// reaches the ERROR load state.
	ErrLoadError = errors.New("collabdoc: load failed")
	// ErrNotLoaded is returned by local mutations attempted before the
	// data status machine has reached LOADED (see SPEC_FULL.md Open
	// Question resolution).
	ErrNotLoaded = errors.New("collabdoc: document data not loaded")
	// ErrCreateFailed is returned by createDocument when the transport
	// rejects document creation.
	ErrCreateFailed = errors.New("collabdoc: create document failed")
	// ErrSearchFailed is returned by searchDocuments on transport failure.
	ErrSearchFailed = errors.New("collabdoc: search failed")
)
