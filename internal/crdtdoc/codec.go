package crdtdoc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// op is the wire representation of one field/record mutation inside a
// binary update. SyncDriver base64-encodes the bytes this package
// produces before putting them on the `yjsUpdate.data` wire field
// (spec.md §6).
type op struct {
	Model     string
	RecordID  string
	Kind      EventKind
	Fields    map[string]any
	Timestamp Timestamp
}

func init() {
	// Register the concrete value types a record field can hold so gob
	// can round-trip the `any`-typed Fields map. Applications that put
	// richer scalar types into record fields must register them too
	// before decoding a peer's update (mirrors encoding/gob's own
	// registration requirement for interface values).
	gob.Register([]any{})
	gob.Register(map[string]any{})
}

func encodeUpdate(ops []op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		return nil, fmt.Errorf("crdtdoc: encode update: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeUpdate(data []byte) ([]op, error) {
	var ops []op
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ops); err != nil {
		return nil, fmt.Errorf("crdtdoc: decode update: %w", err)
	}
	return ops, nil
}
