package crdt

import (
	"encoding/json"
	"fmt"
)

// Update is an immutable batch of operations emitted by one replica. The
// Full tag distinguishes a bootstrap snapshot (whole-document state) from
// an incremental edit; both merge through the same code path.
type Update struct {
	Full bool `json:"full,omitempty"`
	Ops  []Op `json:"ops"`
}

// Empty reports whether the update carries no operations.
func (u *Update) Empty() bool {
	return u == nil || len(u.Ops) == 0
}

// Encode serializes the update for transit. The relay treats the result as
// opaque bytes; only replicas decode it.
func (u *Update) Encode() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses and validates update bytes. Callers drop and log
// malformed updates; a decode error never corrupts replica state.
func DecodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return &u, nil
}
