// Package crdt implements the conflict-free replicated sequence backing
// collaborative documents. Every character is an immutable item identified
// by (client, seq); items form a causal tree where each insert names the
// item it was typed after. Sibling order is a deterministic total order on
// IDs, which makes merging commutative, associative, and idempotent: two
// replicas that have seen the same set of operations render the same text,
// regardless of delivery order or duplication.
package crdt

import "errors"

// Sentinel errors for the crdt package.
var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	ErrInvalidPosition = errors.New("crdt: position out of range")
	ErrInvalidClient   = errors.New("crdt: client id must be non-zero")
)

// ID identifies a single item. Client 0 is reserved for the document root.
type ID struct {
	Client uint64 `json:"c"`
	Seq    uint64 `json:"s"`
}

// RootID is the parent of items inserted at the head of the document.
var RootID = ID{}

// IsRoot reports whether the ID is the document root sentinel.
func (id ID) IsRoot() bool {
	return id.Client == 0 && id.Seq == 0
}

// before defines the sibling ordering among items inserted after the same
// parent: higher sequence first, client id as tiebreak. Any deterministic
// total order converges; this one places newer local runs closest to the
// insertion point.
func (id ID) before(other ID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Client > other.Client
}

// OpType discriminates operation kinds inside an Update.
type OpType string

const (
	// OpInsert inserts a single rune after a parent item.
	OpInsert OpType = "ins"
	// OpDelete tombstones an existing item.
	OpDelete OpType = "del"
)

// Op is one CRDT operation. Insert ops carry the new item's ID, its parent
// and a single-rune value; delete ops carry only the target.
type Op struct {
	Type   OpType `json:"t"`
	ID     ID     `json:"id,omitempty"`
	Parent ID     `json:"p,omitempty"`
	Value  string `json:"v,omitempty"`
	Target ID     `json:"tgt,omitempty"`
}

// validate checks structural well-formedness of a decoded op.
func (op Op) validate() error {
	switch op.Type {
	case OpInsert:
		if op.ID.Client == 0 {
			return ErrMalformedUpdate
		}
		if runes := []rune(op.Value); len(runes) != 1 {
			return ErrMalformedUpdate
		}
	case OpDelete:
		if op.Target.Client == 0 {
			return ErrMalformedUpdate
		}
	default:
		return ErrMalformedUpdate
	}
	return nil
}

// Version is a per-client high-water mark of observed sequence numbers.
// Sequence numbers are Lamport-clocked, so the marks describe what a
// replica has seen but are not dense per client.
type Version map[uint64]uint64
