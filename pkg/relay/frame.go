// Package relay implements the document relay hub: room membership,
// opaque update/presence forwarding, bootstrap brokering, and the
// persistence observer that keeps converged text durable. The hub never
// parses update or presence payloads; replicas own the wire format.
package relay

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates relay frames.
type FrameType string

const (
	// FrameUpdate carries an opaque CRDT update blob.
	FrameUpdate FrameType = "update"
	// FramePresence carries an opaque presence blob.
	FramePresence FrameType = "presence"
	// FrameBootstrapRequest asks the room for full document state.
	FrameBootstrapRequest FrameType = "bootstrap_request"
	// FrameBootstrapResponse answers a bootstrap request point-to-point.
	FrameBootstrapResponse FrameType = "bootstrap_response"
	// FrameMembership announces the room's current member count.
	FrameMembership FrameType = "membership"
)

// Frame is the relay envelope. Payload is opaque to the relay; To is set
// only on point-to-point frames (bootstrap responses).
type Frame struct {
	Type    FrameType `json:"type"`
	Room    string    `json:"room,omitempty"`
	From    uint64    `json:"from,omitempty"`
	To      uint64    `json:"to,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
	Count   int       `json:"count,omitempty"`
}

// Encode serializes a frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("relay: encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a wire frame. The payload stays opaque.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("relay: malformed frame: %w", err)
	}
	switch f.Type {
	case FrameUpdate, FramePresence, FrameBootstrapRequest, FrameBootstrapResponse, FrameMembership:
	default:
		return Frame{}, fmt.Errorf("relay: malformed frame: unknown type %q", f.Type)
	}
	return f, nil
}
