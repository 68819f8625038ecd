// Package codec frames engine payloads for the wire.
//
// Three frame kinds travel over a document channel: a state-vector
// handshake, a delta carrying operations, and an awareness update. The tag
// makes every payload self-describing, so a receiver can route it without
// context.
//
// Encoding is pure and deterministic: the same input always yields the same
// bytes (struct field order is fixed, map keys are sorted by encoding/json).
// Golden tests pin the exact output. Decoding of malformed input returns a
// CodecError and must never take a session down - callers log and drop.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mentora/coedit/internal/doc"
)

// FrameKind tags a payload.
type FrameKind string

const (
	// KindStateVector is the handshake payload: what the sender knows.
	KindStateVector FrameKind = "sv"
	// KindDelta carries document operations.
	KindDelta FrameKind = "delta"
	// KindAwareness carries one participant's presence record.
	KindAwareness FrameKind = "awareness"
)

// Frame is a decoded payload.
//
// Exactly the fields for the kind are set: Vector (+Reply) for
// KindStateVector, Ops for KindDelta, Client/Clock/State for KindAwareness.
type Frame struct {
	Kind FrameKind

	Vector doc.StateVector
	// Reply marks a state vector sent in response to another. Receivers
	// answer a non-reply vector with their own vector; replies are answered
	// with a delta only. This keeps the handshake from ping-ponging forever
	// between settled peers.
	Reply bool

	Ops []doc.Op

	Client doc.ClientID
	Clock  uint64
	// State is the opaque presence payload. Empty or null means the
	// participant is leaving.
	State json.RawMessage
}

// wireFrame is the single on-wire shape for all kinds.
type wireFrame struct {
	Type   FrameKind         `json:"type"`
	Vector map[string]uint64 `json:"vector,omitempty"`
	Reply  bool              `json:"reply,omitempty"`
	Ops    []doc.Op          `json:"ops,omitempty"`
	Client string            `json:"client,omitempty"`
	Clock  uint64            `json:"clock,omitempty"`
	State  json.RawMessage   `json:"state,omitempty"`
}

// EncodeStateVector frames a handshake payload.
func EncodeStateVector(v doc.StateVector, reply bool) ([]byte, error) {
	vec := make(map[string]uint64, len(v))
	for client, seq := range v {
		vec[string(client)] = seq
	}
	return marshal(wireFrame{Type: KindStateVector, Vector: vec, Reply: reply})
}

// EncodeDelta frames a batch of operations.
func EncodeDelta(ops []doc.Op) ([]byte, error) {
	if len(ops) == 0 {
		return nil, &CodecError{Reason: "empty delta"}
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, &CodecError{Reason: "invalid op", Err: err}
		}
	}
	return marshal(wireFrame{Type: KindDelta, Ops: ops})
}

// EncodeAwareness frames one presence record. A nil state encodes a leave.
func EncodeAwareness(client doc.ClientID, clock uint64, state json.RawMessage) ([]byte, error) {
	if client == "" {
		return nil, &CodecError{Reason: "awareness frame missing client"}
	}
	return marshal(wireFrame{Type: KindAwareness, Client: string(client), Clock: clock, State: state})
}

// Decode parses a payload into a Frame. Any malformation - bad JSON, unknown
// tag, missing required fields - is a CodecError.
func Decode(data []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wireFrame
	if err := dec.Decode(&w); err != nil {
		return nil, &CodecError{Reason: "malformed frame", Err: err}
	}

	switch w.Type {
	case KindStateVector:
		// A missing vector is a fresh replica's empty vector.
		v := make(doc.StateVector, len(w.Vector))
		for client, seq := range w.Vector {
			if client == "" || seq == 0 {
				return nil, &CodecError{Reason: fmt.Sprintf("bad vector entry %q=%d", client, seq)}
			}
			v[doc.ClientID(client)] = seq
		}
		return &Frame{Kind: KindStateVector, Vector: v, Reply: w.Reply}, nil

	case KindDelta:
		if len(w.Ops) == 0 {
			return nil, &CodecError{Reason: "delta frame without ops"}
		}
		for _, op := range w.Ops {
			if err := op.Validate(); err != nil {
				return nil, &CodecError{Reason: "invalid op", Err: err}
			}
		}
		return &Frame{Kind: KindDelta, Ops: w.Ops}, nil

	case KindAwareness:
		if w.Client == "" {
			return nil, &CodecError{Reason: "awareness frame missing client"}
		}
		return &Frame{Kind: KindAwareness, Client: doc.ClientID(w.Client), Clock: w.Clock, State: w.State}, nil

	default:
		return nil, &CodecError{Reason: fmt.Sprintf("unknown frame type %q", w.Type)}
	}
}

// PeekKind reads only the frame tag. The relay uses this to route payloads
// without decoding their bodies.
func PeekKind(data []byte) (FrameKind, error) {
	var probe struct {
		Type FrameKind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", &CodecError{Reason: "malformed frame", Err: err}
	}
	switch probe.Type {
	case KindStateVector, KindDelta, KindAwareness:
		return probe.Type, nil
	default:
		return "", &CodecError{Reason: fmt.Sprintf("unknown frame type %q", probe.Type)}
	}
}

func marshal(w wireFrame) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, &CodecError{Reason: "marshal frame", Err: err}
	}
	return data, nil
}
