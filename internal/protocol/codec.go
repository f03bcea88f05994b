// Package protocol defines the wire messages exchanged with the
// virtual-space server and the codec for them.
//
// Every frame is a CBOR-encoded tagged union: a "type" discriminant and
// an opaque "payload" decoded lazily against the struct the tag selects.
// Unknown tags and unknown struct fields are ignored so newer servers
// can talk to older clients.
package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MessageType is the frame discriminant.
type MessageType string

// Frame is the top-level wire unit in both directions.
type Frame struct {
	Type    MessageType     `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical message always produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Map values decoded into any-typed targets should be
		// map[string]any, not map[interface{}]interface{}; the protocol
		// never uses non-string map keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewFrame marshals payload into a frame tagged t.
func NewFrame(t MessageType, payload any) (Frame, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: raw}, nil
}

// EncodeFrame marshals payload and wraps it in a frame tagged t.
func EncodeFrame(t MessageType, payload any) ([]byte, error) {
	f, err := NewFrame(t, payload)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", t, err)
	}
	return b, nil
}

// DecodeFrame unmarshals a raw frame. The payload stays opaque until
// DecodePayload is called with the struct the type tag selects.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// DecodePayload unmarshals the frame's payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decoding %s payload: empty payload", f.Type)
	}
	if err := decMode.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return nil
}

// EncodeBatch wraps the given frames into a single batch frame,
// preserving order. Used by tests and tooling; the client itself only
// consumes batches.
func EncodeBatch(frames ...Frame) ([]byte, error) {
	return EncodeFrame(SrvBatch, Batch{Payload: frames})
}

// MustFrame is EncodeFrame for payloads known to be encodable; it
// panics on error. Intended for tests.
func MustFrame(t MessageType, payload any) []byte {
	b, err := EncodeFrame(t, payload)
	if err != nil {
		panic(err)
	}
	return b
}
