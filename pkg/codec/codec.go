// Package codec encodes and decodes push-channel frames.
//
// Every frame is an envelope {"event": <name>, "payload": <value>}. [JSON]
// writes it as a text frame, [CBOR] as a binary frame with the same shape.
package codec

import (
	"github.com/quillnote/quillsync/pkg/events"
)

type Marshaler interface {
	Marshal(v any) ([]byte, error)
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

// Codec turns events into frames and back.
type Codec interface {
	Marshaler
	Unmarshaler

	// Encode builds a frame for name carrying payload. A nil payload is omitted.
	Encode(name events.Name, payload any) ([]byte, error)

	// Decode splits a frame into its event name and lazily decoded payload.
	Decode(frame []byte) (events.Event, error)

	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return NewJSON(), true
	case "cbor":
		return NewCBOR(), true
	default:
		return nil, false
	}
}
