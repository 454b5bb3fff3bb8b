package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/quillnote/quillsync/pkg/events"
)

type cborEnvelopeOut struct {
	Event   events.Name `cbor:"event"`
	Payload any         `cbor:"payload,omitempty"`
}

type cborEnvelopeIn struct {
	Event   events.Name     `cbor:"event"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

// CBOR is the binary-frame codec.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() *CBOR {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: codec.CBOR has invalid encoding options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: codec.CBOR has invalid decoding options: %v", err))
	}
	return &CBOR{enc: enc, dec: dec}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *CBOR) Encode(name events.Name, payload any) ([]byte, error) {
	data, err := c.enc.Marshal(cborEnvelopeOut{Event: name, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("codec.CBOR failed to encode %s: %w", name, err)
	}
	return data, nil
}

func (c *CBOR) Decode(frame []byte) (events.Event, error) {
	var env cborEnvelopeIn
	if err := c.dec.Unmarshal(frame, &env); err != nil {
		return events.Event{}, fmt.Errorf("codec.CBOR failed to decode frame: %w", err)
	}
	if env.Event == "" {
		return events.Event{}, ErrNoEventName
	}
	return events.New(env.Event, env.Payload, c.Unmarshal), nil
}

func (c *CBOR) Binary() bool {
	return true
}
