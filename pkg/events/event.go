package events

import "fmt"

// Event is one decoded envelope: its name and the still-encoded payload.
type Event struct {
	Name Name

	payload []byte
	decode  func(data []byte, dst any) error
}

// New builds an Event whose payload is decoded lazily with decode.
func New(name Name, payload []byte, decode func(data []byte, dst any) error) Event {
	return Event{Name: name, payload: payload, decode: decode}
}

// Raw returns the encoded payload.
func (e Event) Raw() []byte {
	return e.payload
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if e.decode == nil {
		return fmt.Errorf("events.Event %s has no decoder", e.Name)
	}
	if len(e.payload) == 0 {
		return fmt.Errorf("events.Event %s has an empty payload", e.Name)
	}
	if err := e.decode(e.payload, dst); err != nil {
		return fmt.Errorf("events.Event failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}
