package codec

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/quillnote/quillsync/pkg/events"
)

// ErrNoEventName is returned when a frame has no "event" member.
var ErrNoEventName = errors.New("frame has no event name")

type jsonEnvelope struct {
	Event   events.Name `json:"event"`
	Payload any         `json:"payload,omitempty"`
}

// JSON is the text-frame codec.
type JSON struct{}

var _ Codec = JSON{}

func NewJSON() JSON {
	return JSON{}
}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) Encode(name events.Name, payload any) ([]byte, error) {
	data, err := json.Marshal(jsonEnvelope{Event: name, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("codec.JSON failed to encode %s: %w", name, err)
	}
	return data, nil
}

// Decode reads the envelope members in place without decoding the payload.
func (c JSON) Decode(frame []byte) (events.Event, error) {
	name, err := jsonparser.GetString(frame, "event")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return events.Event{}, ErrNoEventName
		}
		return events.Event{}, fmt.Errorf("codec.JSON failed to read event name: %w", err)
	}
	if name == "" {
		return events.Event{}, ErrNoEventName
	}

	raw, dataType, _, err := jsonparser.Get(frame, "payload")
	switch {
	case errors.Is(err, jsonparser.KeyPathNotFoundError):
		raw = nil
	case err != nil:
		return events.Event{}, fmt.Errorf("codec.JSON failed to read %s payload: %w", name, err)
	case dataType == jsonparser.Null:
		raw = nil
	case dataType == jsonparser.String:
		// jsonparser strips the quotes of string values
		quoted := make([]byte, 0, len(raw)+2)
		quoted = append(quoted, '"')
		quoted = append(quoted, raw...)
		raw = append(quoted, '"')
	}

	return events.New(events.Name(name), raw, c.Unmarshal), nil
}

func (JSON) Binary() bool {
	return false
}
