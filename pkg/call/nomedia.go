package call

import (
	"context"
	"errors"

	"github.com/quillnote/quillsync/pkg/events"
)

// ErrNoMedia is returned by NoMedia.
var ErrNoMedia = errors.New("no media devices available")

// NoMedia is a MediaProvider for processes without media devices. Outgoing
// calls roll back with call_cancel(failed) and accepted calls are rejected
// with reason media.
type NoMedia struct{}

func (NoMedia) Open(context.Context, events.MediaKind) (Stream, error) {
	return nil, ErrNoMedia
}

func (NoMedia) Attach(context.Context, string, events.MediaKind) (Stream, error) {
	return nil, ErrNoMedia
}
