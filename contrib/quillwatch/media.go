package quillwatch

import (
	"context"

	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/events"
)

// silence is a media provider whose streams carry nothing. It lets a headless
// watcher take part in calls.
type silence struct{}

type silentStream struct{}

func (silence) Open(context.Context, events.MediaKind) (call.Stream, error) {
	return silentStream{}, nil
}

func (silence) Attach(context.Context, string, events.MediaKind) (call.Stream, error) {
	return silentStream{}, nil
}

func (silentStream) SetCamera(context.Context, bool) error { return nil }
func (silentStream) SetMic(context.Context, bool) error    { return nil }
func (silentStream) Close() error                          { return nil }
