package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillnote/quillsync/pkg/events"
)

var (
	// ErrBusy is returned when a call is started while another one is live.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNotActive is returned by operations that need an active call with
	// local media.
	ErrNotActive = errors.New("no active call")

	// ErrToggleInFlight is returned when a toggle of the same device is still
	// being applied.
	ErrToggleInFlight = errors.New("a toggle is already in progress")

	// ErrInvalidCall is returned by StartCall for a missing peer or an
	// unknown media kind.
	ErrInvalidCall = errors.New("invalid call request")
)

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	default:
		return "invalid"
	}
}

var validTransitions = map[State][]State{
	StateIdle:     {StateOutgoing, StateIncoming},
	StateOutgoing: {StateActive, StateIdle},
	StateIncoming: {StateActive, StateIdle},
	StateActive:   {StateIdle},
}

func (s State) validateTransitionTo(to State) error {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid call state transition from %s to %s", s, to)
}

// Stream is a media stream handle. The machine owns every stream it
// acquired and closes it when the session ends.
type Stream interface {
	SetCamera(ctx context.Context, on bool) error
	SetMic(ctx context.Context, on bool) error
	Close() error
}

// MediaProvider acquires media for a call.
type MediaProvider interface {
	// Open captures local media of the given kind.
	Open(ctx context.Context, kind events.MediaKind) (Stream, error)

	// Attach connects to the remote media of callID.
	Attach(ctx context.Context, callID string, kind events.MediaKind) (Stream, error)
}

// Session is a snapshot of the live call.
type Session struct {
	ID        string
	LocalID   string
	PeerID    string
	MediaKind events.MediaKind
	State     State

	// Elapsed counts whole seconds while active.
	Elapsed int

	// DialProgress rises from 0 to 1 while outgoing.
	DialProgress float64

	Local    Stream
	Remote   Stream
	CameraOn bool
	MicOn    bool

	// Err is the last call error, kept after the session returned to idle
	// until the next call starts.
	Err error
}
