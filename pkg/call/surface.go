package call

import (
	"errors"
	"sync"

	"github.com/quillnote/quillsync/pkg/events"
)

// Mode is what the call surface shows.
type Mode string

const (
	ModeHidden   Mode = "hidden"
	ModeIncoming Mode = "incoming"
	ModeOutgoing Mode = "outgoing"
	ModeActive   Mode = "active"
)

func modeOf(s State) Mode {
	switch s {
	case StateOutgoing:
		return ModeOutgoing
	case StateIncoming:
		return ModeIncoming
	case StateActive:
		return ModeActive
	default:
		return ModeHidden
	}
}

// Actions are bound to the machine that produced the view. They are safe to
// call from any goroutine and take effect on the loop.
type Actions struct {
	Accept       func()
	Reject       func()
	Cancel       func()
	End          func()
	ToggleCamera func()
	ToggleMic    func()
}

// View is the read contract of the call surface.
type View struct {
	Mode           Mode
	Peer           string
	CallID         string
	ElapsedSeconds int
	DialProgress   float64
	MediaKind      events.MediaKind
	LocalStream    Stream
	RemoteStream   Stream
	CameraOn       bool
	MicOn          bool
	Err            error
	Actions        Actions
}

// View returns the current view of the machine.
func (m *Machine) View() View {
	return m.viewOf(m.sess)
}

func (m *Machine) viewOf(s Session) View {
	return View{
		Mode:           modeOf(s.State),
		Peer:           s.PeerID,
		CallID:         s.ID,
		ElapsedSeconds: s.Elapsed,
		DialProgress:   s.DialProgress,
		MediaKind:      s.MediaKind,
		LocalStream:    s.Local,
		RemoteStream:   s.Remote,
		CameraOn:       s.CameraOn,
		MicOn:          s.MicOn,
		Err:            s.Err,
		Actions:        m.actions,
	}
}

func (m *Machine) bindActions() Actions {
	toggle := func(fn func() error) func() {
		return func() {
			m.sched.Post(func() {
				err := fn()
				switch {
				case err == nil:
				case errors.Is(err, ErrNotActive):
					m.logger.Debug("call.Machine ignored a toggle without an active call")
				default:
					m.sess.Err = err
					m.changed()
				}
			})
		}
	}
	return Actions{
		Accept:       func() { m.sched.Post(m.Accept) },
		Reject:       func() { m.sched.Post(m.Reject) },
		Cancel:       func() { m.sched.Post(m.Cancel) },
		End:          func() { m.sched.Post(m.End) },
		ToggleCamera: toggle(m.ToggleCamera),
		ToggleMic:    toggle(m.ToggleMic),
	}
}

// Renderer displays call views.
type Renderer interface {
	Render(v View)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(v View)

func (f RenderFunc) Render(v View) { f(v) }

// Surface is the single consumer of a machine's views. It keeps the latest
// view and forwards every change to its renderer on the loop.
type Surface struct {
	mu       sync.RWMutex
	view     View
	renderer Renderer
	off      func()
}

// NewSurface subscribes to m and renders its current view. It must be called
// on the loop. A nil renderer only keeps the view.
func NewSurface(m *Machine, r Renderer) *Surface {
	s := &Surface{renderer: r}
	s.off = m.OnChange(func(sess Session) { s.update(m.viewOf(sess)) })
	s.update(m.View())
	return s
}

// Current returns the latest view. It is safe to call from any goroutine.
func (s *Surface) Current() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Close stops following the machine. It must be called on the loop.
func (s *Surface) Close() {
	if s.off != nil {
		s.off()
		s.off = nil
	}
}

func (s *Surface) update(v View) {
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()

	if s.renderer != nil {
		s.renderer.Render(v)
	}
}
