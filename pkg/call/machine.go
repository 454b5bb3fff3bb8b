// Package call implements call signaling between two peers over the
// connection bus.
//
// A Machine holds at most one live session. It moves between idle, outgoing,
// incoming and active on local actions and remote call_* signals, owns every
// timer and media stream the session uses, and releases them on every path
// back to idle. A dial that gets no answer cancels itself when its progress
// reaches 1, independent of anything the server says.
//
// All Machine methods must be called on the loop. The Actions of a View may be
// called from any goroutine.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/loop"
)

type observer struct {
	id int
	fn func(Session)
}

type Machine struct {
	sched  loop.Scheduler
	bus    connection.Bus
	media  MediaProvider
	cfg    Config
	logger logger.Logger

	self string

	// gen identifies the live session. Completions started under an older
	// generation release what they acquired and change nothing else.
	gen uint64

	sess      Session
	dialStart time.Time
	accepting bool
	camBusy   bool
	micBusy   bool

	// lastID is the id of the session that ended last. A late re-ring of it
	// must not ring again.
	lastID string

	deadline loop.Timer
	progress loop.Timer
	reRing   loop.Timer
	expire   loop.Timer
	duration loop.Timer

	actions    Actions
	observers  []observer
	observerID int
	subs       []connection.Subscription
}

// New creates an idle machine. A nil cfg uses NewConfig().
func New(sched loop.Scheduler, bus connection.Bus, media MediaProvider, cfg *Config) (*Machine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sched == nil || bus == nil || media == nil {
		return nil, errors.New("call: scheduler, bus and media provider are required")
	}

	c := *cfg
	if c.NewID == nil {
		c.NewID = newCallID
	}

	m := &Machine{
		sched:  sched,
		bus:    bus,
		media:  media,
		cfg:    c,
		logger: logger.OrNop(c.Logger),
	}
	m.actions = m.bindActions()
	return m, nil
}

// Attach subscribes the machine to the call signals on its bus.
func (m *Machine) Attach() {
	m.subs = append(m.subs,
		m.bus.On(events.CallDial, m.onDial),
		m.bus.On(events.CallAccept, m.onAccept),
		m.bus.On(events.CallReject, m.onReject),
		m.bus.On(events.CallCancel, m.onCancel),
		m.bus.On(events.CallEnd, m.onEnd),
	)
}

func (m *Machine) Detach() {
	for _, sub := range m.subs {
		sub.Off()
	}
	m.subs = nil
}

// SetSelf sets the local identity sent as caller id.
func (m *Machine) SetSelf(id string) {
	m.self = id
	m.sess.LocalID = id
}

func (m *Machine) Session() Session { return m.sess }
func (m *Machine) State() State     { return m.sess.State }

// OnChange registers fn to be called with a snapshot after every change. The
// returned function unregisters it.
func (m *Machine) OnChange(fn func(Session)) func() {
	m.observerID++
	id := m.observerID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.observers = slices.DeleteFunc(m.observers, func(o observer) bool { return o.id == id })
	}
}

func (m *Machine) changed() {
	snap := m.sess
	for _, o := range slices.Clone(m.observers) {
		o.fn(snap)
	}
}

// StartCall dials peerID. It returns ErrBusy without sending anything when
// a session is live.
func (m *Machine) StartCall(peerID string, kind events.MediaKind) error {
	if m.sess.State != StateIdle {
		return ErrBusy
	}
	if peerID == "" || !kind.Valid() {
		return fmt.Errorf("%w: peer %q, media %q", ErrInvalidCall, peerID, kind)
	}

	id, err := m.cfg.NewID()
	if err != nil {
		return fmt.Errorf("call.Machine failed to issue a call id: %w", err)
	}

	m.gen++
	gen := m.gen
	m.sess = Session{ID: id, LocalID: m.self, PeerID: peerID, MediaKind: kind}
	m.transition(StateOutgoing)
	m.dialStart = m.sched.Now()

	m.sendDial()
	m.deadline = m.sched.AfterFunc(m.cfg.RingTimeout, func() { m.dialTimedOut(gen) })
	m.progress = m.sched.Every(m.cfg.ProgressInterval, func() { m.tickProgress(gen) })
	if m.cfg.RingInterval > 0 {
		m.reRing = m.sched.Every(m.cfg.RingInterval, func() {
			if m.live(gen, StateOutgoing) {
				m.sendDial()
			}
		})
	}

	m.openLocal(gen, kind)
	m.changed()
	return nil
}

// Cancel hangs up an outgoing call.
func (m *Machine) Cancel() {
	if m.sess.State != StateOutgoing {
		return
	}
	m.send(events.CallCancel, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonUser})
	m.teardown(nil)
}

// Accept answers an incoming call. Local media is opened and remote media
// attached before call_accept is sent.
func (m *Machine) Accept() {
	if m.sess.State != StateIncoming || m.accepting {
		return
	}
	m.accepting = true
	stopTimer(&m.expire)

	gen, id, kind := m.gen, m.sess.ID, m.sess.MediaKind
	timeout := m.cfg.MediaTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		local, err := m.media.Open(ctx, kind)
		var remote Stream
		if err == nil {
			remote, err = m.media.Attach(ctx, id, kind)
			if err != nil {
				m.release(local)
				local = nil
			}
		}
		m.sched.Post(func() { m.accepted(gen, local, remote, err) })
	}()
	m.changed()
}

// Reject declines an incoming call.
func (m *Machine) Reject() {
	if m.sess.State != StateIncoming {
		return
	}
	m.send(events.CallReject, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonUser})
	m.teardown(nil)
}

// End hangs up an active call.
func (m *Machine) End() {
	if m.sess.State != StateActive {
		return
	}
	m.send(events.CallEnd, events.CallPayload{CallID: m.sess.ID})
	m.teardown(nil)
}

// ToggleCamera flips the camera of the local stream. The result is applied
// when the stream confirms it; on failure the flag is kept and Err is set.
func (m *Machine) ToggleCamera() error { return m.toggle(deviceCamera) }

// ToggleMic flips the microphone of the local stream like ToggleCamera.
func (m *Machine) ToggleMic() error { return m.toggle(deviceMic) }

// Reset ends any live session without signaling. It is used on logout.
func (m *Machine) Reset() {
	m.lastID = ""
	if m.sess.State == StateIdle {
		if m.sess.Err != nil {
			m.sess.Err = nil
			m.changed()
		}
		return
	}
	m.teardown(nil)
	m.lastID = ""
}

func (m *Machine) onDial(ev events.Event) {
	var p events.CallPayload
	if !m.decode(ev, &p) {
		return
	}
	if p.CallID == "" {
		m.logger.Warn("call.Machine ignored a dial without a call id", "caller", p.CallerID)
		return
	}

	if m.sess.State != StateIdle {
		if p.CallID == m.sess.ID {
			return
		}
		m.logger.Info("call.Machine rejected a call because another one is live", "call", p.CallID, "caller", p.CallerID)
		m.send(events.CallReject, events.CallPayload{CallID: p.CallID, Reason: events.ReasonBusy})
		return
	}
	if p.CallID == m.lastID {
		m.logger.Debug("call.Machine ignored a re-ring of a finished call", "call", p.CallID)
		return
	}
	if !p.MediaKind.Valid() {
		m.logger.Warn("call.Machine rejected a call with an unknown media kind", "call", p.CallID, "media", p.MediaKind)
		m.send(events.CallReject, events.CallPayload{CallID: p.CallID, Reason: events.ReasonMedia})
		return
	}

	m.gen++
	gen := m.gen
	m.sess = Session{ID: p.CallID, LocalID: m.self, PeerID: p.CallerID, MediaKind: p.MediaKind}
	m.transition(StateIncoming)
	m.expire = m.sched.AfterFunc(m.cfg.IncomingTimeout, func() { m.incomingExpired(gen) })
	m.changed()
}

func (m *Machine) onAccept(ev events.Event) {
	var p events.CallPayload
	if !m.decode(ev, &p) || !m.matches(ev.Name, p.CallID, StateOutgoing) {
		return
	}

	m.stopDialTimers()
	m.transition(StateActive)
	m.startDuration()

	gen, id, kind := m.gen, m.sess.ID, m.sess.MediaKind
	timeout := m.cfg.MediaTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		remote, err := m.media.Attach(ctx, id, kind)
		m.sched.Post(func() { m.remoteAttached(gen, remote, err) })
	}()
	m.changed()
}

func (m *Machine) onReject(ev events.Event) {
	var p events.CallPayload
	if !m.decode(ev, &p) || !m.matches(ev.Name, p.CallID, StateOutgoing) {
		return
	}
	m.logger.Info("call.Machine call was rejected", "call", p.CallID, "reason", p.Reason)
	m.teardown(nil)
}

func (m *Machine) onCancel(ev events.Event) {
	var p events.CallPayload
	if !m.decode(ev, &p) || !m.matches(ev.Name, p.CallID, StateIncoming) {
		return
	}
	m.logger.Info("call.Machine call was cancelled by the caller", "call", p.CallID, "reason", p.Reason)
	m.teardown(nil)
}

func (m *Machine) onEnd(ev events.Event) {
	var p events.CallPayload
	if !m.decode(ev, &p) || !m.matches(ev.Name, p.CallID, StateActive) {
		return
	}
	m.teardown(nil)
}

func (m *Machine) openLocal(gen uint64, kind events.MediaKind) {
	timeout := m.cfg.MediaTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		local, err := m.media.Open(ctx, kind)
		m.sched.Post(func() { m.localOpened(gen, local, err) })
	}()
}

func (m *Machine) localOpened(gen uint64, local Stream, err error) {
	if gen != m.gen {
		m.release(local)
		return
	}
	if err != nil {
		err = fmt.Errorf("call.Machine failed to open local media: %w", err)
		m.logger.Warn("call.Machine is abandoning the call", "call", m.sess.ID, "error", err)
		if m.sess.State == StateOutgoing {
			m.send(events.CallCancel, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonFailed})
		} else {
			m.send(events.CallEnd, events.CallPayload{CallID: m.sess.ID})
		}
		m.teardown(err)
		return
	}

	m.sess.Local = local
	m.sess.CameraOn = m.sess.MediaKind == events.MediaVideo
	m.sess.MicOn = true
	m.changed()
}

func (m *Machine) accepted(gen uint64, local, remote Stream, err error) {
	if gen != m.gen {
		m.release(local)
		m.release(remote)
		return
	}
	if err != nil {
		err = fmt.Errorf("call.Machine failed to set up media: %w", err)
		m.logger.Warn("call.Machine is rejecting the call", "call", m.sess.ID, "error", err)
		m.send(events.CallReject, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonMedia})
		m.teardown(err)
		return
	}

	m.accepting = false
	m.sess.Local = local
	m.sess.Remote = remote
	m.sess.CameraOn = m.sess.MediaKind == events.MediaVideo
	m.sess.MicOn = true
	m.transition(StateActive)
	m.send(events.CallAccept, events.CallPayload{CallID: m.sess.ID})
	m.startDuration()
	m.changed()
}

func (m *Machine) remoteAttached(gen uint64, remote Stream, err error) {
	if gen != m.gen {
		m.release(remote)
		return
	}
	if err != nil {
		err = fmt.Errorf("call.Machine failed to attach remote media: %w", err)
		m.logger.Warn("call.Machine is ending the call", "call", m.sess.ID, "error", err)
		m.send(events.CallEnd, events.CallPayload{CallID: m.sess.ID})
		m.teardown(err)
		return
	}
	m.sess.Remote = remote
	m.changed()
}

func (m *Machine) tickProgress(gen uint64) {
	if !m.live(gen, StateOutgoing) {
		return
	}
	p := min(1, float64(m.sched.Now().Sub(m.dialStart))/float64(m.cfg.RingTimeout))
	if p >= 1 {
		m.dialTimedOut(gen)
		return
	}
	if p > m.sess.DialProgress {
		m.sess.DialProgress = p
		m.changed()
	}
}

func (m *Machine) dialTimedOut(gen uint64) {
	if !m.live(gen, StateOutgoing) {
		return
	}
	m.sess.DialProgress = 1
	m.logger.Info("call.Machine gave up dialing", "call", m.sess.ID, "peer", m.sess.PeerID)
	m.send(events.CallCancel, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonTimeout})
	m.teardown(nil)
}

func (m *Machine) incomingExpired(gen uint64) {
	if !m.live(gen, StateIncoming) || m.accepting {
		return
	}
	m.logger.Info("call.Machine incoming call was not answered", "call", m.sess.ID, "caller", m.sess.PeerID)
	m.send(events.CallReject, events.CallPayload{CallID: m.sess.ID, Reason: events.ReasonTimeout})
	m.teardown(nil)
}

func (m *Machine) startDuration() {
	gen := m.gen
	m.sess.Elapsed = 0
	m.duration = m.sched.Every(time.Second, func() {
		if !m.live(gen, StateActive) {
			return
		}
		m.sess.Elapsed++
		m.changed()
	})
}

func (m *Machine) toggle(d device) error {
	if m.sess.State != StateActive || m.sess.Local == nil {
		return ErrNotActive
	}
	busy, on := m.flags(d)
	if *busy {
		return ErrToggleInFlight
	}
	*busy = true

	gen, stream, want := m.gen, m.sess.Local, !*on
	timeout := m.cfg.MediaTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := d.apply(ctx, stream, want)
		m.sched.Post(func() { m.toggled(gen, d, want, err) })
	}()
	return nil
}

func (m *Machine) toggled(gen uint64, d device, want bool, err error) {
	if gen != m.gen {
		return
	}
	busy, on := m.flags(d)
	*busy = false
	if err != nil {
		m.sess.Err = fmt.Errorf("call.Machine failed to turn the %s %s: %w", d, onOff(want), err)
		m.logger.Warn("call.Machine toggle failed", "call", m.sess.ID, "device", d.String(), "error", err)
	} else {
		*on = want
		m.sess.Err = nil
	}
	m.changed()
}

func (m *Machine) flags(d device) (busy, on *bool) {
	if d == deviceCamera {
		return &m.camBusy, &m.sess.CameraOn
	}
	return &m.micBusy, &m.sess.MicOn
}

// teardown releases everything the session holds and returns to idle with
// err as the reported error.
func (m *Machine) teardown(err error) {
	m.gen++
	m.stopDialTimers()
	stopTimer(&m.expire)
	stopTimer(&m.duration)
	m.release(m.sess.Local)
	m.release(m.sess.Remote)

	if m.sess.State != StateIdle {
		m.transition(StateIdle)
	}
	m.lastID = m.sess.ID
	m.sess = Session{LocalID: m.self, Err: err}
	m.accepting = false
	m.camBusy = false
	m.micBusy = false
	m.changed()
}

func (m *Machine) stopDialTimers() {
	stopTimer(&m.deadline)
	stopTimer(&m.progress)
	stopTimer(&m.reRing)
}

func stopTimer(t *loop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) transition(to State) {
	from := m.sess.State
	if err := from.validateTransitionTo(to); err != nil {
		m.logger.Error("BUG: call.Machine made an invalid transition", "error", err)
	}
	m.sess.State = to
	m.cfg.Metrics.CallTransition(from.String(), to.String())
	m.logger.Debug("call.Machine changed state", "from", from.String(), "to", to.String(), "call", m.sess.ID)
}

func (m *Machine) live(gen uint64, state State) bool {
	return gen == m.gen && m.sess.State == state
}

// matches reports whether a remote signal for callID applies in state.
func (m *Machine) matches(name events.Name, callID string, state State) bool {
	if m.sess.State != state || callID != m.sess.ID {
		m.logger.Debug("call.Machine ignored a signal", "event", name, "call", callID, "state", m.sess.State.String())
		return false
	}
	return true
}

func (m *Machine) sendDial() {
	m.send(events.CallDial, events.CallPayload{
		CallID:    m.sess.ID,
		CallerID:  m.self,
		TargetID:  m.sess.PeerID,
		MediaKind: m.sess.MediaKind,
	})
}

func (m *Machine) send(name events.Name, p events.CallPayload) {
	if err := m.bus.Send(context.Background(), name, p); err != nil {
		m.logger.Warn("call.Machine failed to send a signal", "event", name, "call", p.CallID, "error", err)
	}
}

func (m *Machine) release(s Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.Warn("call.Machine failed to close a media stream", "error", err)
	}
}

func (m *Machine) decode(ev events.Event, dst any) bool {
	if err := ev.Decode(dst); err != nil {
		m.logger.Warn("call.Machine dropped a signal with an invalid payload", "event", ev.Name, "error", err)
		return false
	}
	return true
}

type device int

const (
	deviceCamera device = iota
	deviceMic
)

func (d device) String() string {
	if d == deviceCamera {
		return "camera"
	}
	return "microphone"
}

func (d device) apply(ctx context.Context, s Stream, on bool) error {
	if d == deviceCamera {
		return s.SetCamera(ctx, on)
	}
	return s.SetMic(ctx, on)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
