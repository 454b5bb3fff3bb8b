// Package connection owns the authenticated push channel of one identity.
//
// A [Manager] keeps at most one [Transport] open, reconnects it with a
// [Retryer] when it drops, and turns authorization failures into a single
// sign-out through a [SignOutGuard]. Decoded events are dispatched on the
// loop through the embedded [Router]; the [Bus] interface is everything other
// components are allowed to see.
//
// Lifecycle events (connecting, connected, disconnected, reconnect_attempt,
// reconnect_failed) are published on the same bus as pushed events and carry
// an [events.LifecyclePayload].
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/loop"
	"github.com/quillnote/quillsync/pkg/metrics"
)

type frame struct {
	name   events.Name
	binary bool
	data   []byte
}

type Manager struct {
	*Router

	dialer  Dialer
	sched   loop.Scheduler
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics

	// group collapses concurrent Connect calls for the same token.
	group singleflight.Group

	// mu protects everything below
	mu        sync.Mutex
	state     State
	token     string
	transport Transport
	out       chan frame
	retries   int

	// session changes whenever the current connect intent is abandoned:
	// Disconnect, a token switch, or a sign-out. Async work started for an
	// older session is discarded when it completes.
	session    uint64
	retryTimer loop.Timer
	cancelDial context.CancelFunc
}

var _ Bus = (*Manager)(nil)

// New creates a disconnected Manager. A nil cfg uses NewConfig().
func New(dialer Dialer, sched loop.Scheduler, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.OrNop(cfg.Logger)
	return &Manager{
		Router:  NewRouter(sched, log),
		dialer:  dialer,
		sched:   sched,
		cfg:     *cfg,
		logger:  log,
		metrics: cfg.Metrics,
		state:   StateDisconnected,
	}, nil
}

// Status returns the current connection state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the number of reconnection attempts since the last
// successful connection.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Token returns the token of the current connect intent, if any.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Connect opens the push channel with token.
//
// It is idempotent: an empty token is a no-op, and so is a token the Manager
// is already connected with. Concurrent calls with the same token share one
// dial. A different token tears the current connection down first.
//
// When the dial fails for a transport reason, Connect returns the error and
// the Manager keeps retrying in the background. Authorization failures are
// not retried; they disconnect and trigger the sign-out guard.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	m.mu.Lock()
	if m.state == StateConnected && m.token == token {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err, shared := m.group.Do(token, func() (any, error) {
		return nil, m.connect(ctx, token)
	})
	if shared {
		m.logger.Debug("connection.Manager collapsed concurrent connect calls")
	}
	return err
}

func (m *Manager) connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == StateConnected && m.token == token {
		m.mu.Unlock()
		return nil
	}
	prevTransport, prevState := m.teardownLocked()
	m.token = token
	m.retries = 0
	m.cfg.Retryer.Reset()
	sess := m.session
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	m.cancelDial = cancel
	m.transitionLocked(StateConnecting)
	m.mu.Unlock()
	defer cancel()

	m.closeTransport(prevTransport)
	if prevState != StateDisconnected {
		m.emit(events.Disconnected, events.LifecyclePayload{})
	}
	m.emit(events.Connecting, events.LifecyclePayload{})

	if TokenExpired(token, m.sched.Now()) {
		err := fmt.Errorf("connection.Manager refused to dial: %w: %w", ErrUnauthorized, ErrTokenExpired)
		m.unauthorized(sess, err)
		return err
	}

	m.logger.Debug("connection.Manager is dialing")
	t, err := m.dialer.Dial(dialCtx, token)
	if err != nil {
		switch {
		case IsUnauthorized(err):
			m.unauthorized(sess, err)
		case ctx.Err() != nil:
			m.abandon(sess)
		default:
			m.mu.Lock()
			if m.session == sess {
				m.logger.Warn("connection.Manager failed to connect", "error", err)
				m.scheduleRetryLocked(err)
			}
			m.mu.Unlock()
		}
		return fmt.Errorf("connection.Manager failed to connect: %w", err)
	}

	if !m.attach(sess, t) {
		return fmt.Errorf("connection.Manager discarded a dial superseded by another connect: %w", ErrClosed)
	}
	return nil
}

// Disconnect closes the transport and stops reconnecting. It is safe to call
// repeatedly.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	t, prev := m.teardownLocked()
	m.token = ""
	m.mu.Unlock()

	if prev != StateDisconnected {
		m.logger.Info("connection.Manager disconnected")
		m.emit(events.Disconnected, events.LifecyclePayload{})
	}

	if t == nil {
		return nil
	}
	if err := t.Close(ctx); err != nil {
		return fmt.Errorf("connection.Manager failed to close the transport: %w", err)
	}
	return nil
}

// Send queues an outbound signal on the live connection. When there is none,
// the signal is dropped and Send returns nil.
func (m *Manager) Send(ctx context.Context, name events.Name, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := m.cfg.Codec.Encode(name, payload)
	if err != nil {
		return fmt.Errorf("connection.Manager failed to encode %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.out == nil {
		m.logger.Debug("connection.Manager dropped a signal while not connected", "event", name, "state", m.state)
		m.metrics.Signal(string(name), "dropped")
		return nil
	}

	select {
	case m.out <- frame{name: name, binary: m.cfg.Codec.Binary(), data: data}:
	default:
		m.logger.Warn("connection.Manager dropped a signal because the send queue is full", "event", name)
		m.metrics.Signal(string(name), "dropped")
	}
	return nil
}

// attach installs t as the live transport unless the connect intent that
// dialed it was abandoned. It reports whether t was kept.
func (m *Manager) attach(sess uint64, t Transport) bool {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		m.logger.Debug("connection.Manager is closing a transport dialed for an abandoned session")
		m.closeTransport(t)
		return false
	}
	m.transport = t
	m.out = make(chan frame, m.cfg.SendBuffer)
	out := m.out
	m.retries = 0
	m.cfg.Retryer.Reset()
	m.cancelDial = nil
	m.transitionLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connection.Manager connected")
	// Connected is published before the reader starts so its handlers run
	// before any pushed event.
	m.emit(events.Connected, events.LifecyclePayload{})

	go m.writeLoop(t, out)
	go m.readLoop(sess, t)
	return true
}

func (m *Manager) readLoop(sess uint64, t Transport) {
	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			m.lost(t, err)
			return
		}

		if !m.isCurrent(t) {
			return
		}

		ev, err := m.cfg.Codec.Decode(data)
		if err != nil {
			m.logger.Warn("connection.Manager dropped an undecodable frame", "error", err)
			continue
		}
		m.metrics.EventReceived(string(ev.Name))
		m.Publish(ev)

		if ev.Name == events.AccountDeleted || ev.Name == events.AccountDeactivated {
			m.unauthorized(sess, fmt.Errorf("connection.Manager received %s: %w: %w", ev.Name, ErrUnauthorized, ErrAccountClosed))
			return
		}
	}
}

func (m *Manager) writeLoop(t Transport, out <-chan frame) {
	for f := range out {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		err := t.WriteMessage(ctx, f.binary, f.data)
		cancel()
		if err != nil {
			m.metrics.Signal(string(f.name), "failed")
			m.lost(t, err)
			return
		}
		m.metrics.Signal(string(f.name), "sent")
	}
}

func (m *Manager) isCurrent(t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport == t
}

// lost handles a read or write failure on t. Failures of transports that are
// no longer current are ignored.
func (m *Manager) lost(t Transport, err error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}

	if IsUnauthorized(err) {
		sess := m.session
		m.mu.Unlock()
		m.unauthorized(sess, err)
		return
	}

	m.detachLocked()
	m.logger.Warn("connection.Manager lost the connection", "error", err)
	m.emit(events.Disconnected, events.LifecyclePayload{Error: err.Error()})
	m.scheduleRetryLocked(err)
	m.mu.Unlock()

	m.closeTransport(t)
}

// scheduleRetryLocked arms the next reconnection attempt, or publishes
// reconnect_failed when the retryer gives up.
func (m *Manager) scheduleRetryLocked(lastErr error) {
	delay, ok := m.cfg.Retryer.NextDelay(m.retries, lastErr)
	if !ok {
		m.transitionLocked(StateDisconnected)
		m.logger.Error("connection.Manager gave up reconnecting", "retries", m.retries, "error", lastErr)
		m.metrics.ReconnectFailed()
		m.emit(events.ReconnectFailed, events.LifecyclePayload{
			Attempt: m.retries,
			Error:   fmt.Errorf("%w: %v", ErrReconnectFailed, lastErr).Error(),
		})
		return
	}

	m.retries++
	attempt := m.retries
	sess := m.session
	m.transitionLocked(StateConnecting)
	m.logger.Info("connection.Manager is scheduling a reconnect", "attempt", attempt, "delay", delay)
	m.retryTimer = m.sched.AfterFunc(delay, func() {
		m.retry(sess, attempt, delay)
	})
}

// retry runs on the loop when a reconnect timer fires.
func (m *Manager) retry(sess uint64, attempt int, delay time.Duration) {
	m.mu.Lock()
	if m.session != sess || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	token := m.token
	dialCtx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.cancelDial = cancel
	m.mu.Unlock()

	if TokenExpired(token, m.sched.Now()) {
		cancel()
		m.unauthorized(sess, fmt.Errorf("connection.Manager refused to redial: %w: %w", ErrUnauthorized, ErrTokenExpired))
		return
	}

	m.metrics.ReconnectAttempt()
	m.emit(events.ReconnectAttempt, events.LifecyclePayload{Attempt: attempt, Delay: delay.String()})

	go func() {
		defer cancel()

		t, err := m.dialer.Dial(dialCtx, token)
		if err != nil {
			m.redialFailed(sess, err)
			return
		}
		m.attach(sess, t)
	}()
}

func (m *Manager) redialFailed(sess uint64, err error) {
	if IsUnauthorized(err) {
		m.unauthorized(sess, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess {
		return
	}
	m.logger.Warn("connection.Manager failed to reconnect", "attempt", m.retries, "error", err)
	m.scheduleRetryLocked(err)
}

// unauthorized disconnects and hands reason to the sign-out guard.
func (m *Manager) unauthorized(sess uint64, reason error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	t, prev := m.teardownLocked()
	m.mu.Unlock()

	m.closeTransport(t)
	m.logger.Warn("connection.Manager session was rejected", "error", reason)
	if prev != StateDisconnected {
		m.emit(events.Disconnected, events.LifecyclePayload{Error: reason.Error()})
	}

	if m.cfg.Guard != nil && m.cfg.Guard.Trigger(reason) {
		m.metrics.SignOut()
	}
}

// abandon gives up the current connect intent without a sign-out.
func (m *Manager) abandon(sess uint64) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	t, prev := m.teardownLocked()
	m.mu.Unlock()

	m.closeTransport(t)
	if prev != StateDisconnected {
		m.emit(events.Disconnected, events.LifecyclePayload{})
	}
}

// teardownLocked abandons the current connect intent: pending retries and
// dials are cancelled and the live transport, if any, is returned for the
// caller to close outside the lock.
func (m *Manager) teardownLocked() (Transport, State) {
	prev := m.state
	m.session++

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	t := m.detachLocked()
	m.transitionLocked(StateDisconnected)
	return t, prev
}

func (m *Manager) detachLocked() Transport {
	t := m.transport
	m.transport = nil
	if m.out != nil {
		close(m.out)
		m.out = nil
	}
	return t
}

func (m *Manager) closeTransport(t Transport) {
	if t == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
		defer cancel()
		if err := t.Close(ctx); err != nil {
			m.logger.Debug("connection.Manager failed to close a transport", "error", err)
		}
	}()
}

func (m *Manager) transitionLocked(newState State) {
	if err := m.state.validateTransitionTo(newState); err != nil {
		m.logger.Error("BUG: connection.Manager made an invalid state transition", "error", err)
	}
	m.state = newState
	m.metrics.SetConnectionState(int(newState))
	m.logger.Debug("connection.Manager state transitioned", "new_state", newState)
}

func (m *Manager) emit(name events.Name, payload events.LifecyclePayload) {
	data, err := m.cfg.Codec.Marshal(payload)
	if err != nil {
		m.logger.Error("BUG: connection.Manager failed to encode a lifecycle payload", "event", name, "error", err)
		return
	}
	m.Publish(events.New(name, data, m.cfg.Codec.Unmarshal))
}
