package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/loop/looptest"
)

var errUseOfClosed = errors.New("use of closed network connection")

// mockTransport is an in-memory Transport. Frames pushed with push are read
// by the Manager; frames the Manager writes are kept for inspection.
type mockTransport struct {
	incoming  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	mu      sync.Mutex
	err     error
	written [][]byte
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (t *mockTransport) ReadMessage() (bool, []byte, error) {
	select {
	case data := <-t.incoming:
		return false, data, nil
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return false, nil, t.err
		}
		return false, nil, errUseOfClosed
	}
}

func (t *mockTransport) WriteMessage(_ context.Context, _ bool, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errUseOfClosed
	}
	t.written = append(t.written, data)
	return nil
}

func (t *mockTransport) Close(context.Context) error {
	t.closed.Store(true)
	t.fail(nil)
	return nil
}

// fail makes the pending and every future ReadMessage return err.
func (t *mockTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *mockTransport) push(tb testing.TB, name events.Name, payload any) {
	tb.Helper()
	data, err := codec.NewJSON().Encode(name, payload)
	require.NoError(tb, err)
	t.incoming <- data
}

func (t *mockTransport) writtenEvents(tb testing.TB) []events.Event {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []events.Event
	for _, data := range t.written {
		ev, err := codec.NewJSON().Decode(data)
		require.NoError(tb, err)
		out = append(out, ev)
	}
	return out
}

// mockDialer hands out mockTransports. Errors queued in errs are returned by
// the next dials in order; a nil entry means that dial succeeds.
type mockDialer struct {
	dials atomic.Int32

	// gate, when set, blocks every dial until it is closed.
	gate chan struct{}

	mu         sync.Mutex
	errs       []error
	tokens     []string
	transports []*mockTransport
}

func (d *mockDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.dials.Add(1)

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	t := newMockTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *mockDialer) last() *mockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// recorder collects the names of the events it is subscribed to.
type recorder struct {
	mu     sync.Mutex
	names  []events.Name
	events []events.Event
}

func (r *recorder) handler(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, ev.Name)
	r.events = append(r.events, ev)
}

func (r *recorder) Names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Name(nil), r.names...)
}

func (r *recorder) Last(name events.Name) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

var lifecycle = []events.Name{
	events.Connecting,
	events.Connected,
	events.Disconnected,
	events.ReconnectAttempt,
	events.ReconnectFailed,
}

type harness struct {
	m       *Manager
	sched   *looptest.Scheduler
	dialer  *mockDialer
	rec     *recorder
	signOut atomic.Int32
	reasons chan error
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()

	h := &harness{
		sched:   looptest.New(),
		dialer:  &mockDialer{},
		rec:     &recorder{},
		reasons: make(chan error, 8),
	}

	cfg := NewConfig()
	cfg.Retryer = NewFixedDelayRetryer(time.Second, maxRetries)
	cfg.Guard = NewSignOutGuard(func(reason error) {
		h.signOut.Add(1)
		h.reasons <- reason
	})

	m, err := New(h.dialer, h.sched, cfg)
	require.NoError(t, err)
	h.m = m

	for _, name := range lifecycle {
		m.On(name, h.rec.handler)
	}

	t.Cleanup(func() {
		_ = m.Disconnect(context.Background())
	})
	return h
}

// waitFor drains the loop until cond holds.
func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sched.Drain()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func signedToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}
