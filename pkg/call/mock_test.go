package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/loop/looptest"
)

var errPermissionDenied = errors.New("permission denied")

type sentSignal struct {
	Name    events.Name
	Payload events.CallPayload
}

// fakeBus dispatches through a real Router and records what is sent.
type fakeBus struct {
	*connection.Router

	mu   sync.Mutex
	sent []sentSignal
}

func (b *fakeBus) Send(_ context.Context, name events.Name, payload any) error {
	p, ok := payload.(events.CallPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentSignal{Name: name, Payload: p})
	return nil
}

func (b *fakeBus) Sent(name events.Name) []events.CallPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.CallPayload
	for _, s := range b.sent {
		if s.Name == name {
			out = append(out, s.Payload)
		}
	}
	return out
}

func (b *fakeBus) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakeStream struct {
	camErr error
	micErr error

	mu     sync.Mutex
	camera []bool
	mic    []bool
	closed atomic.Int32
}

func (s *fakeStream) SetCamera(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = append(s.camera, on)
	return s.camErr
}

func (s *fakeStream) SetMic(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mic = append(s.mic, on)
	return s.micErr
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *fakeStream) Closed() bool { return s.closed.Load() > 0 }

type fakeMedia struct {
	// gate, when set, blocks Open until it is closed.
	gate chan struct{}

	mu        sync.Mutex
	openErr   error
	attachErr error
	camErr    error
	opened    []*fakeStream
	attached  []*fakeStream
}

func (m *fakeMedia) Open(ctx context.Context, _ events.MediaKind) (Stream, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	s := &fakeStream{camErr: m.camErr}
	m.opened = append(m.opened, s)
	return s, nil
}

func (m *fakeMedia) Attach(_ context.Context, _ string, _ events.MediaKind) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return nil, m.attachErr
	}
	s := &fakeStream{}
	m.attached = append(m.attached, s)
	return s, nil
}

func (m *fakeMedia) Streams() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(append([]*fakeStream(nil), m.opened...), m.attached...)
}

type harness struct {
	sched *looptest.Scheduler
	bus   *fakeBus
	media *fakeMedia
	m     *Machine
}

const (
	testRingTimeout     = 30 * time.Second
	testRingInterval    = 5 * time.Second
	testIncomingTimeout = 20 * time.Second
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	sched := looptest.New()
	h := &harness{
		sched: sched,
		bus:   &fakeBus{Router: connection.NewRouter(sched, nil)},
		media: &fakeMedia{},
	}

	n := 0
	cfg := NewConfig()
	cfg.RingTimeout = testRingTimeout
	cfg.RingInterval = testRingInterval
	cfg.ProgressInterval = time.Second
	cfg.IncomingTimeout = testIncomingTimeout
	cfg.MediaTimeout = time.Second
	cfg.NewID = func() (string, error) {
		n++
		return fmt.Sprintf("call-%d", n), nil
	}

	m, err := New(sched, h.bus, h.media, cfg)
	require.NoError(t, err)
	m.SetSelf("x")
	m.Attach()
	h.m = m
	return h
}

// remote delivers a signal from the peer and runs it.
func (h *harness) remote(t *testing.T, name events.Name, p events.CallPayload) {
	t.Helper()
	c := codec.NewJSON()
	data, err := c.Marshal(p)
	require.NoError(t, err)
	h.bus.Publish(events.New(name, data, c.Unmarshal))
	h.sched.Drain()
}

// waitFor drains the loop until cond holds.
func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sched.Drain()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

// activeOutgoing starts a call to y and lets y accept it.
func (h *harness) activeOutgoing(t *testing.T, kind events.MediaKind) string {
	t.Helper()
	require.NoError(t, h.m.StartCall("y", kind))
	h.waitFor(t, func() bool { return h.m.Session().Local != nil })

	id := h.m.Session().ID
	h.remote(t, events.CallAccept, events.CallPayload{CallID: id})
	h.waitFor(t, func() bool { return h.m.Session().Remote != nil })
	require.Equal(t, StateActive, h.m.State())
	return id
}
