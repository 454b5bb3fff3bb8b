package connection

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/loop/looptest"
)

func TestRouterDispatchesInRegistrationOrder(t *testing.T) {
	sched := looptest.New()
	r := NewRouter(sched, nil)

	var got []string
	r.On(events.NoteCreated, func(events.Event) { got = append(got, "first") })
	r.On(events.NoteCreated, func(events.Event) { got = append(got, "second") })
	r.On(events.NoteDeleted, func(events.Event) { got = append(got, "other") })

	r.Publish(events.New(events.NoteCreated, nil, nil))
	assert.Empty(t, got, "publish only queues")

	sched.Drain()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestRouterLooksUpHandlersAtDispatch(t *testing.T) {
	sched := looptest.New()
	r := NewRouter(sched, nil)

	calls := 0
	var second Subscription
	r.On(events.TagPinned, func(events.Event) { second.Off() })
	second = r.On(events.TagPinned, func(events.Event) { calls++ })

	r.Publish(events.New(events.TagPinned, nil, nil))

	late := 0
	r.On(events.TagPinned, func(events.Event) { late++ })
	sched.Drain()

	assert.Zero(t, calls, "handler removed earlier in the same dispatch")
	assert.Equal(t, 1, late, "handler registered before dispatch")

	r.Off(second)
	r.Off(nil)
}

func TestSignOutGuardFiresOnceUntilReset(t *testing.T) {
	var reasons []error
	g := NewSignOutGuard(func(reason error) { reasons = append(reasons, reason) })

	first := errors.New("401")
	assert.True(t, g.Trigger(first))
	assert.False(t, g.Trigger(errors.New("4401")))
	assert.True(t, g.Fired())
	assert.Equal(t, []error{first}, reasons)

	g.Reset()
	assert.False(t, g.Fired())
	assert.True(t, g.Trigger(errors.New("account_deleted")))
	assert.Len(t, reasons, 2)
}

func TestIsUnauthorized(t *testing.T) {
	assert.True(t, IsUnauthorized(fmt.Errorf("dial: %w", ErrUnauthorized)))
	assert.True(t, IsUnauthorized(fmt.Errorf("read: %w", &CloseError{Code: CloseUnauthorized})))
	assert.True(t, IsUnauthorized(&CloseError{Code: CloseForbidden}))
	assert.False(t, IsUnauthorized(&CloseError{Code: 1006}))
	assert.False(t, IsUnauthorized(errors.New("connection reset by peer")))
	assert.False(t, IsUnauthorized(nil))
}

func TestParseToken(t *testing.T) {
	exp := looptest.Epoch.Add(time.Hour)
	token := signedToken(t, "user-1", exp)

	claims, ok := ParseToken(token)
	require.True(t, ok)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.ExpiresAt.Equal(exp))

	assert.False(t, TokenExpired(token, looptest.Epoch))
	assert.True(t, TokenExpired(token, exp))
	assert.True(t, TokenExpired(token, exp.Add(time.Second)))

	_, ok = ParseToken("opaque-session-token")
	assert.False(t, ok)
	assert.False(t, TokenExpired("opaque-session-token", exp.Add(time.Hour)))
}
