package connection

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized marks failures caused by a rejected or expired credential.
	// They end the session instead of being retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired is returned by Connect when the token's exp claim has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrAccountClosed is the sign-out reason for account_deleted and
	// account_deactivated events.
	ErrAccountClosed = errors.New("account closed")

	// ErrReconnectFailed is reported once the retry budget is exhausted.
	ErrReconnectFailed = errors.New("reconnect failed")

	// ErrClosed is returned by Connect when the dial finished after the
	// Manager was disconnected or switched to another token.
	ErrClosed = errors.New("connection closed")
)

// Close codes the push server uses to revoke a session.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// CloseError is returned by Transport.ReadMessage when the peer sent a close frame.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed by peer (code %d): %s", e.Code, e.Text)
}

// IsUnauthorized reports whether err must trigger a sign-out rather than a retry.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == CloseUnauthorized || closeErr.Code == CloseForbidden
	}
	return false
}

// Transport is one established push channel. A Transport is never reused
// after ReadMessage returned an error or Close was called.
type Transport interface {
	// ReadMessage blocks until the next frame arrives.
	ReadMessage() (binary bool, data []byte, err error)

	// WriteMessage writes one frame. It is not called concurrently.
	WriteMessage(ctx context.Context, binary bool, data []byte) error

	// Close sends a close frame and releases the underlying connection.
	Close(ctx context.Context) error
}

// Dialer opens a Transport authenticated with token. A handshake refused
// with 401 or 403 must be reported as an error wrapping ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Transport, error) {
	return f(ctx, token)
}
