// Package gorillaws implements connection.Transport on gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/logger"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// DefaultDialer is the gorilla dialer used when Dialer.Dialer is nil.
//
// It uses the default gorilla dialer as of gorilla/websocket v1.5.3 with
// EnableCompression set to true.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Dialer opens authenticated push channels to URL.
type Dialer struct {
	URL string

	Dialer *gorilla.Dialer

	// Subprotocols are offered during the handshake, e.g. "cbor".
	Subprotocols []string

	// PingInterval is how often a ping is sent. The connection is considered
	// lost when no pong or message arrives within PongWait.
	PingInterval time.Duration
	PongWait     time.Duration

	Logger logger.Logger
}

var _ connection.Dialer = (*Dialer)(nil)

func New(url string) *Dialer {
	return &Dialer{
		URL:          url,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
		Logger:       logger.Nop(),
	}
}

// Dial performs the websocket handshake with the token as a bearer credential.
// A 401 or 403 response is reported as connection.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, token string) (connection.Transport, error) {
	dialer := DefaultDialer
	if d.Dialer != nil {
		dialer = d.Dialer
	}
	if len(d.Subprotocols) > 0 {
		withProtocols := *dialer
		withProtocols.Subprotocols = d.Subprotocols
		dialer = &withProtocols
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, res, err := dialer.DialContext(ctx, d.URL, header)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gorillaws.Dialer handshake was refused with status %d: %w", res.StatusCode, connection.ErrUnauthorized)
		}
		return nil, fmt.Errorf("gorillaws.Dialer failed to dial %s: %w", d.URL, err)
	}

	return newConnection(conn, d.PingInterval, d.PongWait, logger.OrNop(d.Logger)), nil
}

// Connection is one established websocket.
type Connection struct {
	Conn *gorilla.Conn

	// writeMu serializes writers; gorilla allows one concurrent writer
	// besides WriteControl.
	writeMu sync.Mutex

	pongWait time.Duration
	logger   logger.Logger

	// closeCh stops the ping loop.
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ connection.Transport = (*Connection)(nil)

func newConnection(conn *gorilla.Conn, pingInterval, pongWait time.Duration, log logger.Logger) *Connection {
	c := &Connection{
		Conn:     conn,
		pongWait: pongWait,
		logger:   log,
		closeCh:  make(chan struct{}),
	}

	if pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	if pingInterval > 0 {
		go c.pingLoop(pingInterval)
	}

	return c
}

func (c *Connection) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(interval)
			if err := c.Conn.WriteControl(gorilla.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("gorillaws.Connection failed to write ping", "error", err)
				return
			}
		}
	}
}

// ReadMessage implements connection.Transport. Close frames from the peer
// are reported as *connection.CloseError.
func (c *Connection) ReadMessage() (bool, []byte, error) {
	typ, data, err := c.Conn.ReadMessage()
	if err != nil {
		var closeErr *gorilla.CloseError
		if errors.As(err, &closeErr) {
			return false, nil, &connection.CloseError{Code: closeErr.Code, Text: closeErr.Text}
		}
		return false, nil, err
	}

	if c.pongWait > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
	}
	return typ == gorilla.BinaryMessage, data, nil
}

// WriteMessage implements connection.Transport.
func (c *Connection) WriteMessage(ctx context.Context, binary bool, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.Conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("gorillaws.Connection failed to set write deadline: %w", err)
		}
		defer func() {
			_ = c.Conn.SetWriteDeadline(time.Time{})
		}()
	}

	messageType := gorilla.TextMessage
	if binary {
		messageType = gorilla.BinaryMessage
	}
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the websocket.
//
// Phase 1 tries to send a close frame, bounded by ctx's deadline. Phase 2
// closes the underlying connection whether or not phase 1 succeeded, so
// local resources are always released.
func (c *Connection) Close(ctx context.Context) error {
	alreadyClosed := true
	c.closeOnce.Do(func() {
		alreadyClosed = false
		close(c.closeCh)
	})
	if alreadyClosed {
		return nil
	}

	writeErr := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if deadline, ok := ctx.Deadline(); ok {
			if err := c.Conn.SetWriteDeadline(deadline); err != nil {
				writeErr <- fmt.Errorf("BUG: gorillaws.Connection.Close failed to set write deadline: %w", err)
				return
			}
		}
		writeErr <- c.Conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Debug("gorillaws.Connection failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return c.Conn.Close()
}
