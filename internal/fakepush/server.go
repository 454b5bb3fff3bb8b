// Package fakepush provides a fake push server for integration tests.
//
// It accepts websocket connections authenticated with a bearer token, pushes
// events to them in the client's wire envelope, records every signal the
// clients send, and can inject the failures the client must survive:
// dropped TCP connections, close frames with revocation codes, and refused
// handshakes.
//
// The WebSocket side is implemented using the `gws` library.
package fakepush

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lxzan/gws"

	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/events"
)

// Signal is one frame received from a client.
type Signal struct {
	Token string
	Event events.Event
}

type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	upgrader   *gws.Upgrader
	codec      codec.Codec

	handshakes atomic.Int32

	mu       sync.Mutex
	tokens   map[string]bool
	conns    map[*gws.Conn]string
	received []Signal
	onSignal func(s *Server, sig Signal)
}

// Handler implements the gws.Event interface for push connections
type Handler struct {
	server *Server
}

// NewServer creates a fake push server speaking c.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string, c codec.Codec) *Server {
	s := &Server{
		addr:   addr,
		codec:  c,
		tokens: make(map[string]bool),
		conns:  make(map[*gws.Conn]string),
	}
	s.upgrader = gws.NewUpgrader(&Handler{server: s}, &gws.ServerOption{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpServer = &http.Server{Handler: mux}

	return s
}

// AllowToken makes token acceptable for future handshakes.
func (s *Server) AllowToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = true
}

// RevokeToken makes future handshakes with token fail with 401.
// Open connections are not affected; use Kick for that.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// OnSignal registers fn to be called for every received frame, e.g. to make
// the fake peer answer a call_dial. It runs on the connection's read goroutine.
func (s *Server) OnSignal(fn func(s *Server, sig Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignal = fn
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.handshakes.Add(1)

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	allowed := ok && s.tokens[token]
	s.mu.Unlock()
	if !allowed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		log.Printf("fakepush: upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[socket] = token
	s.mu.Unlock()

	go socket.ReadLoop()
}

func (h *Handler) OnOpen(socket *gws.Conn) {}

func (h *Handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	delete(h.server.conns, socket)
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakepush: failed to write pong: %v", err)
	}
}

func (h *Handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := append([]byte(nil), message.Bytes()...)
	ev, err := h.server.codec.Decode(data)
	if err != nil {
		log.Printf("fakepush: dropped undecodable frame: %v", err)
		return
	}

	h.server.mu.Lock()
	sig := Signal{Token: h.server.conns[socket], Event: ev}
	h.server.received = append(h.server.received, sig)
	fn := h.server.onSignal
	h.server.mu.Unlock()

	if fn != nil {
		fn(h.server, sig)
	}
}

// Start starts the server and begins accepting connections.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("fakepush: server error: %v", err)
		}
	}()

	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	for socket := range s.conns {
		_ = socket.NetConn().Close()
	}
	s.mu.Unlock()

	return s.httpServer.Close()
}

// Address returns the actual address the server is listening on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws://" + s.Address() + "/ws"
}

// Push sends an event to every connection authenticated with token.
// An empty token pushes to all connections.
func (s *Server) Push(token string, name events.Name, payload any) error {
	data, err := s.codec.Encode(name, payload)
	if err != nil {
		return fmt.Errorf("fakepush: failed to encode %s: %w", name, err)
	}

	opcode := gws.OpcodeText
	if s.codec.Binary() {
		opcode = gws.OpcodeBinary
	}

	var errs []error
	for _, socket := range s.sockets(token) {
		if err := socket.WriteMessage(opcode, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kick sends a close frame with code to the connections of token.
func (s *Server) Kick(token string, code uint16, reason string) {
	for _, socket := range s.sockets(token) {
		socket.WriteClose(code, []byte(reason))
	}
}

// Drop closes the TCP connections of token without a close frame.
func (s *Server) Drop(token string) {
	for _, socket := range s.sockets(token) {
		_ = socket.NetConn().Close()
	}
}

func (s *Server) sockets(token string) []*gws.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*gws.Conn
	for socket, t := range s.conns {
		if token == "" || t == token {
			out = append(out, socket)
		}
	}
	return out
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Handshakes returns the number of handshake attempts, refused ones included.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Received returns a copy of every frame received so far.
func (s *Server) Received() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.received...)
}

// ReceivedNames returns the event names of Received, in order.
func (s *Server) ReceivedNames() []events.Name {
	var names []events.Name
	for _, sig := range s.Received() {
		names = append(names, sig.Event.Name)
	}
	return names
}
