package quillsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillnote/quillsync/pkg/backend"
	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/connection/gorillaws"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/loop"
	"github.com/quillnote/quillsync/pkg/metrics"
	"github.com/quillnote/quillsync/pkg/notify"
	"github.com/quillnote/quillsync/pkg/reconcile"
	"github.com/quillnote/quillsync/pkg/tokenstore"
)

// ErrNoToken is returned by Login for an empty token.
var ErrNoToken = errors.New("quillsync: no token")

// Client runs the sync core for one identity at a time: the push channel,
// the reconciled view and the call machine, all on one loop.
type Client struct {
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics

	loop    *loop.Loop
	conn    *connection.Manager
	guard   *connection.SignOutGuard
	engine  *reconcile.Engine
	calls   *call.Machine
	surface *call.Surface
	query   *reconcile.QueryRef
	tokens  tokenstore.Store
	notify  notify.Notifier

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	// lost is set on the loop when a reconnect cycle begins.
	lost bool

	// identity is bumped by every Login so a sign-out raised for an older
	// identity does not log out the new one.
	identity atomic.Uint64
}

// New creates a client. It does not connect until Start or Login.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    *cfg,
		logger: logger.OrNop(cfg.Logger),
		tokens: cfg.TokenStore,
		done:   make(chan struct{}),
	}
	c.notify = cfg.Notifier
	if c.notify == nil {
		c.notify = notify.Log{Logger: c.logger}
	}

	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("quillsync.Client failed to register metrics: %w", err)
	}
	c.metrics = m
	c.loop = loop.New(c.logger)
	c.guard = connection.NewSignOutGuard(c.signOut)

	wire, _ := codec.ByName(cfg.Codec)
	connCfg := connection.NewConfig()
	if cfg.Connection != nil {
		*connCfg = *cfg.Connection
	}
	connCfg.Codec = wire
	connCfg.Guard = c.guard
	connCfg.Logger = c.logger
	connCfg.Metrics = m

	dialer := cfg.Dialer
	if dialer == nil {
		ws := gorillaws.New(cfg.Endpoint)
		ws.Logger = c.logger
		dialer = ws
	}
	c.conn, err = connection.New(dialer, c.loop, connCfg)
	if err != nil {
		return nil, fmt.Errorf("quillsync.Client failed to create the connection manager: %w", err)
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		api := backend.New(cfg.APIURL, c.conn.Token)
		api.Logger = c.logger
		fetcher = api
	}
	c.query = reconcile.NewQueryRef(cfg.Query)
	c.engine = reconcile.New(c.loop, fetcher, c.query, &reconcile.Config{
		Logger:       c.logger,
		Metrics:      m,
		Notifier:     c.notify,
		FetchTimeout: reconcile.DefaultFetchTimeout,
		OnFetchError: c.fetchFailed,
	})

	callCfg := call.NewConfig()
	if cfg.Call != nil {
		*callCfg = *cfg.Call
	}
	callCfg.Logger = c.logger
	callCfg.Metrics = m
	c.calls, err = call.New(c.loop, c.conn, cfg.Media, callCfg)
	if err != nil {
		return nil, fmt.Errorf("quillsync.Client failed to create the call machine: %w", err)
	}

	return c, nil
}

// Start runs the loop, wires the components and connects with the stored
// token, if there is one. A transport failure is logged and retried in the
// background; Start only fails when the client cannot run at all.
func (c *Client) Start(ctx context.Context) error {
	started, err := c.start(ctx)
	if err != nil || !started {
		return err
	}

	token, err := c.tokens.Load()
	if err != nil {
		return fmt.Errorf("quillsync.Client failed to load the stored token: %w", err)
	}
	if token == "" {
		c.logger.Info("quillsync.Client has no stored token, waiting for login")
		return nil
	}
	if err := c.connect(ctx, token); err != nil {
		c.logger.Warn("quillsync.Client could not connect with the stored token", "error", err)
	}
	return nil
}

// start runs the loop and wires the components without connecting. started
// is true only for the call that did the work.
func (c *Client) start(ctx context.Context) (started bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, loop.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return false, nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		if err := c.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("quillsync.Client loop stopped", "error", err)
		}
	}()

	err = c.loop.Call(ctx, func() {
		c.engine.Attach(c.conn)
		c.calls.Attach()
		surface := call.NewSurface(c.calls, c.cfg.Renderer)
		c.mu.Lock()
		c.surface = surface
		c.mu.Unlock()
		c.watchConnection()
	})
	if err != nil {
		return false, fmt.Errorf("quillsync.Client failed to start: %w", err)
	}
	return true, nil
}

// Login switches to the identity of token. State of any previous identity is
// dropped before connecting.
func (c *Client) Login(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	if _, err := c.start(ctx); err != nil {
		return err
	}

	if prev := c.conn.Token(); prev != token {
		if err := c.resetIdentity(ctx); err != nil {
			return err
		}
	}
	c.identity.Add(1)
	c.guard.Reset()

	if err := c.tokens.Save(token); err != nil {
		return fmt.Errorf("quillsync.Client failed to store the token: %w", err)
	}
	return c.connect(ctx, token)
}

// Logout disconnects and drops all state of the current identity.
func (c *Client) Logout(ctx context.Context) error {
	var errs []error
	if err := c.conn.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.resetIdentity(ctx); err != nil && !errors.Is(err, loop.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.tokens.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("quillsync.Client failed to clear the token: %w", err))
	}
	return errors.Join(errs...)
}

// Close disconnects and stops the loop. The client cannot be restarted.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	err := c.conn.Disconnect(ctx)
	if started {
		_ = c.loop.Call(ctx, func() {
			c.calls.Reset()
			c.surface.Close()
			c.calls.Detach()
			c.engine.Detach()
		})
		cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.loop.Close()
	return err
}

func (c *Client) connect(ctx context.Context, token string) error {
	var self string
	if claims, ok := connection.ParseToken(token); ok {
		self = claims.Subject
	}
	if err := c.loop.Call(ctx, func() { c.calls.SetSelf(self) }); err != nil {
		return err
	}
	return c.conn.Connect(ctx, token)
}

func (c *Client) resetIdentity(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}
	return c.loop.Call(ctx, func() {
		c.engine.Reset()
		c.calls.Reset()
		c.calls.SetSelf("")
	})
}

// signOut is the action of the sign-out guard. It runs at most once per
// identity, on whatever goroutine detected the failure.
func (c *Client) signOut(reason error) {
	c.logger.Warn("quillsync.Client is signing out", "reason", reason)
	identity := c.identity.Load()
	go func() {
		if c.identity.Load() != identity {
			c.logger.Info("quillsync.Client dropped a sign-out of a replaced identity", "reason", reason)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.closeTimeout())
		defer cancel()
		if err := c.Logout(ctx); err != nil {
			c.logger.Error("quillsync.Client failed to log out", "error", err)
		}
		c.notify.Notify(notify.Notice{
			Level:   notify.LevelError,
			Kind:    notify.KindSignOut,
			Message: signOutMessage(reason),
			Err:     reason,
		})
	}()
}

func signOutMessage(reason error) string {
	switch {
	case errors.Is(reason, connection.ErrAccountClosed):
		return "Your account is no longer active. You have been signed out."
	case errors.Is(reason, connection.ErrTokenExpired):
		return "Your session expired. Please sign in again."
	default:
		return "Your session is no longer valid. Please sign in again."
	}
}

// fetchFailed runs on the loop for every failed re-fetch.
func (c *Client) fetchFailed(_ reconcile.Target, err error) {
	if errors.Is(err, backend.ErrUnauthorized) {
		c.guard.Trigger(fmt.Errorf("%w: %w", connection.ErrUnauthorized, err))
	}
}

// watchConnection turns lifecycle events into notices. It runs on the loop.
func (c *Client) watchConnection() {
	c.conn.On(events.ReconnectAttempt, func(events.Event) {
		if c.lost {
			return
		}
		c.lost = true
		c.notify.Notify(notify.Notice{
			Level:   notify.LevelWarn,
			Kind:    notify.KindConnection,
			Message: "Connection lost. Reconnecting…",
		})
	})
	c.conn.On(events.Connected, func(events.Event) {
		if !c.lost {
			return
		}
		c.lost = false
		c.notify.Notify(notify.Notice{
			Level:   notify.LevelInfo,
			Kind:    notify.KindConnection,
			Message: "Reconnected.",
		})
	})
	c.conn.On(events.ReconnectFailed, func(ev events.Event) {
		c.lost = false
		var p events.LifecyclePayload
		_ = ev.Decode(&p)
		c.notify.Notify(notify.Notice{
			Level:   notify.LevelError,
			Kind:    notify.KindConnection,
			Message: "Could not reconnect. Check your network and try again.",
			Err:     fmt.Errorf("%w: %s", connection.ErrReconnectFailed, p.Error),
		})
	})
}

func (c Config) closeTimeout() time.Duration {
	if c.Connection != nil && c.Connection.CloseTimeout > 0 {
		return 2 * c.Connection.CloseTimeout
	}
	return 2 * connection.DefaultCloseTimeout
}
