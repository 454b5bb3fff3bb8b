package quillsync

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/notify"
	"github.com/quillnote/quillsync/pkg/reconcile"
	"github.com/quillnote/quillsync/pkg/tokenstore"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the websocket URL of the push channel, e.g.
	// wss://push.quillnote.app/ws. It is not needed when Dialer is set.
	Endpoint string

	// APIURL is the base URL of the REST API. It is not needed when Fetcher
	// is set.
	APIURL string

	// Codec is the wire codec name, "json" or "cbor".
	Codec string

	Logger     logger.Logger
	Registerer prometheus.Registerer
	Notifier   notify.Notifier
	TokenStore tokenstore.Store
	Media      call.MediaProvider
	Renderer   call.Renderer

	// Query is the initial view.
	Query reconcile.Query

	// Connection and Call override the component defaults. Their Logger,
	// Metrics, Codec and Guard fields are always set by the Client.
	Connection *connection.Config
	Call       *call.Config

	// Dialer and Fetcher replace the gorilla websocket transport and the
	// HTTP backend.
	Dialer  connection.Dialer
	Fetcher reconcile.Fetcher
}

func NewConfig() *Config {
	return &Config{
		Codec:      "json",
		Logger:     logger.Nop(),
		TokenStore: &tokenstore.Memory{},
		Media:      call.NoMedia{},
		Query:      reconcile.Query{Page: 1},
		Connection: connection.NewConfig(),
		Call:       call.NewConfig(),
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" && c.Dialer == nil {
		return errors.New("quillsync: Endpoint or Dialer is required")
	}
	if c.APIURL == "" && c.Fetcher == nil {
		return errors.New("quillsync: APIURL or Fetcher is required")
	}
	if _, ok := codec.ByName(c.Codec); !ok {
		return fmt.Errorf("quillsync: unknown codec %q", c.Codec)
	}
	if c.TokenStore == nil {
		return errors.New("quillsync: TokenStore is required")
	}
	if c.Media == nil {
		return errors.New("quillsync: Media is required")
	}
	if c.Call != nil {
		if err := c.Call.Validate(); err != nil {
			return err
		}
	}
	return nil
}
