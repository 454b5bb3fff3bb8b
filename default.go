package quillsync

import (
	"context"
	"errors"
	"sync"
)

// ErrNotInitialized is returned by Default before Init.
var ErrNotInitialized = errors.New("quillsync: default client is not initialized")

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Init creates the process-wide client, closing the previous one if any.
func Init(ctx context.Context, cfg *Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	prev := defaultClient
	defaultClient = c
	defaultMu.Unlock()

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			c.logger.Warn("quillsync failed to close the previous default client", "error", err)
		}
	}
	return c, nil
}

// Default returns the process-wide client.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		return nil, ErrNotInitialized
	}
	return defaultClient, nil
}

// Reset closes and forgets the process-wide client. Tests call it between
// cases; it is a no-op when there is none.
func Reset(ctx context.Context) error {
	defaultMu.Lock()
	c := defaultClient
	defaultClient = nil
	defaultMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close(ctx)
}
