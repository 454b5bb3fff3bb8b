package connection

import (
	"errors"
	"time"

	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/metrics"
)

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseTimeout = 3 * time.Second
	DefaultSendBuffer   = 64
)

type Config struct {
	// Codec encodes outbound signals and decodes inbound frames.
	Codec codec.Codec

	// Retryer decides how long to wait before each reconnection attempt
	// and when to give up.
	Retryer Retryer

	// Guard receives authorization failures. When nil they only disconnect.
	Guard *SignOutGuard

	Logger  logger.Logger
	Metrics *metrics.Metrics

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration

	// SendBuffer is the number of outbound frames queued per connection.
	// Frames sent while the queue is full are dropped.
	SendBuffer int
}

func NewConfig() *Config {
	return &Config{
		Codec:        codec.NewJSON(),
		Retryer:      NewExponentialBackoffRetryer(),
		Logger:       logger.Nop(),
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		CloseTimeout: DefaultCloseTimeout,
		SendBuffer:   DefaultSendBuffer,
	}
}

func (c *Config) Validate() error {
	if c.Codec == nil {
		return errors.New("connection.Config: codec is required")
	}
	if c.Retryer == nil {
		return errors.New("connection.Config: retryer is required")
	}
	if v, ok := c.Retryer.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 || c.CloseTimeout <= 0 {
		return errors.New("connection.Config: timeouts must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("connection.Config: send buffer must be positive")
	}
	return nil
}
