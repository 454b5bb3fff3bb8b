package call

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"

	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/metrics"
)

const (
	DefaultRingTimeout      = 45 * time.Second
	DefaultRingInterval     = 5 * time.Second
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultIncomingTimeout  = 50 * time.Second
	DefaultMediaTimeout     = 20 * time.Second
)

type Config struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// RingTimeout is how long an outgoing call dials before it is cancelled
	// with reason timeout. Dial progress reaches 1 exactly at RingTimeout.
	RingTimeout time.Duration

	// RingInterval is the period at which call_dial is re-sent while
	// dialing. Zero disables re-ringing.
	RingInterval time.Duration

	// ProgressInterval is the period at which dial progress is published.
	ProgressInterval time.Duration

	// IncomingTimeout is how long an unanswered incoming call rings before
	// it is rejected with reason timeout.
	IncomingTimeout time.Duration

	// MediaTimeout bounds every media operation.
	MediaTimeout time.Duration

	// NewID issues outgoing call ids.
	NewID func() (string, error)
}

func NewConfig() *Config {
	return &Config{
		Logger:           logger.Nop(),
		RingTimeout:      DefaultRingTimeout,
		RingInterval:     DefaultRingInterval,
		ProgressInterval: DefaultProgressInterval,
		IncomingTimeout:  DefaultIncomingTimeout,
		MediaTimeout:     DefaultMediaTimeout,
		NewID:            newCallID,
	}
}

func (c *Config) Validate() error {
	if c.RingTimeout <= 0 {
		return errors.New("call: RingTimeout must be positive")
	}
	if c.RingInterval < 0 {
		return errors.New("call: RingInterval must not be negative")
	}
	if c.ProgressInterval <= 0 {
		return errors.New("call: ProgressInterval must be positive")
	}
	if c.IncomingTimeout <= 0 {
		return errors.New("call: IncomingTimeout must be positive")
	}
	if c.MediaTimeout <= 0 {
		return errors.New("call: MediaTimeout must be positive")
	}
	return nil
}

func newCallID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
