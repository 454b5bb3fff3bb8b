package quillwatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/quillnote/quillsync/pkg/codec"
)

// Config holds all configuration options for the watcher
type Config struct {
	// Push channel endpoint (e.g., "ws://localhost:8080/ws")
	Endpoint string
	// REST API base URL used for re-fetches
	APIURL string
	// Wire codec of the push channel: "json" or "cbor"
	Codec string

	// Bearer token. When empty, the token saved by the login command is used.
	Token string
	// Directory of the saved token. Empty means the user config directory.
	TokenDir string

	// Answer incoming calls without media instead of rejecting them
	Answer bool
	// Hang up answered calls after this long. Zero keeps them open.
	HangUpAfter time.Duration

	// Address of the status and metrics server. Empty disables it.
	Listen string

	// Log level name: debug, info, warn or error
	LogLevel string
	// Log encoding: "zerolog" (default), or "text" and "json" for log/slog
	LogFormat string
	// Append logs to this file instead of stdout
	LogFile string
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Endpoint:  "ws://localhost:8080/ws",
		APIURL:    "http://localhost:8080",
		Codec:     "json",
		LogLevel:  "info",
		LogFormat: "zerolog",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.APIURL == "" {
		return errors.New("api url is required")
	}
	if _, ok := codec.ByName(c.Codec); !ok {
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	switch c.LogFormat {
	case "", "zerolog", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.HangUpAfter < 0 {
		return errors.New("hang-up delay must not be negative")
	}
	return nil
}
