// Package tokenstore persists the last-known bearer token so a client can
// reconnect on start without a new login.
package tokenstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv/v3"
)

const tokenKey = "token"

// Store holds at most one token.
type Store interface {
	// Load returns the stored token, or "" when there is none.
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// Disk is a Store backed by a diskv directory.
type Disk struct {
	d *diskv.Diskv
}

var _ Store = (*Disk)(nil)

// Open returns a Store writing under dir. The directory is created on the
// first Save.
func Open(dir string) *Disk {
	return &Disk{d: diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: 4096,
		PathPerm:     0o700,
		FilePerm:     0o600,
	})}
}

// DefaultDir is the per-user directory used when none is configured.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("tokenstore: failed to locate the user config directory: %w", err)
	}
	return filepath.Join(dir, "quillsync"), nil
}

func (s *Disk) Load() (string, error) {
	val, err := s.d.Read(tokenKey)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore.Disk failed to read the token: %w", err)
	}
	return strings.TrimSpace(string(val)), nil
}

// Save stores token. Saving "" clears the store.
func (s *Disk) Save(token string) error {
	if token == "" {
		return s.Clear()
	}
	if err := s.d.Write(tokenKey, []byte(token)); err != nil {
		return fmt.Errorf("tokenstore.Disk failed to write the token: %w", err)
	}
	return nil
}

func (s *Disk) Clear() error {
	if err := s.d.Erase(tokenKey); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenstore.Disk failed to erase the token: %w", err)
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	token string
}

var _ Store = (*Memory)(nil)

func (m *Memory) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *Memory) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *Memory) Clear() error {
	return m.Save("")
}
