// Package notify is the process-wide, user-visible notification surface:
// transport and authorization failures and due reminders end up here.
package notify

import (
	"sync"

	"github.com/quillnote/quillsync/pkg/logger"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Kind string

const (
	KindConnection Kind = "connection"
	KindSignOut    Kind = "sign_out"
	KindReminder   Kind = "reminder"
)

// Notice is one toast/banner worth of information.
type Notice struct {
	Level   Level
	Kind    Kind
	Message string
	Err     error
	// Ref points at the subject of the notice, e.g. the note a reminder is for.
	Ref string
}

type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to Notifier.
type Func func(n Notice)

func (f Func) Notify(n Notice) {
	f(n)
}

// Log writes notices to a logger. It is the fallback when the host
// application registers no surface of its own.
type Log struct {
	Logger logger.Logger
}

func (l Log) Notify(n Notice) {
	log := logger.OrNop(l.Logger)
	args := []any{"kind", n.Kind, "ref", n.Ref}
	if n.Err != nil {
		args = append(args, "error", n.Err)
	}
	switch n.Level {
	case LevelError:
		log.Error(n.Message, args...)
	case LevelWarn:
		log.Warn(n.Message, args...)
	default:
		log.Info(n.Message, args...)
	}
}

// Recorder keeps every notice; handy for tests and status pages.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Count returns how many notices of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}
