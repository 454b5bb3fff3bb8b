package quillwatch

import (
	"sync"
	"time"

	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/logger"
)

// operator renders call views into the log and answers or rejects incoming
// calls. It runs on the client loop, so it only touches the view actions.
type operator struct {
	logger logger.Logger
	answer bool
	hangUp time.Duration
	after  func(d time.Duration, f func()) *time.Timer

	mode     call.Mode
	answered string
	hungUp   string

	// active is the call shown in ModeActive. Hang-up timers read it from
	// their own goroutine.
	mu     sync.Mutex
	active string
}

func newOperator(log logger.Logger, cfg *Config) *operator {
	return &operator{
		logger: logger.OrNop(log),
		answer: cfg.Answer,
		hangUp: cfg.HangUpAfter,
		after:  time.AfterFunc,
		mode:   call.ModeHidden,
	}
}

func (o *operator) Render(v call.View) {
	if v.Mode != o.mode {
		args := []any{"from", o.mode, "to", v.Mode, "call", v.CallID, "peer", v.Peer}
		if v.Err != nil {
			args = append(args, "error", v.Err)
		}
		o.logger.Info("quillwatch call view changed", args...)
		o.mode = v.Mode
	}
	o.setActive(v)

	switch v.Mode {
	case call.ModeIncoming:
		if v.CallID == o.answered {
			return
		}
		o.answered = v.CallID
		if o.answer {
			o.logger.Info("quillwatch is answering", "call", v.CallID, "peer", v.Peer, "media", v.MediaKind)
			v.Actions.Accept()
			return
		}
		o.logger.Info("quillwatch is rejecting", "call", v.CallID, "peer", v.Peer)
		v.Actions.Reject()
	case call.ModeActive:
		if o.hangUp <= 0 || v.CallID == o.hungUp {
			return
		}
		o.hungUp = v.CallID
		id, end := v.CallID, v.Actions.End
		o.after(o.hangUp, func() {
			if o.activeCall() != id {
				o.logger.Debug("quillwatch skipped hang-up of a finished call", "call", id)
				return
			}
			o.logger.Info("quillwatch is hanging up", "call", id)
			end()
		})
	}
}

func (o *operator) setActive(v call.View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v.Mode == call.ModeActive {
		o.active = v.CallID
	} else {
		o.active = ""
	}
}

func (o *operator) activeCall() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
