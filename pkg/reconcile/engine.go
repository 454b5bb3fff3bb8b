// Package reconcile keeps the locally rendered view consistent with the
// server after push events.
//
// Events that may change which items are on the current page, or their
// order, re-fetch the page. Events that only change fields of an item
// already on the page patch it in memory. Statistics are always re-fetched.
//
// Re-fetches are coalesced per (filters, page) key: every request made in
// the same loop tick is served by one fetch, and a request arriving while
// that key's fetch is in flight is served by exactly one more fetch after it
// settles. A fetched page is applied only if its key is still the live key.
//
// All Engine methods must be called on the loop.
package reconcile

import (
	"fmt"
	"slices"
	"time"

	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/logger"
	"github.com/quillnote/quillsync/pkg/loop"
	"github.com/quillnote/quillsync/pkg/metrics"
	"github.com/quillnote/quillsync/pkg/notify"
)

// Target is something the engine re-fetches.
type Target string

const (
	TargetPage  Target = "page"
	TargetStats Target = "stats"
	TargetTags  Target = "tags"
)

// Change tells observers which part of the state changed.
type Change string

const (
	ChangeItems Change = "items"
	ChangeTags  Change = "tags"
	ChangeStats Change = "stats"
)

// Events that change membership or order of the current page.
var membershipEvents = []events.Name{
	events.NoteCreated,
	events.NoteUpdated,
	events.NoteDeleted,
	events.NoteMoved,
	events.NoteArchived,
	events.NoteUnarchived,
	events.FolderCreated,
	events.FolderDeleted,
	events.CategoryCreated,
	events.CategoryDeleted,
}

const DefaultFetchTimeout = 15 * time.Second

type Config struct {
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier

	FetchTimeout time.Duration

	// OnFetchError is called on the loop for every failed fetch after it
	// was logged. Failed fetches are never retried.
	OnFetchError func(target Target, err error)
}

func NewConfig() *Config {
	return &Config{
		Logger:       logger.Nop(),
		FetchTimeout: DefaultFetchTimeout,
	}
}

// Subscriber is the part of the connection bus the engine needs.
type Subscriber interface {
	On(name events.Name, h connection.Handler) connection.Subscription
}

type flight struct {
	inFlight bool
	trailing bool
}

type observer struct {
	id int
	fn func(Change)
}

type Engine struct {
	sched   loop.Scheduler
	fetcher Fetcher
	ref     *QueryRef
	cfg     Config
	logger  logger.Logger

	// gen changes on Reset; fetches started before it are discarded.
	gen uint64

	items    []Item
	total    int
	itemsKey Key
	loaded   bool
	overlay  map[string]func(Item) Item

	tags  []Tag
	stats Stats

	flights     map[string]*flight
	pending     map[Target]bool
	flushPosted bool

	observers  []observer
	observerID int

	subs []connection.Subscription
}

// New creates an engine reading the current query from ref. A nil cfg uses
// NewConfig().
func New(sched loop.Scheduler, fetcher Fetcher, ref *QueryRef, cfg *Config) *Engine {
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if ref == nil {
		ref = NewQueryRef(Query{Page: 1})
	}

	log := logger.OrNop(cfg.Logger)
	c := *cfg
	if c.Notifier == nil {
		c.Notifier = notify.Log{Logger: log}
	}

	return &Engine{
		sched:   sched,
		fetcher: fetcher,
		ref:     ref,
		cfg:     c,
		logger:  log,
		overlay: make(map[string]func(Item) Item),
		flights: make(map[string]*flight),
		pending: make(map[Target]bool),
	}
}

// Attach subscribes the engine to bus.
func (e *Engine) Attach(bus Subscriber) {
	for _, name := range membershipEvents {
		e.subs = append(e.subs, bus.On(name, e.onMembership))
	}

	e.subs = append(e.subs,
		bus.On(events.NotePinned, e.onNotePinned(true)),
		bus.On(events.NoteUnpinned, e.onNotePinned(false)),
		bus.On(events.NoteTagAdded, e.onNoteTag(true)),
		bus.On(events.NoteTagRemoved, e.onNoteTag(false)),
		bus.On(events.FolderUpdated, e.onContainerUpdated),
		bus.On(events.CategoryUpdated, e.onContainerUpdated),

		bus.On(events.TagCreated, e.onTagUpserted(upsertTag)),
		bus.On(events.TagUpdated, e.onTagUpserted(mergeTag)),
		bus.On(events.TagDeleted, e.onTagDeleted),
		bus.On(events.TagPinned, e.onTagPinned(true)),
		bus.On(events.TagUnpinned, e.onTagPinned(false)),

		bus.On(events.ReminderDue, e.onReminderDue),

		// The server does not replay what was missed while disconnected.
		bus.On(events.Connected, func(events.Event) { e.Refresh() }),
	)
}

// Detach removes every subscription made by Attach.
func (e *Engine) Detach() {
	for _, sub := range e.subs {
		sub.Off()
	}
	e.subs = nil
}

// Items returns the current page with optimistic patches applied.
func (e *Engine) Items() []Item {
	out := make([]Item, 0, len(e.items))
	for _, it := range e.items {
		it = it.clone()
		if patch, ok := e.overlay[it.ID]; ok {
			it = patch(it)
		}
		out = append(out, it)
	}
	return out
}

// Total returns the total number of items matching the current filters, as
// of the last applied page.
func (e *Engine) Total() int { return e.total }

// Loaded reports whether a page for the live key has been applied.
func (e *Engine) Loaded() bool {
	return e.loaded && e.itemsKey == e.ref.Load().Key()
}

func (e *Engine) Tags() []Tag  { return slices.Clone(e.tags) }
func (e *Engine) Stats() Stats { return e.stats }
func (e *Engine) Query() Query { return e.ref.Load() }

// OnChange registers fn to be called after each change. The returned
// function unregisters it.
func (e *Engine) OnChange(fn func(Change)) func() {
	e.observerID++
	id := e.observerID
	e.observers = append(e.observers, observer{id: id, fn: fn})
	return func() {
		e.observers = slices.DeleteFunc(e.observers, func(o observer) bool { return o.id == id })
	}
}

func (e *Engine) changed(c Change) {
	for _, o := range slices.Clone(e.observers) {
		o.fn(c)
	}
}

// SetQuery updates the live query and re-fetches the page for it.
func (e *Engine) SetQuery(q Query) {
	e.ref.Store(q)
	e.request(TargetPage)
}

// Refresh re-fetches the page, the statistics and the tag list.
func (e *Engine) Refresh() {
	e.request(TargetPage, TargetStats, TargetTags)
}

// ApplyOptimistic overlays fn on the visible item id until the next
// authoritative page or membership event. It reports whether id is visible.
func (e *Engine) ApplyOptimistic(id string, fn func(Item) Item) bool {
	if e.indexItem(id) < 0 {
		return false
	}
	if prev, ok := e.overlay[id]; ok {
		e.overlay[id] = func(it Item) Item { return fn(prev(it)) }
	} else {
		e.overlay[id] = fn
	}
	e.changed(ChangeItems)
	return true
}

// Reset drops all state, including fetches in flight. It is used when the
// identity changes.
func (e *Engine) Reset() {
	e.gen++
	e.items = nil
	e.total = 0
	e.itemsKey = ""
	e.loaded = false
	clear(e.overlay)
	e.tags = nil
	e.stats = Stats{}
	clear(e.flights)
	clear(e.pending)
	e.flushPosted = false

	e.changed(ChangeItems)
	e.changed(ChangeTags)
	e.changed(ChangeStats)
}

func (e *Engine) onMembership(ev events.Event) {
	e.logger.Debug("reconcile.Engine is re-fetching after a membership change", "event", ev.Name)
	if len(e.overlay) > 0 {
		clear(e.overlay)
		e.changed(ChangeItems)
	}
	e.request(TargetPage, TargetStats)
}

func (e *Engine) onNotePinned(pinned bool) connection.Handler {
	return func(ev events.Event) {
		var p events.ItemPayload
		if !e.decode(ev, &p) {
			return
		}
		e.patchItem(p.ID, func(it *Item) { it.Pinned = pinned })
		e.request(TargetStats)
	}
}

func (e *Engine) onNoteTag(added bool) connection.Handler {
	return func(ev events.Event) {
		var p events.NoteTagPayload
		if !e.decode(ev, &p) {
			return
		}
		e.patchItem(p.NoteID, func(it *Item) {
			i := slices.IndexFunc(it.Tags, func(ref events.TagRef) bool { return ref.ID == p.Tag.ID })
			switch {
			case added && i >= 0:
				it.Tags[i] = p.Tag
			case added:
				it.Tags = append(it.Tags, p.Tag)
			case i >= 0:
				it.Tags = slices.Delete(it.Tags, i, i+1)
			}
		})
	}
}

func (e *Engine) onContainerUpdated(ev events.Event) {
	var p events.ItemPayload
	if !e.decode(ev, &p) {
		return
	}
	e.patchItem(p.ID, func(it *Item) {
		updated := ItemFromPayload(p)
		if updated.Kind == "" {
			updated.Kind = it.Kind
		}
		*it = updated
	})
}

// onTagUpserted applies a created tag whole. Updates omit unchanged fields,
// so they are merged into the cached tag instead.
func (e *Engine) onTagUpserted(apply func([]Tag, Tag) []Tag) connection.Handler {
	return func(ev events.Event) {
		var p events.TagPayload
		if !e.decode(ev, &p) {
			return
		}
		e.tags = apply(e.tags, TagFromPayload(p))
		e.changed(ChangeTags)
		e.patchTagRefs(p)
	}
}

func (e *Engine) patchTagRefs(p events.TagPayload) {
	// tag refs embedded in visible notes follow renames and recolors
	touched := false
	for i := range e.items {
		for j := range e.items[i].Tags {
			ref := &e.items[i].Tags[j]
			if ref.ID != p.ID {
				continue
			}
			if p.Name != "" {
				ref.Name = p.Name
			}
			if p.Color != "" {
				ref.Color = p.Color
			}
			touched = true
		}
	}
	if touched {
		e.changed(ChangeItems)
	}
}

func (e *Engine) onTagDeleted(ev events.Event) {
	var p events.TagPayload
	if !e.decode(ev, &p) {
		return
	}

	var removed bool
	e.tags, removed = removeTag(e.tags, p.ID)
	if removed {
		e.changed(ChangeTags)
	}

	touched := false
	for i := range e.items {
		before := len(e.items[i].Tags)
		e.items[i].Tags = slices.DeleteFunc(e.items[i].Tags, func(ref events.TagRef) bool { return ref.ID == p.ID })
		touched = touched || len(e.items[i].Tags) != before
	}
	if touched {
		e.changed(ChangeItems)
	}
}

func (e *Engine) onTagPinned(pinned bool) connection.Handler {
	return func(ev events.Event) {
		var p events.TagPayload
		if !e.decode(ev, &p) {
			return
		}
		if !patchTag(e.tags, p.ID, func(t *Tag) { t.Pinned = pinned }) {
			e.logger.Debug("reconcile.Engine ignored a pin change for an unknown tag", "tag", p.ID)
			return
		}
		e.changed(ChangeTags)
	}
}

func (e *Engine) onReminderDue(ev events.Event) {
	var p events.ReminderPayload
	if !e.decode(ev, &p) {
		return
	}
	e.cfg.Notifier.Notify(notify.Notice{
		Level:   notify.LevelInfo,
		Kind:    notify.KindReminder,
		Message: fmt.Sprintf("Reminder: %s", p.Title),
		Ref:     p.NoteID,
	})
}

func (e *Engine) decode(ev events.Event, dst any) bool {
	if err := ev.Decode(dst); err != nil {
		e.logger.Warn("reconcile.Engine dropped an event with an invalid payload", "event", ev.Name, "error", err)
		return false
	}
	return true
}

// patchItem applies fn to the visible item id. Items that are not on the
// current page are left alone; they show up correctly on the next fetch.
func (e *Engine) patchItem(id string, fn func(*Item)) bool {
	i := e.indexItem(id)
	if i < 0 {
		e.logger.Debug("reconcile.Engine ignored a patch for an item not on the current page", "id", id)
		return false
	}
	fn(&e.items[i])
	e.changed(ChangeItems)
	return true
}

func (e *Engine) indexItem(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(e.items, func(it Item) bool { return it.ID == id })
}
