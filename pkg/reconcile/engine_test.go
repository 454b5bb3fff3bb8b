package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnote/quillsync/pkg/codec"
	"github.com/quillnote/quillsync/pkg/connection"
	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/loop/looptest"
	"github.com/quillnote/quillsync/pkg/notify"
)

type fakeFetcher struct {
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}

	mu         sync.Mutex
	pageCalls  []Query
	statsCalls int
	tagsCalls  int
	pages      map[Key]Page
	stats      Stats
	tags       []Tag
	pageErr    error
}

func (f *fakeFetcher) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, q Query) (Page, error) {
	f.mu.Lock()
	f.pageCalls = append(f.pageCalls, q)
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return Page{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return Page{}, f.pageErr
	}
	return f.pages[q.Key()], nil
}

func (f *fakeFetcher) FetchStats(ctx context.Context) (Stats, error) {
	f.mu.Lock()
	f.statsCalls++
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return Stats{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeFetcher) FetchTags(ctx context.Context) ([]Tag, error) {
	f.mu.Lock()
	f.tagsCalls++
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags, nil
}

func (f *fakeFetcher) PageCalls() []Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Query(nil), f.pageCalls...)
}

func (f *fakeFetcher) StatsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsCalls
}

func (f *fakeFetcher) setPage(q Query, items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[Key]Page)
	}
	f.pages[q.Key()] = Page{Items: items, Total: len(items), Page: q.Page}
}

type fixture struct {
	sched    *looptest.Scheduler
	router   *connection.Router
	fetcher  *fakeFetcher
	engine   *Engine
	ref      *QueryRef
	notices  *notify.Recorder
	failures []Target
}

func newFixture(t *testing.T, q Query) *fixture {
	t.Helper()

	f := &fixture{
		sched:   looptest.New(),
		fetcher: &fakeFetcher{},
		ref:     NewQueryRef(q),
		notices: &notify.Recorder{},
	}
	f.router = connection.NewRouter(f.sched, nil)

	cfg := NewConfig()
	cfg.Notifier = f.notices
	cfg.OnFetchError = func(target Target, _ error) { f.failures = append(f.failures, target) }

	f.engine = New(f.sched, f.fetcher, f.ref, cfg)
	f.engine.Attach(f.router)
	return f
}

func (f *fixture) push(t *testing.T, name events.Name, payload any) {
	t.Helper()
	c := codec.NewJSON()
	data, err := c.Marshal(payload)
	require.NoError(t, err)
	f.router.Publish(events.New(name, data, c.Unmarshal))
}

// settle drains the loop until no fetch is running and nothing is queued.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.sched.Drain()
		return f.engine.InFlight() == 0 && f.sched.Pending() == 0
	}, 2*time.Second, time.Millisecond)
}

// load applies an initial page for the live query.
func (f *fixture) load(t *testing.T, items ...Item) {
	t.Helper()
	f.fetcher.setPage(f.ref.Load(), items...)
	f.engine.SetQuery(f.ref.Load())
	f.settle(t)
	require.True(t, f.engine.Loaded())
}

func note(id string) Item {
	return Item{ID: id, Kind: KindNote, Title: "note " + id}
}

func TestThreeCreatesInOneTickFetchOnce(t *testing.T) {
	q := Query{Search: "foo", Page: 2, PageSize: 20}
	f := newFixture(t, q)
	f.fetcher.setPage(q, note("a"), note("b"))

	for range 3 {
		f.push(t, events.NoteCreated, events.ItemPayload{ID: "new"})
	}
	f.settle(t)

	assert.Equal(t, []Query{q}, f.fetcher.PageCalls())
	assert.Equal(t, 1, f.fetcher.StatsCalls())
	assert.Len(t, f.engine.Items(), 2)
}

func TestEventDuringFetchTriggersOneTrailingFetch(t *testing.T) {
	q := Query{Page: 1}
	f := newFixture(t, q)
	f.fetcher.gate = make(chan struct{})

	f.push(t, events.NoteCreated, events.ItemPayload{ID: "n1"})
	f.sched.Drain()
	require.Eventually(t, func() bool { return len(f.fetcher.PageCalls()) == 1 }, time.Second, time.Millisecond)

	for range 5 {
		f.push(t, events.NoteDeleted, events.ItemPayload{ID: "n1"})
		f.sched.Drain()
	}
	assert.Len(t, f.fetcher.PageCalls(), 1, "no second fetch while the first is in flight")

	close(f.fetcher.gate)
	f.settle(t)

	assert.Equal(t, []Query{q, q}, f.fetcher.PageCalls())
	assert.Equal(t, 2, f.fetcher.StatsCalls())

	time.Sleep(10 * time.Millisecond)
	f.settle(t)
	assert.Len(t, f.fetcher.PageCalls(), 2)
}

func TestHandlersReadTheLiveQuery(t *testing.T) {
	f := newFixture(t, Query{Page: 1})

	// the filter changes after the engine subscribed
	live := Query{Search: "bar", FolderID: "f1", Page: 3}
	f.ref.Store(live)

	f.push(t, events.NoteMoved, events.ItemPayload{ID: "n1", FolderID: "f1"})
	f.settle(t)

	assert.Equal(t, []Query{live}, f.fetcher.PageCalls())
}

func TestStalePageIsDropped(t *testing.T) {
	q1 := Query{Page: 1}
	q2 := Query{Page: 2}
	f := newFixture(t, q1)
	f.fetcher.setPage(q1, note("old"))
	f.fetcher.setPage(q2, note("new"))
	f.fetcher.gate = make(chan struct{})

	f.push(t, events.NoteCreated, events.ItemPayload{ID: "x"})
	f.sched.Drain()
	f.engine.SetQuery(q2)
	f.sched.Drain()
	require.Eventually(t, func() bool { return len(f.fetcher.PageCalls()) == 2 }, time.Second, time.Millisecond)

	close(f.fetcher.gate)
	f.settle(t)

	items := f.engine.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].ID)
	assert.Equal(t, q2, f.engine.Query())
	assert.Len(t, f.fetcher.PageCalls(), 2)
}

func TestFieldPatchForAbsentItemIsIgnored(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.load(t, note("a"), note("b"))
	before := f.engine.Items()
	calls := len(f.fetcher.PageCalls())

	f.push(t, events.NotePinned, events.ItemPayload{ID: "missing"})
	f.push(t, events.NoteTagAdded, events.NoteTagPayload{NoteID: "missing", Tag: events.TagRef{ID: "t1", Name: "x"}})
	f.push(t, events.FolderUpdated, events.ItemPayload{ID: "missing", Title: "renamed"})
	f.settle(t)

	assert.Equal(t, before, f.engine.Items())
	assert.Len(t, f.fetcher.PageCalls(), calls, "field-only events never re-fetch the page")
}

func TestFieldPatchForVisibleItem(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.load(t, note("a"), note("b"))

	f.push(t, events.NotePinned, events.ItemPayload{ID: "b"})
	f.push(t, events.NoteTagAdded, events.NoteTagPayload{NoteID: "a", Tag: events.TagRef{ID: "t1", Name: "work"}})
	f.push(t, events.NoteTagAdded, events.NoteTagPayload{NoteID: "a", Tag: events.TagRef{ID: "t1", Name: "work"}})
	f.settle(t)

	items := f.engine.Items()
	assert.False(t, items[0].Pinned)
	assert.True(t, items[1].Pinned)
	assert.Equal(t, []events.TagRef{{ID: "t1", Name: "work"}}, items[0].Tags, "adding the same tag twice is idempotent")

	f.push(t, events.NoteUnpinned, events.ItemPayload{ID: "b"})
	f.push(t, events.NoteTagRemoved, events.NoteTagPayload{NoteID: "a", Tag: events.TagRef{ID: "t1"}})
	f.settle(t)

	items = f.engine.Items()
	assert.False(t, items[1].Pinned)
	assert.Empty(t, items[0].Tags)
}

func TestTagUpdatePatchesEmbeddedRefs(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	tagged := note("a")
	tagged.Tags = []events.TagRef{{ID: "t1", Name: "work", Color: "red"}}
	f.load(t, tagged, note("b"))

	f.push(t, events.TagUpdated, events.TagPayload{ID: "t1", Name: "job", Color: "blue"})
	f.settle(t)
	assert.Equal(t, []events.TagRef{{ID: "t1", Name: "job", Color: "blue"}}, f.engine.Items()[0].Tags)

	f.push(t, events.TagDeleted, events.TagPayload{ID: "t1"})
	f.settle(t)
	assert.Empty(t, f.engine.Items()[0].Tags)
}

func TestTagListKeepsSortInvariant(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	f.push(t, events.TagCreated, events.TagPayload{ID: "a", Name: "a", CreatedAt: t0.Add(1 * time.Hour)})
	f.push(t, events.TagCreated, events.TagPayload{ID: "b", Name: "b", Pinned: true, CreatedAt: t0})
	f.push(t, events.TagCreated, events.TagPayload{ID: "c", Name: "c", CreatedAt: t0.Add(2 * time.Hour)})
	f.settle(t)
	assert.Equal(t, []string{"b", "c", "a"}, tagIDs(f.engine.Tags()))

	f.push(t, events.TagPinned, events.TagPayload{ID: "a"})
	f.settle(t)
	assert.Equal(t, []string{"a", "b", "c"}, tagIDs(f.engine.Tags()))

	// redelivery is idempotent
	f.push(t, events.TagCreated, events.TagPayload{ID: "c", Name: "c", CreatedAt: t0.Add(2 * time.Hour)})
	f.push(t, events.TagPinned, events.TagPayload{ID: "unknown"})
	f.settle(t)
	assert.Equal(t, []string{"a", "b", "c"}, tagIDs(f.engine.Tags()))

	f.push(t, events.TagUnpinned, events.TagPayload{ID: "b"})
	f.push(t, events.TagDeleted, events.TagPayload{ID: "a"})
	f.settle(t)
	assert.Equal(t, []string{"c", "b"}, tagIDs(f.engine.Tags()))
}

func TestPartialTagUpdateKeepsPin(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	f.push(t, events.TagCreated, events.TagPayload{ID: "a", Name: "a", Color: "red", CreatedAt: t0})
	f.push(t, events.TagCreated, events.TagPayload{ID: "b", Name: "b", CreatedAt: t0.Add(time.Hour)})
	f.push(t, events.TagPinned, events.TagPayload{ID: "a"})
	f.settle(t)
	require.Equal(t, []string{"a", "b"}, tagIDs(f.engine.Tags()))

	f.push(t, events.TagUpdated, events.TagPayload{ID: "a", Name: "renamed"})
	f.settle(t)

	tags := f.engine.Tags()
	assert.Equal(t, []string{"a", "b"}, tagIDs(tags))
	assert.Equal(t, Tag{ID: "a", Name: "renamed", Color: "red", Pinned: true, CreatedAt: t0}, tags[0])

	f.push(t, events.TagUpdated, events.TagPayload{ID: "new", Name: "new", CreatedAt: t0.Add(2 * time.Hour)})
	f.settle(t)
	assert.Equal(t, []string{"a", "new", "b"}, tagIDs(f.engine.Tags()))
}

func TestStatsAreAlwaysFetched(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.fetcher.stats = Stats{Active: 4, Archived: 1, Foldered: 2, Pinned: 1}

	f.push(t, events.NoteArchived, events.ItemPayload{ID: "n1"})
	f.settle(t)
	assert.Equal(t, Stats{Active: 4, Archived: 1, Foldered: 2, Pinned: 1}, f.engine.Stats())

	f.fetcher.mu.Lock()
	f.fetcher.stats = Stats{Active: 4, Archived: 1, Foldered: 2, Pinned: 2}
	f.fetcher.mu.Unlock()

	f.push(t, events.NotePinned, events.ItemPayload{ID: "n1"})
	f.settle(t)
	assert.Equal(t, 2, f.engine.Stats().Pinned)
	assert.Equal(t, 2, f.fetcher.StatsCalls())
}

func TestOptimisticPatchIsDiscardedByMembershipEvent(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.load(t, note("a"))

	ok := f.engine.ApplyOptimistic("a", func(it Item) Item {
		it.Title = "draft"
		return it
	})
	require.True(t, ok)
	assert.Equal(t, "draft", f.engine.Items()[0].Title)
	assert.False(t, f.engine.ApplyOptimistic("missing", func(it Item) Item { return it }))

	f.fetcher.gate = make(chan struct{})
	f.push(t, events.NoteUpdated, events.ItemPayload{ID: "a"})
	f.sched.Drain()
	assert.Equal(t, "note a", f.engine.Items()[0].Title, "optimistic patch dropped as soon as the event is handled")

	close(f.fetcher.gate)
	f.settle(t)
}

func TestFetchErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.fetcher.pageErr = errors.New("503 service unavailable")

	f.push(t, events.NoteCreated, events.ItemPayload{ID: "a"})
	f.settle(t)
	f.sched.Advance(time.Minute)
	f.settle(t)

	assert.Len(t, f.fetcher.PageCalls(), 1)
	assert.Equal(t, []Target{TargetPage}, f.failures)
	assert.False(t, f.engine.Loaded())
}

func TestResetDropsFetchesInFlight(t *testing.T) {
	q := Query{Page: 1}
	f := newFixture(t, q)
	f.fetcher.setPage(q, note("a"))
	f.fetcher.gate = make(chan struct{})

	f.push(t, events.NoteCreated, events.ItemPayload{ID: "a"})
	f.sched.Drain()
	require.Eventually(t, func() bool { return len(f.fetcher.PageCalls()) == 1 }, time.Second, time.Millisecond)

	f.engine.Reset()
	close(f.fetcher.gate)

	time.Sleep(20 * time.Millisecond)
	f.settle(t)
	assert.Empty(t, f.engine.Items())
	assert.Zero(t, f.engine.Stats())
}

func TestConnectedRefreshesEverything(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.fetcher.tags = []Tag{{ID: "x"}, {ID: "y", Pinned: true}}

	f.push(t, events.Connected, events.LifecyclePayload{})
	f.settle(t)

	assert.Len(t, f.fetcher.PageCalls(), 1)
	assert.Equal(t, 1, f.fetcher.StatsCalls())
	assert.Equal(t, []string{"y", "x"}, tagIDs(f.engine.Tags()))
}

func TestReminderIsForwardedToNotifier(t *testing.T) {
	f := newFixture(t, Query{Page: 1})

	f.push(t, events.ReminderDue, events.ReminderPayload{NoteID: "n1", Title: "dentist"})
	f.settle(t)

	notices := f.notices.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.KindReminder, notices[0].Kind)
	assert.Equal(t, "n1", notices[0].Ref)
	assert.Contains(t, notices[0].Message, "dentist")
}

func TestDetachStopsHandling(t *testing.T) {
	f := newFixture(t, Query{Page: 1})
	f.engine.Detach()

	f.push(t, events.NoteCreated, events.ItemPayload{ID: "a"})
	f.settle(t)
	assert.Empty(t, f.fetcher.PageCalls())
}

func TestOnChange(t *testing.T) {
	f := newFixture(t, Query{Page: 1})

	var changes []Change
	off := f.engine.OnChange(func(c Change) { changes = append(changes, c) })

	f.load(t, note("a"))
	assert.Equal(t, []Change{ChangeItems}, changes)

	off()
	f.push(t, events.NotePinned, events.ItemPayload{ID: "a"})
	f.settle(t)
	assert.Len(t, changes, 1)
}

func TestQueryKey(t *testing.T) {
	a := Query{Search: "foo", Page: 2, PageSize: 20}
	b := Query{Search: "foo", Page: 2, PageSize: 20}
	c := Query{Search: "foo", Page: 3, PageSize: 20}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, Query{}.Key(), Query{Page: 1}.Key())
	assert.Equal(t, "archived=true&folder=f1&page=1", string(Query{FolderID: "f1", Archived: true}.Key()))
}

func tagIDs(tags []Tag) []string {
	ids := make([]string, 0, len(tags))
	for _, t := range tags {
		ids = append(ids, t.ID)
	}
	return ids
}
