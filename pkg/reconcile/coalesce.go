package reconcile

import (
	"context"
	"slices"
)

var targetOrder = []Target{TargetPage, TargetStats, TargetTags}

// request marks targets for re-fetch. Everything requested before the posted
// flush runs is served by that flush.
func (e *Engine) request(targets ...Target) {
	for _, t := range targets {
		if e.pending[t] {
			e.cfg.Metrics.Coalesced()
			continue
		}
		e.pending[t] = true
	}

	if e.flushPosted {
		return
	}
	e.flushPosted = true
	gen := e.gen
	e.sched.Post(func() { e.flush(gen) })
}

func (e *Engine) flush(gen uint64) {
	if gen != e.gen {
		return
	}
	e.flushPosted = false

	var targets []Target
	for _, t := range targetOrder {
		if e.pending[t] {
			targets = append(targets, t)
		}
	}
	clear(e.pending)

	for _, t := range targets {
		e.start(t)
	}
}

// start fetches target for the live query. When a fetch for the same key
// is in flight, one trailing fetch is scheduled instead.
func (e *Engine) start(target Target) {
	switch target {
	case TargetPage:
		q := e.ref.Load()
		e.launch(pageFlightKey(q.Key()), target, func(ctx context.Context) (func(), error) {
			page, err := e.fetcher.FetchPage(ctx, q)
			if err != nil {
				return nil, err
			}
			return func() { e.applyPage(q, page) }, nil
		})
	case TargetStats:
		e.launch(string(TargetStats), target, func(ctx context.Context) (func(), error) {
			stats, err := e.fetcher.FetchStats(ctx)
			if err != nil {
				return nil, err
			}
			return func() { e.applyStats(stats) }, nil
		})
	case TargetTags:
		e.launch(string(TargetTags), target, func(ctx context.Context) (func(), error) {
			tags, err := e.fetcher.FetchTags(ctx)
			if err != nil {
				return nil, err
			}
			return func() { e.applyTags(tags) }, nil
		})
	default:
		e.logger.Error("BUG: reconcile.Engine was asked to fetch an unknown target", "target", target)
	}
}

func pageFlightKey(k Key) string {
	return string(TargetPage) + "|" + string(k)
}

func (e *Engine) launch(key string, target Target, fetch func(ctx context.Context) (func(), error)) {
	fl := e.flights[key]
	if fl == nil {
		fl = &flight{}
		e.flights[key] = fl
	}
	if fl.inFlight {
		if fl.trailing {
			e.cfg.Metrics.Coalesced()
		}
		fl.trailing = true
		return
	}
	fl.inFlight = true

	gen := e.gen
	timeout := e.cfg.FetchTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		apply, err := fetch(ctx)
		e.sched.Post(func() {
			e.settle(gen, key, target, fl, apply, err)
		})
	}()
}

func (e *Engine) settle(gen uint64, key string, target Target, fl *flight, apply func(), err error) {
	if gen != e.gen {
		return
	}
	fl.inFlight = false

	if err != nil {
		e.logger.Warn("reconcile.Engine failed to re-fetch", "target", target, "error", err)
		e.cfg.Metrics.Refetch(string(target), "error")
		if e.cfg.OnFetchError != nil {
			e.cfg.OnFetchError(target, err)
		}
	} else {
		apply()
	}

	if fl.trailing {
		fl.trailing = false
		// A trailing page fetch only makes sense while its key is live;
		// a query change requests its own fetch.
		if target != TargetPage || key == pageFlightKey(e.ref.Load().Key()) {
			e.start(target)
		}
	}

	if !fl.inFlight && !fl.trailing && e.flights[key] == fl {
		delete(e.flights, key)
	}
}

func (e *Engine) applyPage(q Query, page Page) {
	if q.Key() != e.ref.Load().Key() {
		e.logger.Debug("reconcile.Engine dropped a page fetched for a stale query", "key", q.Key())
		e.cfg.Metrics.Refetch(string(TargetPage), "stale")
		return
	}

	items := make([]Item, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, it.clone())
	}
	e.items = items
	e.total = page.Total
	e.itemsKey = q.Key()
	e.loaded = true
	clear(e.overlay)

	e.cfg.Metrics.Refetch(string(TargetPage), "applied")
	e.changed(ChangeItems)
}

func (e *Engine) applyStats(stats Stats) {
	e.stats = stats
	e.cfg.Metrics.Refetch(string(TargetStats), "applied")
	e.changed(ChangeStats)
}

func (e *Engine) applyTags(tags []Tag) {
	tags = slices.Clone(tags)
	sortTags(tags)
	e.tags = tags
	e.cfg.Metrics.Refetch(string(TargetTags), "applied")
	e.changed(ChangeTags)
}

// InFlight returns the number of fetches currently running.
func (e *Engine) InFlight() int {
	n := 0
	for _, fl := range e.flights {
		if fl.inFlight {
			n++
		}
	}
	return n
}
