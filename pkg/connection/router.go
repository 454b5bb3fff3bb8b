package connection

import (
	"context"
	"slices"
	"sync"

	"github.com/quillnote/quillsync/pkg/events"
	"github.com/quillnote/quillsync/pkg/loop"
	"github.com/quillnote/quillsync/pkg/logger"
)

// Handler receives one event on the loop. Handlers must be idempotent:
// the server may deliver the same event more than once.
type Handler func(ev events.Event)

// Subscription is returned by On. Off removes the handler; it is safe to call
// more than once.
type Subscription interface {
	Off()
}

// Bus is the publish/subscribe surface components see. Nothing but the
// Manager touches the transport.
type Bus interface {
	On(name events.Name, h Handler) Subscription

	// Send emits an outbound signal. It is best effort: when there is no
	// live connection the signal is dropped and Send returns nil.
	Send(ctx context.Context, name events.Name, payload any) error
}

// Router dispatches events to the handlers registered for their name.
// Handlers are looked up when the event is dispatched, not when it is
// published, so a handler removed in the meantime is not called.
type Router struct {
	sched  loop.Scheduler
	logger logger.Logger

	// routesMu protects routes and nextID
	routesMu sync.Mutex
	routes   map[events.Name]map[uint64]Handler
	nextID   uint64
}

func NewRouter(sched loop.Scheduler, log logger.Logger) *Router {
	return &Router{
		sched:  sched,
		logger: logger.OrNop(log),
		routes: make(map[events.Name]map[uint64]Handler),
	}
}

type subscription struct {
	router *Router
	name   events.Name
	id     uint64
	once   sync.Once
}

func (s *subscription) Off() {
	s.once.Do(func() {
		s.router.remove(s.name, s.id)
	})
}

// On registers h for name.
func (r *Router) On(name events.Name, h Handler) Subscription {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	r.nextID++
	id := r.nextID
	if r.routes[name] == nil {
		r.routes[name] = make(map[uint64]Handler)
	}
	r.routes[name][id] = h

	return &subscription{router: r, name: name, id: id}
}

// Off removes the handler behind sub.
func (r *Router) Off(sub Subscription) {
	if sub != nil {
		sub.Off()
	}
}

func (r *Router) remove(name events.Name, id uint64) {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	delete(r.routes[name], id)
	if len(r.routes[name]) == 0 {
		delete(r.routes, name)
	}
}

// Publish queues ev for dispatch on the loop. It is safe from any goroutine.
func (r *Router) Publish(ev events.Event) {
	r.sched.Post(func() {
		r.Dispatch(ev)
	})
}

// Dispatch runs the handlers for ev in registration order. It must be called
// on the loop.
func (r *Router) Dispatch(ev events.Event) {
	r.routesMu.Lock()
	routes := r.routes[ev.Name]
	ids := make([]uint64, 0, len(routes))
	for id := range routes {
		ids = append(ids, id)
	}
	r.routesMu.Unlock()

	slices.Sort(ids)

	for _, id := range ids {
		r.routesMu.Lock()
		h, ok := r.routes[ev.Name][id]
		r.routesMu.Unlock()
		if !ok {
			// removed by an earlier handler of this dispatch
			continue
		}
		h(ev)
	}
}
