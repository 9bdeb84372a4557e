package relay

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"anybutton/internal/protocol"
)

// ErrTabNotConnected is returned when a report is addressed to a tab with no
// live endpoint.
var ErrTabNotConnected = errors.New("tab not connected")

const endpointBuffer = 16

// Router moves escalations from tab endpoints into the relay inbox and routes
// reports back by tab ID.
type Router struct {
	inbox chan protocol.Envelope

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewRouter(queue int) *Router {
	if queue <= 0 {
		queue = 64
	}
	return &Router{
		inbox:     make(chan protocol.Envelope, queue),
		endpoints: make(map[string]*Endpoint),
	}
}

// Inbox is consumed by Relay.Run.
func (r *Router) Inbox() <-chan protocol.Envelope { return r.inbox }

// Submit queues env, blocking while the inbox is full.
func (r *Router) Submit(ctx context.Context, env protocol.Envelope) error {
	select {
	case r.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers an endpoint for tabID. An earlier endpoint with the same
// ID is closed.
func (r *Router) Connect(tabID string) *Endpoint {
	ep := &Endpoint{tabID: tabID, router: r, reports: make(chan protocol.Report, endpointBuffer)}

	r.mu.Lock()
	old := r.endpoints[tabID]
	r.endpoints[tabID] = ep
	if old != nil {
		old.closeLocked()
	}
	r.mu.Unlock()
	return ep
}

// Disconnect drops the endpoint for tabID, if any.
func (r *Router) Disconnect(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[tabID]; ok {
		delete(r.endpoints, tabID)
		ep.closeLocked()
	}
}

// SendToTab delivers report without blocking. A tab that is not draining its
// reports loses the report.
func (r *Router) SendToTab(tabID string, report protocol.Report) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[tabID]
	if !ok {
		return ErrTabNotConnected
	}
	select {
	case ep.reports <- report:
	default:
		log.Printf("[relay] report queue full for tab %s, dropping %s", tabID, report.Type)
	}
	return nil
}

// Tabs lists connected tab IDs in sorted order.
func (r *Router) Tabs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tabs := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		tabs = append(tabs, id)
	}
	sort.Strings(tabs)
	return tabs
}

// Endpoint is one tab's side of the router. It satisfies the agent channel.
type Endpoint struct {
	tabID   string
	router  *Router
	reports chan protocol.Report
	closed  bool
}

func (e *Endpoint) TabID() string { return e.tabID }

// Send escalates msg to the relay on behalf of this tab.
func (e *Endpoint) Send(ctx context.Context, msg protocol.Message) error {
	return e.router.Submit(ctx, protocol.Envelope{TabID: e.tabID, Message: msg})
}

// Reports is closed when the endpoint is closed or replaced.
func (e *Endpoint) Reports() <-chan protocol.Report { return e.reports }

// Close unregisters the endpoint if it is still the current one for its tab.
func (e *Endpoint) Close() {
	r := e.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints[e.tabID] == e {
		delete(r.endpoints, e.tabID)
	}
	e.closeLocked()
}

func (e *Endpoint) closeLocked() {
	if !e.closed {
		e.closed = true
		close(e.reports)
	}
}
