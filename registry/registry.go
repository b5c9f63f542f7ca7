// Package registry decouples the single feed connection from its many
// consumers: listeners register a filter and a handler, and every dispatched
// event fans out to the listeners whose filters match.
package registry

import (
	"sync"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/logger"
)

// Handler consumes one matching event. Handlers run on the dispatch
// goroutine; a panicking handler is recovered and logged without affecting
// other listeners.
type Handler func(*event.ChangeEvent)

// Filter narrows the events a listener receives. Zero values match
// everything; Predicate, when set, is evaluated after the table and type
// checks.
type Filter struct {
	Table     string
	Type      event.Type
	Predicate func(*event.ChangeEvent) bool
}

func (f Filter) matches(e *event.ChangeEvent) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.Type != event.TypeWildcard && f.Type != e.Type {
		return false
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

type listener struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Registry holds the live listener set and the per-table tick counters. All
// methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	order     []uint64
	ticks     map[string]uint64
	nextID    uint64
}

func New() *Registry {
	return &Registry{
		listeners: make(map[uint64]*listener),
		ticks:     make(map[string]uint64),
	}
}

// Subscribe registers a handler and returns its unsubscribe function. The
// returned function is idempotent; after it runs, the handler is never
// invoked again, even for a fan-out pass that has not started yet.
func (r *Registry) Subscribe(f Filter, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = &listener{id: id, filter: f, handler: h}
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Dispatch fans the event out to every matching listener, then bumps the
// table's tick. The listener set is snapshotted at entry: listeners added
// mid-pass see only later events, and an unsubscribed listener is skipped
// even if the snapshot still holds it.
func (r *Registry) Dispatch(e *event.ChangeEvent) {
	r.mu.RLock()
	snapshot := make([]uint64, len(r.order))
	copy(snapshot, r.order)
	r.mu.RUnlock()

	for _, id := range snapshot {
		r.mu.RLock()
		l, ok := r.listeners[id]
		r.mu.RUnlock()
		if !ok || !l.filter.matches(e) {
			continue
		}
		invoke(l, e)
	}

	r.mu.Lock()
	r.ticks[e.Table]++
	r.mu.Unlock()
}

func invoke(l *listener, e *event.ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("listener handler panicked", "listenerID", l.id, "table", e.Table, "eventType", e.Type, "panic", rec)
		}
	}()
	l.handler(e)
}

// Tick returns the change counter for a table: a cheap "something changed"
// signal for consumers that do not need individual events.
func (r *Registry) Tick(table string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ticks[table]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
