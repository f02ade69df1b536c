package ingest

import (
	"sync"

	"github.com/mattjoyce/hookline/internal/source"
)

// AnyEventType registers a handler for every event type of a source that has
// no exact entry.
const AnyEventType = "*"

// Registry maps (source, event type) to a handler. It is safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[source.Source]map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[source.Source]map[string]HandlerFunc)}
}

// Register replaces any handler already bound to (src, eventType).
func (r *Registry) Register(src source.Source, eventType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byType, ok := r.handlers[src]
	if !ok {
		byType = make(map[string]HandlerFunc)
		r.handlers[src] = byType
	}
	byType[eventType] = h
}

// Lookup prefers an exact event type over the wildcard.
func (r *Registry) Lookup(src source.Source, eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byType := r.handlers[src]
	if h, ok := byType[eventType]; ok {
		return h, true
	}
	h, ok := byType[AnyEventType]
	return h, ok
}
