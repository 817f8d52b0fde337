// Package replay drives historical events from the event store through
// registered handlers, recording progress in checkpoints so an
// interrupted run can resume instead of starting over.
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/tallyops/eventcore/libs/eventstore"
)

// WildcardType subscribes a handler to every event type.
const WildcardType = "*"

// Handler consumes replayed events of one declared type.
type Handler interface {
	EventType() string
	Handle(ctx context.Context, evt eventstore.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, evt eventstore.Event) error
}

func (h HandlerFunc) EventType() string { return h.Type }

func (h HandlerFunc) Handle(ctx context.Context, evt eventstore.Event) error {
	return h.Fn(ctx, evt)
}

// Registry maps event types to their handlers. It is built once at
// startup and passed by reference; there is no package-level instance.
type Registry struct {
	byType    map[string][]Handler
	wildcards []Handler
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]Handler)}
}

func (r *Registry) Register(h Handler) error {
	t := h.EventType()
	if t == "" {
		return fmt.Errorf("handler declares no event type")
	}
	if t == WildcardType {
		r.wildcards = append(r.wildcards, h)
		return nil
	}
	r.byType[t] = append(r.byType[t], h)
	return nil
}

// HandlersFor returns the handlers for an event type: exact matches
// first, then wildcard subscribers.
func (r *Registry) HandlersFor(eventType string) []Handler {
	handlers := make([]Handler, 0, len(r.byType[eventType])+len(r.wildcards))
	handlers = append(handlers, r.byType[eventType]...)
	handlers = append(handlers, r.wildcards...)
	return handlers
}

// Types lists the explicitly registered event types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
