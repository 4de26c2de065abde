// Package dispatch routes inbound transport events back to the handler
// and session that produced them.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/codethecodeman/cannolikit/pkg/session"
)

// Invocation carries everything a handler needs for one event.
type Invocation struct {
	// Event is the transport's event object, opaque to the framework.
	Event any
	// Route is the resolved route the event arrived on.
	Route *session.Route
	// State is the loaded owning session. Handlers mutate Payload
	// freely; the mutation is persisted when the handler returns nil.
	State *session.State
	// Unit is the unit of work for this event: create routes, save or
	// delete sessions. Committed by the framework, not the handler.
	Unit *session.Unit
}

// HandlerFunc is one registered callback target.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Registry maps stable (handlerType, handlerMethod) string keys to
// handlers. It replaces runtime reflection: routes persist the key, the
// registry resolves it at dispatch time. Populate at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler under (handlerType, handlerMethod). Duplicate
// registration is a programming error and fails loudly.
func (r *Registry) Register(handlerType, handlerMethod string, h HandlerFunc) error {
	if handlerType == "" || handlerMethod == "" {
		return fmt.Errorf("dispatch: handler key must be non-empty")
	}
	if h == nil {
		return fmt.Errorf("dispatch: handler for %s.%s is nil", handlerType, handlerMethod)
	}

	key := handlerType + "." + handlerMethod
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("dispatch: handler %s already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(handlerType, handlerMethod string, h HandlerFunc) {
	if err := r.Register(handlerType, handlerMethod, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a route's key.
func (r *Registry) Resolve(handlerType, handlerMethod string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType+"."+handlerMethod]
	return h, ok
}
