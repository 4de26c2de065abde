// Package session persists the stateful units of an interactive
// application and the routes that map opaque callback identifiers back to
// them. A session owns serialized application state; a route ties a
// callback id embedded in rendered UI to a handler and its owning session.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RouteKind distinguishes the callback surfaces a route can serve.
type RouteKind string

const (
	// RouteKindComponent is a message-component callback (button, select).
	RouteKindComponent RouteKind = "component"
	// RouteKindModal is a modal-submit callback.
	RouteKindModal RouteKind = "modal"
)

// RouteIDPrefix marks every callback identifier issued by this framework.
// Identifiers without the prefix are not ours and are ignored at dispatch.
const RouteIDPrefix = "cnl:"

// NewRouteID allocates a fresh high-entropy route identifier.
func NewRouteID() string {
	return RouteIDPrefix + uuid.NewString()
}

// NewSessionID allocates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidRouteID reports whether s has the shape of an identifier issued by
// NewRouteID. It validates shape only; existence is checked at resolve
// time.
func ValidRouteID(s string) bool {
	if !strings.HasPrefix(s, RouteIDPrefix) {
		return false
	}
	_, err := uuid.Parse(s[len(RouteIDPrefix):])
	return err == nil
}

// Route maps an opaque callback identifier to a handler and an owning
// session.
type Route struct {
	// ID is the opaque token embedded verbatim in outbound UI payloads.
	ID string `json:"id"`
	// Name, when set, gives the route a stable identity: re-creating a
	// route with the same (SessionID, Name) pair returns the existing
	// route. Unnamed routes are single-use and purged on every
	// re-render of their session.
	Name string `json:"name,omitempty"`
	// Kind is the callback surface this route serves.
	Kind RouteKind `json:"kind"`
	// HandlerType and HandlerMethod identify the registered handler.
	HandlerType   string `json:"handlerType"`
	HandlerMethod string `json:"handlerMethod"`
	// SessionID is the owning session. Required.
	SessionID string `json:"sessionId"`
	// Synchronous routes are serialized against sibling invocations for
	// the same session; non-synchronous routes carry no ordering
	// guarantee.
	Synchronous bool `json:"synchronous"`
	// Deferred routes are acknowledged by the transport before the
	// handler runs.
	Deferred bool `json:"deferred"`
	// SessionIDToDelete, when set, names a session (commonly a
	// superseded one) deleted as part of handling this route.
	SessionIDToDelete string `json:"sessionIdToDelete,omitempty"`
	// Parameter1..3 are free-form strings passed through to the handler.
	Parameter1 string `json:"parameter1,omitempty"`
	Parameter2 string `json:"parameter2,omitempty"`
	Parameter3 string `json:"parameter3,omitempty"`
}

// Named reports whether the route has a stable identity across renders.
func (r *Route) Named() bool { return r.Name != "" }

// HandlerKey returns the registry key for this route's handler.
func (r *Route) HandlerKey() string {
	return r.HandlerType + "." + r.HandlerMethod
}

// State is the persisted form of one long-lived interactive unit.
type State struct {
	// ID is unique, generated at first use.
	ID string `json:"id"`
	// Payload is the serialized session data defined by the consuming
	// handler. It may reference route identifiers it issued, by id only.
	Payload []byte `json:"payload"`
	// UpdatedOn is the time of the last persist.
	UpdatedOn time.Time `json:"updatedOn"`
	// ExpiresOn is the absolute expiry; nil means the cleanup job never
	// expires this session.
	ExpiresOn *time.Time `json:"expiresOn,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *State) Expired(now time.Time) bool {
	return s.ExpiresOn != nil && !s.ExpiresOn.After(now)
}

// clone returns a deep copy so store internals never alias caller data.
func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Payload != nil {
		cp.Payload = append([]byte(nil), s.Payload...)
	}
	if s.ExpiresOn != nil {
		t := *s.ExpiresOn
		cp.ExpiresOn = &t
	}
	return &cp
}

func (r *Route) clone() *Route {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
