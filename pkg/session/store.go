package session

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist. At
	// dispatch time a missing session behind an existing route is a
	// data-integrity fault, not a benign miss.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRouteNotFound is returned when a route doesn't exist. This is
	// the normal outcome for an expired or already-consumed callback id.
	ErrRouteNotFound = errors.New("route not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrTxDone is returned when using a transaction after Commit or
	// Rollback.
	ErrTxDone = errors.New("transaction already finished")
)

// Backend abstracts the durable store. Implementations must be safe for
// concurrent use; every job runs under its own transaction.
type Backend interface {
	// Begin opens a transactional unit of work.
	Begin(ctx context.Context) (Tx, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Tx is one transactional unit of work. Reads observe committed state;
// writes become visible to other transactions only after Commit. A Tx is
// used by a single goroutine and finished exactly once.
type Tx interface {
	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*State, error)

	// PutSession creates or updates a session.
	PutSession(ctx context.Context, s *State) error

	// DeleteSession removes a session. Deleting an absent session is a
	// no-op.
	DeleteSession(ctx context.Context, id string) error

	// ExpiredSessions returns ids of sessions with a non-nil expiry at
	// or before cutoff.
	ExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	// GetRoute retrieves a route by ID.
	// Returns ErrRouteNotFound if the route doesn't exist.
	GetRoute(ctx context.Context, id string) (*Route, error)

	// GetRouteByName retrieves a named route by its stable
	// (sessionID, name) identity.
	// Returns ErrRouteNotFound if no such route exists.
	GetRouteByName(ctx context.Context, sessionID, name string) (*Route, error)

	// PutRoute creates or updates a route.
	PutRoute(ctx context.Context, r *Route) error

	// DeleteRoute removes a route. Deleting an absent route is a no-op.
	DeleteRoute(ctx context.Context, id string) error

	// SessionRoutes returns all routes owned by a session.
	SessionRoutes(ctx context.Context, sessionID string) ([]*Route, error)

	// Commit atomically applies every write in this unit of work.
	Commit(ctx context.Context) error

	// Rollback discards the unit of work. Rollback after Commit is a
	// no-op.
	Rollback() error
}
