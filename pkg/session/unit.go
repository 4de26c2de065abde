package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RouteSpec describes a route to create.
type RouteSpec struct {
	Kind              RouteKind
	HandlerType       string
	HandlerMethod     string
	SessionID         string
	Synchronous       bool
	Deferred          bool
	Name              string
	SessionIDToDelete string
	Parameter1        string
	Parameter2        string
	Parameter3        string
}

// Unit is the per-job unit of work. It layers a pending overlay over a
// storage transaction: routes created during handling are visible to this
// unit immediately but reach the durable store only at Commit, together
// with session mutations, as one transaction. A route therefore never
// outlives or precedes its owning session.
//
// Unit is used by a single goroutine.
type Unit struct {
	tx    Tx
	begin func(ctx context.Context) (Tx, error)
	now   func() time.Time
	done  bool

	pending         map[string]*Route // pending-insert routes by id
	pendingByName   map[string]*Route // named pending routes by sessionID+"\x00"+name
	states          map[string]*State // sessions staged for save
	deleted         map[string]bool   // routes deleted in this unit
	deletedSessions map[string]bool   // sessions deleted in this unit
}

// NewUnit wraps an already-open transaction in a unit of work.
func NewUnit(tx Tx) *Unit {
	u := newUnit()
	u.tx = tx
	return u
}

// NewLazyUnit defers opening the transaction until the first storage
// access. A job that waits on a session turn before touching storage
// must not pin a backend connection while it waits; on single-connection
// backends that would deadlock against the turn holder.
func NewLazyUnit(backend Backend) *Unit {
	u := newUnit()
	u.begin = backend.Begin
	return u
}

func newUnit() *Unit {
	return &Unit{
		now:             time.Now,
		pending:         make(map[string]*Route),
		pendingByName:   make(map[string]*Route),
		states:          make(map[string]*State),
		deleted:         make(map[string]bool),
		deletedSessions: make(map[string]bool),
	}
}

func (u *Unit) transaction(ctx context.Context) (Tx, error) {
	if u.tx != nil {
		return u.tx, nil
	}
	tx, err := u.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	u.tx = tx
	return tx, nil
}

func nameKey(sessionID, name string) string {
	return sessionID + "\x00" + name
}

// CreateRoute allocates a route per spec. A named spec whose
// (SessionID, Name) pair already exists, pending or durable, returns
// the existing route unchanged. Unnamed specs always allocate a fresh
// high-entropy id. The route stays pending until Commit.
func (u *Unit) CreateRoute(ctx context.Context, spec RouteSpec) (*Route, error) {
	if u.done {
		return nil, ErrTxDone
	}
	if spec.SessionID == "" {
		return nil, errors.New("session: route requires an owning session")
	}
	if spec.HandlerType == "" || spec.HandlerMethod == "" {
		return nil, errors.New("session: route requires a handler reference")
	}

	if spec.Name != "" {
		if r, ok := u.pendingByName[nameKey(spec.SessionID, spec.Name)]; ok {
			return r, nil
		}
		tx, err := u.transaction(ctx)
		if err != nil {
			return nil, err
		}
		r, err := tx.GetRouteByName(ctx, spec.SessionID, spec.Name)
		if err == nil {
			// A durable hit that this unit already deleted, via purge
			// or cascade, must not be revived; a fresh route is minted
			// in its place.
			if !u.deleted[r.ID] {
				return r, nil
			}
		} else if !errors.Is(err, ErrRouteNotFound) {
			return nil, fmt.Errorf("lookup named route: %w", err)
		}
	}

	r := &Route{
		ID:                NewRouteID(),
		Name:              spec.Name,
		Kind:              spec.Kind,
		HandlerType:       spec.HandlerType,
		HandlerMethod:     spec.HandlerMethod,
		SessionID:         spec.SessionID,
		Synchronous:       spec.Synchronous,
		Deferred:          spec.Deferred,
		SessionIDToDelete: spec.SessionIDToDelete,
		Parameter1:        spec.Parameter1,
		Parameter2:        spec.Parameter2,
		Parameter3:        spec.Parameter3,
	}

	u.pending[r.ID] = r
	if r.Name != "" {
		u.pendingByName[nameKey(r.SessionID, r.Name)] = r
	}
	return r, nil
}

// Resolve looks up a route by id: pending overlay first, then the durable
// store. Returns ErrRouteNotFound on a miss, which callers treat as the
// normal expired-or-consumed outcome.
func (u *Unit) Resolve(ctx context.Context, id string) (*Route, error) {
	if u.done {
		return nil, ErrTxDone
	}
	if u.deleted[id] {
		return nil, ErrRouteNotFound
	}
	if r, ok := u.pending[id]; ok {
		return r, nil
	}
	tx, err := u.transaction(ctx)
	if err != nil {
		return nil, err
	}
	return tx.GetRoute(ctx, id)
}

// Session loads a session by id. Loaded-and-saved states are cached so a
// handler and the dispatch protocol observe one consistent instance.
func (u *Unit) Session(ctx context.Context, id string) (*State, error) {
	if u.done {
		return nil, ErrTxDone
	}
	if u.deletedSessions[id] {
		return nil, ErrSessionNotFound
	}
	if s, ok := u.states[id]; ok {
		return s, nil
	}
	tx, err := u.transaction(ctx)
	if err != nil {
		return nil, err
	}
	s, err := tx.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	u.states[id] = s
	return s, nil
}

// SaveSession stages a session for persistence at Commit. UpdatedOn is
// stamped at commit time. Saves for a session deleted earlier in this
// unit are dropped: a deleted session stays deleted through Commit.
func (u *Unit) SaveSession(s *State) error {
	if u.done {
		return ErrTxDone
	}
	if s == nil || s.ID == "" {
		return errors.New("session: cannot save session without id")
	}
	if u.deletedSessions[s.ID] {
		return nil
	}
	u.states[s.ID] = s
	return nil
}

// PurgeEphemeral deletes all unnamed routes owned by a session. Invoked
// before every re-render so stale one-shot callbacks from the previous
// render cannot be replayed. Named routes keep their identity.
func (u *Unit) PurgeEphemeral(ctx context.Context, sessionID string) error {
	return u.purge(ctx, sessionID, false)
}

// PurgeAll deletes every route owned by a session, named and unnamed.
// Invoked when the session itself is deleted.
func (u *Unit) PurgeAll(ctx context.Context, sessionID string) error {
	return u.purge(ctx, sessionID, true)
}

func (u *Unit) purge(ctx context.Context, sessionID string, includeNamed bool) error {
	if u.done {
		return ErrTxDone
	}

	tx, err := u.transaction(ctx)
	if err != nil {
		return err
	}
	routes, err := tx.SessionRoutes(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list session routes: %w", err)
	}
	for _, r := range routes {
		if !includeNamed && r.Named() {
			continue
		}
		if err := tx.DeleteRoute(ctx, r.ID); err != nil {
			return fmt.Errorf("delete route %s: %w", r.ID, err)
		}
		u.deleted[r.ID] = true
	}

	for id, r := range u.pending {
		if r.SessionID != sessionID {
			continue
		}
		if !includeNamed && r.Named() {
			continue
		}
		delete(u.pending, id)
		if r.Name != "" {
			delete(u.pendingByName, nameKey(r.SessionID, r.Name))
		}
	}
	return nil
}

// DeleteSession removes a session and cascades to every route it owns.
func (u *Unit) DeleteSession(ctx context.Context, sessionID string) error {
	if u.done {
		return ErrTxDone
	}
	if err := u.PurgeAll(ctx, sessionID); err != nil {
		return err
	}
	tx, err := u.transaction(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	delete(u.states, sessionID)
	u.deletedSessions[sessionID] = true
	return nil
}

// Commit flushes staged sessions and pending routes into the transaction
// and commits it. After Commit the unit is finished. A lazy unit that
// never touched storage commits as a no-op.
func (u *Unit) Commit(ctx context.Context) error {
	if u.done {
		return ErrTxDone
	}
	if u.tx == nil && len(u.states) == 0 && len(u.pending) == 0 {
		u.done = true
		return nil
	}
	tx, err := u.transaction(ctx)
	if err != nil {
		u.done = true
		return err
	}
	u.done = true

	now := u.now().UTC()
	for _, s := range u.states {
		s.UpdatedOn = now
		if err := tx.PutSession(ctx, s); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("persist session %s: %w", s.ID, err)
		}
	}
	for _, r := range u.pending {
		if err := tx.PutRoute(ctx, r); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("persist route %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Done reports whether the unit has been committed or rolled back.
func (u *Unit) Done() bool {
	return u.done
}

// Rollback discards the unit of work. Safe to call after Commit.
func (u *Unit) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	if u.tx == nil {
		return nil
	}
	return u.tx.Rollback()
}
