package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend implements Backend with in-process maps. Transactions
// buffer their writes and apply them atomically under the backend lock at
// Commit. Intended for tests, examples and single-process deployments
// that accept losing state on restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*State
	routes   map[string]*Route
	byName   map[string]string // nameKey -> route id
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*State),
		routes:   make(map[string]*Route),
		byName:   make(map[string]string),
	}
}

// Begin opens a buffered-write transaction.
func (b *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	return &memoryTx{backend: b}, nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryOp struct {
	apply func(b *MemoryBackend)
}

type memoryTx struct {
	backend *MemoryBackend
	ops     []memoryOp
	done    bool
}

func (t *memoryTx) GetSession(ctx context.Context, id string) (*State, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	if t.backend.closed {
		return nil, ErrStorageClosed
	}
	s, ok := t.backend.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (t *memoryTx) PutSession(ctx context.Context, s *State) error {
	if t.done {
		return ErrTxDone
	}
	cp := s.clone()
	t.ops = append(t.ops, memoryOp{apply: func(b *MemoryBackend) {
		b.sessions[cp.ID] = cp
	}})
	return nil
}

func (t *memoryTx) DeleteSession(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}
	t.ops = append(t.ops, memoryOp{apply: func(b *MemoryBackend) {
		delete(b.sessions, id)
	}})
	return nil
}

func (t *memoryTx) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()

	var ids []string
	for id, s := range t.backend.sessions {
		if s.ExpiresOn != nil && !s.ExpiresOn.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memoryTx) GetRoute(ctx context.Context, id string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	r, ok := t.backend.routes[id]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return r.clone(), nil
}

func (t *memoryTx) GetRouteByName(ctx context.Context, sessionID, name string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()
	id, ok := t.backend.byName[nameKey(sessionID, name)]
	if !ok {
		return nil, ErrRouteNotFound
	}
	r, ok := t.backend.routes[id]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return r.clone(), nil
}

func (t *memoryTx) PutRoute(ctx context.Context, r *Route) error {
	if t.done {
		return ErrTxDone
	}
	cp := r.clone()
	t.ops = append(t.ops, memoryOp{apply: func(b *MemoryBackend) {
		b.routes[cp.ID] = cp
		if cp.Name != "" {
			b.byName[nameKey(cp.SessionID, cp.Name)] = cp.ID
		}
	}})
	return nil
}

func (t *memoryTx) DeleteRoute(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}
	t.ops = append(t.ops, memoryOp{apply: func(b *MemoryBackend) {
		if r, ok := b.routes[id]; ok {
			if r.Name != "" {
				delete(b.byName, nameKey(r.SessionID, r.Name))
			}
			delete(b.routes, id)
		}
	}})
	return nil
}

func (t *memoryTx) SessionRoutes(ctx context.Context, sessionID string) ([]*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.backend.mu.RLock()
	defer t.backend.mu.RUnlock()

	var routes []*Route
	for _, r := range t.backend.routes {
		if r.SessionID == sessionID {
			routes = append(routes, r.clone())
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	if t.backend.closed {
		return ErrStorageClosed
	}
	for _, op := range t.ops {
		op.apply(t.backend)
	}
	t.ops = nil
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	return nil
}
