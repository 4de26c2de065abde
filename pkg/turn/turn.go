// Package turn serializes work per key without blocking unrelated keys.
//
// A caller that wants to run under a key acquires a Ticket, waits for the
// previous ticket holder to release, does its work, and releases. Tickets
// for the same key form a chain, so arrival order is execution order;
// tickets for different keys never interact.
package turn

import (
	"context"
	"sync"
)

// Ticket represents one position in a key's execution chain.
type Ticket struct {
	key  string
	prev <-chan struct{} // nil when this ticket has no predecessor
	done chan struct{}
	once sync.Once
}

// Key returns the key this ticket was acquired for.
func (t *Ticket) Key() string { return t.key }

// Wait blocks until the predecessor ticket is released. A ticket with no
// predecessor returns immediately. Wait returns the context error on
// cancellation; the ticket must still be released in that case, or every
// later acquirer of the key blocks forever.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager hands out tickets. The zero value is not usable; create
// instances with NewManager. Manager is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	current map[string]*Ticket
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{current: make(map[string]*Ticket)}
}

// Acquire registers intent to run under key. It atomically swaps the
// stored ticket for key with a fresh one; the returned ticket's Wait
// blocks on whatever was stored before (or not at all).
func (m *Manager) Acquire(key string) *Ticket {
	t := &Ticket{key: key, done: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.current[key]; ok {
		t.prev = prev.done
	}
	m.current[key] = t
	m.mu.Unlock()

	return t
}

// Release signals the ticket, unblocking whoever waits on it as their
// predecessor. Release is idempotent and must be called on every exit
// path of the holder, including faults.
func (m *Manager) Release(t *Ticket) {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Sweep removes map entries whose stored ticket is already released.
// This is advisory cleanup that bounds memory; a stale released entry is
// harmless. Sweep returns the number of entries removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, t := range m.current {
		select {
		case <-t.done:
			delete(m.current, key)
			removed++
		default:
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}
