package session

import (
	"context"
	"fmt"
	"time"
)

// Manager exposes session lifecycle primitives to code running outside a
// dispatch (first render, explicit teardown). Each call runs in its own
// transaction. Manager is safe for concurrent use.
type Manager struct {
	backend Backend
	now     func() time.Time
}

// NewManager creates a manager over the given backend.
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend, now: time.Now}
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// TTL sets an absolute expiry of now+TTL; zero means the session
	// never expires via the cleanup job.
	TTL time.Duration
}

// Create persists a new session with the given payload and returns it.
func (m *Manager) Create(ctx context.Context, payload []byte, opts CreateOptions) (*State, error) {
	now := m.now().UTC()
	s := &State{
		ID:        NewSessionID(),
		Payload:   payload,
		UpdatedOn: now,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		s.ExpiresOn = &exp
	}

	if err := m.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get retrieves a session by id.
// Returns ErrSessionNotFound if the session doesn't exist.
func (m *Manager) Get(ctx context.Context, id string) (*State, error) {
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return tx.GetSession(ctx, id)
}

// Save persists the session in its own transaction.
func (m *Manager) Save(ctx context.Context, s *State) error {
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	s.UpdatedOn = m.now().UTC()
	if err := tx.PutSession(ctx, s); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes a session and every route it owns, in one transaction.
func (m *Manager) Delete(ctx context.Context, id string) error {
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	unit := NewUnit(tx)
	if err := unit.DeleteSession(ctx, id); err != nil {
		_ = unit.Rollback()
		return err
	}
	return unit.Commit(ctx)
}

// Expire sets the session's absolute expiry and persists it.
func (m *Manager) Expire(ctx context.Context, s *State, at time.Time) error {
	at = at.UTC()
	s.ExpiresOn = &at
	return m.Save(ctx, s)
}
