package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestUnit(t *testing.T, backend Backend) *Unit {
	t.Helper()
	tx, err := backend.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return NewUnit(tx)
}

func seedSession(t *testing.T, backend Backend, id string) {
	t.Helper()
	unit := newTestUnit(t, backend)
	if err := unit.SaveSession(&State{ID: id, Payload: []byte("{}")}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := unit.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestRouteIDShape(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"issued id", NewRouteID(), true},
		{"foreign id", "some-other-bot:button-4", false},
		{"empty", "", false},
		{"prefix only", RouteIDPrefix, false},
		{"prefix with junk", RouteIDPrefix + "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidRouteID(tt.id); got != tt.want {
				t.Errorf("ValidRouteID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestNamedRouteIdempotentCreation(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	spec := RouteSpec{
		Kind:          RouteKindComponent,
		HandlerType:   "pager",
		HandlerMethod: "Next",
		SessionID:     "sess-1",
		Synchronous:   true,
		Name:          "next-arrow",
	}

	// Same unit: second create returns the pending route.
	unit := newTestUnit(t, backend)
	first, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	second, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("pending named route ids differ: %s vs %s", first.ID, second.ID)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// New unit: re-creation resolves the durable route.
	unit = newTestUnit(t, backend)
	third, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if third.ID != first.ID {
		t.Errorf("durable named route id = %s, want %s", third.ID, first.ID)
	}
	_ = unit.Rollback()
}

func TestUnnamedRoutesAlwaysDistinct(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	spec := RouteSpec{
		Kind:          RouteKindComponent,
		HandlerType:   "pager",
		HandlerMethod: "Jump",
		SessionID:     "sess-1",
	}

	unit := newTestUnit(t, backend)
	a, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	b, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("unnamed routes share id %s", a.ID)
	}
	if !strings.HasPrefix(a.ID, RouteIDPrefix) {
		t.Errorf("route id %q missing prefix", a.ID)
	}
	_ = unit.Rollback()
}

func TestCreateRouteValidation(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	unit := newTestUnit(t, backend)
	defer func() { _ = unit.Rollback() }()

	if _, err := unit.CreateRoute(ctx, RouteSpec{HandlerType: "h", HandlerMethod: "m"}); err == nil {
		t.Error("CreateRoute() without session succeeded, want error")
	}
	if _, err := unit.CreateRoute(ctx, RouteSpec{SessionID: "s"}); err == nil {
		t.Error("CreateRoute() without handler succeeded, want error")
	}
}

func TestResolveSeesPendingOverlay(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	unit := newTestUnit(t, backend)
	r, err := unit.CreateRoute(ctx, RouteSpec{
		Kind:          RouteKindModal,
		HandlerType:   "editor",
		HandlerMethod: "Submit",
		SessionID:     "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}

	// Visible to this unit before commit.
	got, err := unit.Resolve(ctx, r.ID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("Resolve() id = %s, want %s", got.ID, r.ID)
	}

	// Invisible to a parallel unit until commit.
	other := newTestUnit(t, backend)
	if _, err := other.Resolve(ctx, r.ID); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("parallel Resolve() error = %v, want ErrRouteNotFound", err)
	}
	_ = other.Rollback()

	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	after := newTestUnit(t, backend)
	defer func() { _ = after.Rollback() }()
	if _, err := after.Resolve(ctx, r.ID); err != nil {
		t.Errorf("Resolve() after commit error = %v", err)
	}
}

func TestPurgeEphemeralKeepsNamedRoutes(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")
	seedSession(t, backend, "sess-2")

	unit := newTestUnit(t, backend)
	named, err := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Next",
		SessionID: "sess-1", Name: "next-arrow",
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	ephemeral, err := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Pick",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	unrelated, err := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Pick",
		SessionID: "sess-2",
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	unit = newTestUnit(t, backend)
	if err := unit.PurgeEphemeral(ctx, "sess-1"); err != nil {
		t.Fatalf("PurgeEphemeral() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	check := newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	if _, err := check.Resolve(ctx, named.ID); err != nil {
		t.Errorf("named route purged by PurgeEphemeral: %v", err)
	}
	if _, err := check.Resolve(ctx, ephemeral.ID); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("ephemeral route survived PurgeEphemeral: err = %v", err)
	}
	if _, err := check.Resolve(ctx, unrelated.ID); err != nil {
		t.Errorf("unrelated session's route purged: %v", err)
	}
}

func TestPurgeEphemeralDropsPendingRoutes(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	unit := newTestUnit(t, backend)
	pending, err := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Pick",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if err := unit.PurgeEphemeral(ctx, "sess-1"); err != nil {
		t.Fatalf("PurgeEphemeral() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	check := newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	if _, err := check.Resolve(ctx, pending.ID); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("pending ephemeral route survived purge-then-commit: err = %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	unit := newTestUnit(t, backend)
	named, _ := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Next",
		SessionID: "sess-1", Name: "next-arrow",
	})
	ephemeral, _ := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "pager", HandlerMethod: "Pick",
		SessionID: "sess-1",
	})
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	unit = newTestUnit(t, backend)
	if err := unit.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	check := newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	if _, err := check.Session(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session survived delete: err = %v", err)
	}
	for _, id := range []string{named.ID, ephemeral.ID} {
		if _, err := check.Resolve(ctx, id); !errors.Is(err, ErrRouteNotFound) {
			t.Errorf("route %s survived session delete: err = %v", id, err)
		}
	}
}

func TestUnitCommitIsAtomic(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	unit := newTestUnit(t, backend)
	s := &State{ID: NewSessionID(), Payload: []byte(`{"n":1}`)}
	if err := unit.SaveSession(s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	r, err := unit.CreateRoute(ctx, RouteSpec{
		Kind: RouteKindComponent, HandlerType: "counter", HandlerMethod: "Bump",
		SessionID: s.ID,
	})
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}

	// Nothing visible before commit.
	check := newTestUnit(t, backend)
	if _, err := check.Session(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("uncommitted session visible: err = %v", err)
	}
	_ = check.Rollback()

	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Both visible after, and UpdatedOn was stamped.
	check = newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	got, err := check.Session(ctx, s.ID)
	if err != nil {
		t.Fatalf("Session() after commit error = %v", err)
	}
	if got.UpdatedOn.IsZero() {
		t.Error("UpdatedOn not stamped at commit")
	}
	if _, err := check.Resolve(ctx, r.ID); err != nil {
		t.Errorf("route missing after commit: %v", err)
	}
}

func TestUnitAfterFinish(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	unit := newTestUnit(t, backend)
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := unit.Resolve(ctx, "cnl:x"); err != ErrTxDone {
		t.Errorf("Resolve() after commit error = %v, want ErrTxDone", err)
	}
	if err := unit.Commit(ctx); err != ErrTxDone {
		t.Errorf("second Commit() error = %v, want ErrTxDone", err)
	}
	if err := unit.Rollback(); err != nil {
		t.Errorf("Rollback() after Commit error = %v, want nil", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	backend := NewMemoryBackend()
	mgr := NewManager(backend)
	ctx := context.Background()

	s, err := mgr.Create(ctx, []byte(`{"step":"intro"}`), CreateOptions{TTL: time.Hour})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create() returned empty id")
	}
	if s.ExpiresOn == nil {
		t.Fatal("Create() with TTL left ExpiresOn nil")
	}

	got, err := mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"step":"intro"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	s.Payload = []byte(`{"step":"done"}`)
	if err := mgr.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := mgr.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := mgr.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}
}

func TestLazyUnitDefersBegin(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-lazy")

	// A lazy unit that never touches storage commits without ever
	// opening a transaction.
	idle := NewLazyUnit(backend)
	if idle.tx != nil {
		t.Fatal("lazy unit opened a transaction before first use")
	}
	if err := idle.Commit(ctx); err != nil {
		t.Fatalf("Commit() of untouched lazy unit error = %v", err)
	}

	// First storage access opens the transaction; behavior then matches
	// an eager unit.
	unit := NewLazyUnit(backend)
	s, err := unit.Session(ctx, "sess-lazy")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if unit.tx == nil {
		t.Fatal("first access did not open a transaction")
	}
	s.Payload = []byte(`{"lazy":true}`)
	if err := unit.SaveSession(s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got := newTestUnit(t, backend)
	loaded, err := got.Session(ctx, "sess-lazy")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if string(loaded.Payload) != `{"lazy":true}` {
		t.Errorf("payload = %s", loaded.Payload)
	}
	_ = got.Rollback()
}

func TestLazyUnitRollbackWithoutBegin(t *testing.T) {
	unit := NewLazyUnit(NewMemoryBackend())
	if err := unit.Rollback(); err != nil {
		t.Errorf("Rollback() error = %v", err)
	}
	if _, err := unit.Session(context.Background(), "x"); !errors.Is(err, ErrTxDone) {
		t.Errorf("Session() after Rollback error = %v, want ErrTxDone", err)
	}
}

func TestSaveAfterDeleteSessionIsDropped(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-del")

	unit := newTestUnit(t, backend)
	s, err := unit.Session(ctx, "sess-del")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if err := unit.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	// A save staged after the delete must not revive the session.
	s.Payload = []byte(`{"zombie":true}`)
	if err := unit.SaveSession(s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if _, err := unit.Session(ctx, "sess-del"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Session() after delete error = %v, want ErrSessionNotFound", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	check := newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	if _, err := check.Session(ctx, "sess-del"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("deleted session persisted, Session() error = %v", err)
	}
}

func TestNamedRouteRecreatedAfterPurgeGetsFreshID(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	seedSession(t, backend, "sess-1")

	spec := RouteSpec{
		Kind:          RouteKindComponent,
		HandlerType:   "pager",
		HandlerMethod: "refresh",
		SessionID:     "sess-1",
		Name:          "refresh",
	}

	unit := newTestUnit(t, backend)
	first, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() error = %v", err)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Purging and re-creating in one unit must mint a fresh identity,
	// not resurrect the durable route the purge just removed.
	unit = newTestUnit(t, backend)
	if err := unit.PurgeAll(ctx, "sess-1"); err != nil {
		t.Fatalf("PurgeAll() error = %v", err)
	}
	second, err := unit.CreateRoute(ctx, spec)
	if err != nil {
		t.Fatalf("CreateRoute() after purge error = %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("CreateRoute() after purge reused id %s", first.ID)
	}
	if err := unit.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	check := newTestUnit(t, backend)
	defer func() { _ = check.Rollback() }()
	if _, err := check.Resolve(ctx, first.ID); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("purged route still resolvable, error = %v", err)
	}
	got, err := check.Resolve(ctx, second.ID)
	if err != nil {
		t.Fatalf("Resolve(new) error = %v", err)
	}
	if got.Name != "refresh" {
		t.Errorf("recreated route name = %q, want %q", got.Name, "refresh")
	}
}
