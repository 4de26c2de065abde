package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // cgo-free sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	payload    BLOB,
	updated_on INTEGER NOT NULL,
	expires_on INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_on)
	WHERE expires_on IS NOT NULL;

CREATE TABLE IF NOT EXISTS routes (
	id                   TEXT PRIMARY KEY,
	name                 TEXT,
	kind                 TEXT NOT NULL,
	handler_type         TEXT NOT NULL,
	handler_method       TEXT NOT NULL,
	session_id           TEXT NOT NULL,
	synchronous          INTEGER NOT NULL,
	deferred             INTEGER NOT NULL,
	session_id_to_delete TEXT,
	parameter1           TEXT,
	parameter2           TEXT,
	parameter3           TEXT
);
CREATE INDEX IF NOT EXISTS idx_routes_session ON routes (session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_routes_name ON routes (session_id, name)
	WHERE name IS NOT NULL AND name != '';
`

// SQLiteBackend implements Backend on a SQLite database file. It is the
// durable store for single-node deployments; units of work map to real
// database transactions.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteBackend opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent jobs; reads
	// multiplex over the same connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Begin opens a database transaction.
func (b *SQLiteBackend) Begin(ctx context.Context) (Tx, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) GetSession(ctx context.Context, id string) (*State, error) {
	if t.done {
		return nil, ErrTxDone
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, payload, updated_on, expires_on FROM sessions WHERE id = ?`, id)

	var s State
	var updated int64
	var expires sql.NullInt64
	if err := row.Scan(&s.ID, &s.Payload, &updated, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.UpdatedOn = time.UnixMilli(updated).UTC()
	if expires.Valid {
		exp := time.UnixMilli(expires.Int64).UTC()
		s.ExpiresOn = &exp
	}
	return &s, nil
}

func (t *sqliteTx) PutSession(ctx context.Context, s *State) error {
	if t.done {
		return ErrTxDone
	}
	var expires any
	if s.ExpiresOn != nil {
		expires = s.ExpiresOn.UnixMilli()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, payload, updated_on, expires_on)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			updated_on = excluded.updated_on,
			expires_on = excluded.expires_on`,
		s.ID, s.Payload, s.UpdatedOn.UnixMilli(), expires)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteSession(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (t *sqliteTx) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	if t.done {
		return nil, ErrTxDone
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE expires_on IS NOT NULL AND expires_on <= ?
		ORDER BY id`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("scan expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const routeColumns = `id, name, kind, handler_type, handler_method, session_id,
	synchronous, deferred, session_id_to_delete, parameter1, parameter2, parameter3`

func scanRoute(row interface{ Scan(...any) error }) (*Route, error) {
	var r Route
	var name, toDelete, p1, p2, p3 sql.NullString
	err := row.Scan(&r.ID, &name, &r.Kind, &r.HandlerType, &r.HandlerMethod,
		&r.SessionID, &r.Synchronous, &r.Deferred, &toDelete, &p1, &p2, &p3)
	if err != nil {
		return nil, err
	}
	r.Name = name.String
	r.SessionIDToDelete = toDelete.String
	r.Parameter1, r.Parameter2, r.Parameter3 = p1.String, p2.String, p3.String
	return &r, nil
}

func (t *sqliteTx) GetRoute(ctx context.Context, id string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRouteNotFound
		}
		return nil, fmt.Errorf("get route: %w", err)
	}
	return r, nil
}

func (t *sqliteTx) GetRouteByName(ctx context.Context, sessionID, name string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE session_id = ? AND name = ?`,
		sessionID, name)
	r, err := scanRoute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRouteNotFound
		}
		return nil, fmt.Errorf("get route by name: %w", err)
	}
	return r, nil
}

func (t *sqliteTx) PutRoute(ctx context.Context, r *Route) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO routes (`+routeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			handler_type = excluded.handler_type,
			handler_method = excluded.handler_method,
			session_id = excluded.session_id,
			synchronous = excluded.synchronous,
			deferred = excluded.deferred,
			session_id_to_delete = excluded.session_id_to_delete,
			parameter1 = excluded.parameter1,
			parameter2 = excluded.parameter2,
			parameter3 = excluded.parameter3`,
		r.ID, r.Name, string(r.Kind), r.HandlerType, r.HandlerMethod, r.SessionID,
		r.Synchronous, r.Deferred, r.SessionIDToDelete,
		r.Parameter1, r.Parameter2, r.Parameter3)
	if err != nil {
		return fmt.Errorf("put route: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteRoute(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	return nil
}

func (t *sqliteTx) SessionRoutes(ctx context.Context, sessionID string) ([]*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var routes []*Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
