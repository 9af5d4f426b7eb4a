// Package session implements the session registry: a durable mapping of
// (path, name, type) to kernel id, stored through database/sql with the
// pgx driver.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"karl/internal/multikernel"

	"github.com/gofrs/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Type is the kind of client-side document bound to a kernel.
type Type string

const (
	TypeNotebook Type = "notebook"
	TypeFile     Type = "file"
	TypeConsole  Type = "console"
)

// ErrNotFound is returned for operations on a session id with no live row.
var ErrNotFound = fmt.Errorf("session: not found")

// Model is one session row.
type Model struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Name      string `json:"name"`
	Type      Type   `json:"type"`
	KernelID  string `json:"kernel_id"`
}

// Registry is the session registry, backed by a single `session` table
// (DSN configurable via KARL_SESSION_DB). Autocommit, one table, linear
// scans: expected cardinality is tens of rows.
type Registry struct {
	db  *sql.DB
	mkm *multikernel.Manager

	pendingMu sync.Mutex
	pending   map[string]bool // session ids allocated but not yet committed
}

// Open connects to dsn and creates the session table if absent.
func Open(ctx context.Context, dsn string, mkm *multikernel.Manager) (*Registry, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: ping: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS session (
		session_id TEXT PRIMARY KEY,
		path       TEXT NOT NULL,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL,
		kernel_id  TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: create table: %w", err)
	}
	return &Registry{db: db, mkm: mkm, pending: map[string]bool{}}, nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error { return r.db.Close() }

// Create is a two-phase commit: allocate a
// session_id into the pending set, bind (or start) a kernel, then insert
// the final row and clear the pending entry.
func (r *Registry) Create(ctx context.Context, path, name string, typ Type, kernelName, kernelID string) (Model, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Model{}, fmt.Errorf("session: generate session_id: %w", err)
	}
	sessionID := id.String()

	r.pendingMu.Lock()
	r.pending[sessionID] = true
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, sessionID)
		r.pendingMu.Unlock()
	}()

	boundKernel := kernelID
	if boundKernel != "" {
		if _, ok := r.mkm.Get(boundKernel); !ok {
			boundKernel = ""
		}
	}
	if boundKernel == "" {
		started, err := r.mkm.Start(kernelName, path, nil, "")
		if err != nil {
			return Model{}, fmt.Errorf("session: start kernel: %w", err)
		}
		boundKernel = started
	}

	model := Model{SessionID: sessionID, Path: path, Name: name, Type: typ, KernelID: boundKernel}
	const insert = `INSERT INTO session (session_id, path, name, type, kernel_id) VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.ExecContext(ctx, insert, model.SessionID, model.Path, model.Name, string(model.Type), model.KernelID); err != nil {
		return Model{}, fmt.Errorf("session: insert: %w", err)
	}
	return model, nil
}

// Get looks up a session by id. If the bound kernel no longer exists in
// the MKM (culled or died), the row is deleted in place and (Model{},
// false) is returned, rather than surfacing a dangling record.
func (r *Registry) Get(ctx context.Context, sessionID string) (Model, bool, error) {
	const q = `SELECT session_id, path, name, type, kernel_id FROM session WHERE session_id = $1`
	row := r.db.QueryRowContext(ctx, q, sessionID)
	var m Model
	var typ string
	if err := row.Scan(&m.SessionID, &m.Path, &m.Name, &typ, &m.KernelID); err != nil {
		if err == sql.ErrNoRows {
			return Model{}, false, nil
		}
		return Model{}, false, fmt.Errorf("session: get: %w", err)
	}
	m.Type = Type(typ)

	if _, alive := r.mkm.Get(m.KernelID); !alive {
		_, _ = r.db.ExecContext(ctx, `DELETE FROM session WHERE session_id = $1`, sessionID)
		return Model{}, false, nil
	}
	return m, true, nil
}

// List returns every session row whose bound kernel is still alive,
// invalidating (deleting) any whose kernel has disappeared.
func (r *Registry) List(ctx context.Context) ([]Model, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT session_id, path, name, type, kernel_id FROM session`)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var all []Model
	for rows.Next() {
		var m Model
		var typ string
		if err := rows.Scan(&m.SessionID, &m.Path, &m.Name, &typ, &m.KernelID); err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		m.Type = Type(typ)
		all = append(all, m)
	}

	var live []Model
	for _, m := range all {
		if _, ok := r.mkm.Get(m.KernelID); ok {
			live = append(live, m)
		} else {
			_, _ = r.db.ExecContext(ctx, `DELETE FROM session WHERE session_id = $1`, m.SessionID)
		}
	}
	return live, nil
}

// Patch carries the optionally-updated fields for Update.
type Patch struct {
	Path *string
	Name *string
	Type *Type
}

// Update applies patch to a session row and returns the updated model.
func (r *Registry) Update(ctx context.Context, sessionID string, patch Patch) (Model, error) {
	m, ok, err := r.Get(ctx, sessionID)
	if err != nil {
		return Model{}, err
	}
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if patch.Path != nil {
		m.Path = *patch.Path
	}
	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Type != nil {
		m.Type = *patch.Type
	}
	const update = `UPDATE session SET path = $2, name = $3, type = $4 WHERE session_id = $1`
	if _, err := r.db.ExecContext(ctx, update, m.SessionID, m.Path, m.Name, string(m.Type)); err != nil {
		return Model{}, fmt.Errorf("session: update: %w", err)
	}
	return m, nil
}

// Delete removes a session row.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// GetByKernelID returns every session bound to kernelID, used when a
// kernel is deleted to find rows to invalidate.
func (r *Registry) GetByKernelID(ctx context.Context, kernelID string) ([]Model, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT session_id, path, name, type, kernel_id FROM session WHERE kernel_id = $1`, kernelID)
	if err != nil {
		return nil, fmt.Errorf("session: get by kernel: %w", err)
	}
	defer rows.Close()
	var out []Model
	for rows.Next() {
		var m Model
		var typ string
		if err := rows.Scan(&m.SessionID, &m.Path, &m.Name, &typ, &m.KernelID); err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		m.Type = Type(typ)
		out = append(out, m)
	}
	return out, nil
}
