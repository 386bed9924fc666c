/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements rental.TxStore and billing.TxStore on one SQLite database. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  nodes, projects, memberships:   rental reference data
  reservations:                   never deleted; status changes in place
  skus, rates:                    rates are append-only (triggers)
  allocations, cost_objects:      the currently edited split per project
  snapshots, snapshot_cost_objects: frozen splits; cost objects immutable
  subscriptions, invoice_periods, invoice_overrides

CONSTRAINTS:
  - rates UNIQUE(sku_id, effective_date)
  - allocations UNIQUE(project_id)
  - idx_snapshots_one_current: at most one snapshot per allocation with
    superseded_at IS NULL (partial unique index)
  - invoice_overrides UNIQUE(period_id, event_kind, event_id)
  - reservations CHECK(end_at > start_at)
  - foreign keys everywhere (PRAGMA foreign_keys via _foreign_keys=on)

CONCURRENCY:
  Write transactions start with BEGIN IMMEDIATE (_txlock=immediate) and are
  additionally serialized in-process by a mutex, so re-validate-then-write
  sequences (reservation approval, snapshot rotation) are serializable.
  Inside WithTx the callback receives a child Store bound to the *sql.Tx;
  the child never locks, and nested WithTx calls on it run inline.

  ReadSnapshot opens a deferred read transaction on a separate handle. In
  WAL mode a reader keeps the snapshot taken at its first read, so an
  invoice run never sees a half-applied manager edit.

TIME ENCODING:
  Instants are stored as fixed-width UTC text (timeLayout) so string
  comparison in SQL matches chronological order. Calendar dates use
  YYYY-MM-DD. Decimals are stored as text.

USAGE:
  store, err := sqlite.New("./data/noderental.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - rental/store.go, billing/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/rental"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
	q      queryer
	mu     *sync.Mutex
	inTx   bool
}

var (
	_ rental.TxStore  = (*Store)(nil)
	_ billing.TxStore = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	const pragmas = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dbPath+"?"+pragmas+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	readDB := db
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		readDB, err = sql.Open("sqlite3", dbPath+"?"+pragmas+"&_txlock=deferred")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open read handle: %w", err)
		}
	}

	store := &Store{db: db, readDB: readDB, q: db, mu: &sync.Mutex{}}
	if err := store.migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database handles.
func (s *Store) Close() error {
	if s.readDB != s.db {
		s.readDB.Close()
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skus (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN ('NODE_RENTAL', 'MAINTENANCE', 'QOS')),
		billing_unit TEXT NOT NULL CHECK (billing_unit IN ('HOURLY', 'MONTHLY')),
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Rates (append-only)
	CREATE TABLE IF NOT EXISTS rates (
		id TEXT PRIMARY KEY,
		sku_id TEXT NOT NULL REFERENCES skus(id),
		amount TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (sku_id, effective_date)
	);

	CREATE TRIGGER IF NOT EXISTS rates_no_update BEFORE UPDATE ON rates
	BEGIN SELECT RAISE(ABORT, 'rates are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS rates_no_delete BEFORE DELETE ON rates
	BEGIN SELECT RAISE(ABORT, 'rates are append-only'); END;

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sku_id TEXT NOT NULL REFERENCES skus(id),
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		project_id TEXT NOT NULL REFERENCES projects(id),
		actor_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (project_id, actor_id)
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_actor ON memberships(actor_id);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		project_id TEXT NOT NULL REFERENCES projects(id),
		requested_by TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		blocks INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'DECLINED', 'CANCELLED')),
		manager_notes TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		processed_at TEXT,
		created_at TEXT NOT NULL,
		CHECK (end_at > start_at)
	);

	-- Hot path: conflict checks and availability per node
	CREATE INDEX IF NOT EXISTS idx_reservations_node_status_start
		ON reservations(node_id, status, start_at);
	-- Invoice runs: approved reservations by window
	CREATE INDEX IF NOT EXISTS idx_reservations_status_start
		ON reservations(status, start_at);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL UNIQUE REFERENCES projects(id),
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED')),
		submitted_by TEXT NOT NULL DEFAULT '',
		submitted_at TEXT,
		reviewed_by TEXT NOT NULL DEFAULT '',
		reviewed_at TEXT,
		review_notes TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS cost_objects (
		allocation_id TEXT NOT NULL REFERENCES allocations(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		code TEXT NOT NULL,
		percentage TEXT NOT NULL,
		PRIMARY KEY (allocation_id, code)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		approved_at TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		superseded_at TEXT
	);

	-- CRITICAL: exactly zero or one current snapshot per allocation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_one_current
		ON snapshots(allocation_id) WHERE superseded_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_snapshots_allocation_approved
		ON snapshots(allocation_id, approved_at);

	CREATE TABLE IF NOT EXISTS snapshot_cost_objects (
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
		position INTEGER NOT NULL,
		code TEXT NOT NULL,
		percentage TEXT NOT NULL,
		PRIMARY KEY (snapshot_id, code)
	);

	CREATE TRIGGER IF NOT EXISTS snapshot_cost_objects_no_update BEFORE UPDATE ON snapshot_cost_objects
	BEGIN SELECT RAISE(ABORT, 'snapshot cost objects are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS snapshot_cost_objects_no_delete BEFORE DELETE ON snapshot_cost_objects
	BEGIN SELECT RAISE(ABORT, 'snapshot cost objects are immutable'); END;

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		sku_id TEXT NOT NULL REFERENCES skus(id),
		status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
		start_date TEXT NOT NULL,
		end_date TEXT
	);

	CREATE TABLE IF NOT EXISTS invoice_periods (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		closed_at TEXT,
		CHECK (end_date >= start_date)
	);

	CREATE TABLE IF NOT EXISTS invoice_overrides (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES invoice_periods(id),
		event_kind TEXT NOT NULL,
		event_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		split_json TEXT NOT NULL DEFAULT '[]',
		reason TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (period_id, event_kind, event_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within one serializable write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rental.Store) error) error {
	return s.withWriteTx(ctx, func(child *Store) error { return fn(child) })
}

// WithBillingTx is WithTx for billing callers.
func (s *Store) WithBillingTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.withWriteTx(ctx, func(child *Store) error { return fn(child) })
}

func (s *Store) withWriteTx(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	child := &Store{db: s.db, readDB: s.readDB, q: tx, mu: s.mu, inTx: true}
	if err := fn(child); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ReadSnapshot runs fn inside one read transaction. fn must only read.
func (s *Store) ReadSnapshot(ctx context.Context, fn func(billing.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	child := &Store{db: s.db, readDB: s.readDB, q: tx, mu: s.mu, inTx: true}
	return fn(child)
}

// atomic runs a multi-statement write in a transaction unless one is
// already open.
func (s *Store) atomic(ctx context.Context, fn func(*Store) error) error {
	return s.withWriteTx(ctx, fn)
}

// =============================================================================
// NODES, PROJECTS, MEMBERSHIPS
// =============================================================================

func (s *Store) SaveNode(ctx context.Context, n rental.Node) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO nodes (id, name, sku_id, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, sku_id = excluded.sku_id, active = excluded.active`,
		n.ID, n.Name, n.SKUID, n.Active)
	return mapErr(err)
}

func (s *Store) GetNode(ctx context.Context, id string) (*rental.Node, error) {
	var n rental.Node
	err := s.q.QueryRowContext(ctx, "SELECT id, name, sku_id, active FROM nodes WHERE id = ?", id).
		Scan(&n.ID, &n.Name, &n.SKUID, &n.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]rental.Node, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id, name, sku_id, active FROM nodes ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []rental.Node
	for rows.Next() {
		var n rental.Node
		if err := rows.Scan(&n.ID, &n.Name, &n.SKUID, &n.Active); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) SaveProject(ctx context.Context, p rental.Project) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, p.ID, p.Name)
	return mapErr(err)
}

func (s *Store) GetProject(ctx context.Context, id string) (*rental.Project, error) {
	var p rental.Project
	err := s.q.QueryRowContext(ctx, "SELECT id, name FROM projects WHERE id = ?", id).Scan(&p.ID, &p.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]rental.Project, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id, name FROM projects ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []rental.Project
	for rows.Next() {
		var p rental.Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) SaveMembership(ctx context.Context, m rental.Membership) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO memberships (project_id, actor_id, role) VALUES (?, ?, ?)
		ON CONFLICT(project_id, actor_id) DO UPDATE SET role = excluded.role`,
		m.ProjectID, m.ActorID, string(m.Role))
	return mapErr(err)
}

func (s *Store) GetMembership(ctx context.Context, projectID, actorID string) (*rental.Membership, error) {
	var m rental.Membership
	var role string
	err := s.q.QueryRowContext(ctx,
		"SELECT project_id, actor_id, role FROM memberships WHERE project_id = ? AND actor_id = ?",
		projectID, actorID).Scan(&m.ProjectID, &m.ActorID, &role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Role = rental.Role(role)
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context, actorID string) ([]rental.Membership, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT project_id, actor_id, role FROM memberships WHERE actor_id = ? ORDER BY project_id", actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rental.Membership
	for rows.Next() {
		var m rental.Membership
		var role string
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &role); err != nil {
			return nil, err
		}
		m.Role = rental.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, node_id, project_id, requested_by, start_at, end_at, blocks,
	status, manager_notes, processed_by, processed_at, created_at`

func (s *Store) SaveReservation(ctx context.Context, r rental.Reservation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			manager_notes = excluded.manager_notes,
			processed_by = excluded.processed_by,
			processed_at = excluded.processed_at`,
		r.ID, r.NodeID, r.ProjectID, r.RequestedBy,
		formatTime(r.Start), formatTime(r.End), r.Blocks,
		string(r.Status), r.ManagerNotes, r.ProcessedBy, formatTimePtr(r.ProcessedAt),
		formatTime(r.CreatedAt),
	)
	return mapErr(err)
}

func (s *Store) GetReservation(ctx context.Context, id string) (*rental.Reservation, error) {
	list, err := s.queryReservations(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// ListReservations applies the filter in SQL. The window bounds are a
// prefilter: start_at < StartsBefore AND end_at > EndsAfter.
func (s *Store) ListReservations(ctx context.Context, f rental.ReservationFilter) ([]rental.Reservation, error) {
	var where []string
	var args []any
	if f.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.StartsBefore != nil {
		where = append(where, "start_at < ?")
		args = append(args, formatTime(*f.StartsBefore))
	}
	if f.EndsAfter != nil {
		where = append(where, "end_at > ?")
		args = append(args, formatTime(*f.EndsAfter))
	}

	query := "SELECT " + reservationColumns + " FROM reservations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at, id"
	return s.queryReservations(ctx, query, args...)
}

func (s *Store) queryReservations(ctx context.Context, query string, args ...any) ([]rental.Reservation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rental.Reservation
	for rows.Next() {
		var r rental.Reservation
		var status, start, end, created string
		var processedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.NodeID, &r.ProjectID, &r.RequestedBy, &start, &end, &r.Blocks,
			&status, &r.ManagerNotes, &r.ProcessedBy, &processedAt, &created); err != nil {
			return nil, err
		}
		r.Status = rental.Status(status)
		if r.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if r.End, err = parseTime(end); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if r.ProcessedAt, err = parseTimePtr(processedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SKUS AND RATES
// =============================================================================

func (s *Store) SaveSKU(ctx context.Context, sku billing.SKU) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO skus (id, name, description, kind, billing_unit, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			active = excluded.active`,
		sku.ID, sku.Name, sku.Description, string(sku.Kind), string(sku.Unit), sku.Active, formatTime(sku.CreatedAt))
	return mapErr(err)
}

const skuColumns = "id, name, description, kind, billing_unit, active, created_at"

func (s *Store) GetSKU(ctx context.Context, id string) (*billing.SKU, error) {
	list, err := s.querySKUs(ctx, "SELECT "+skuColumns+" FROM skus WHERE id = ?", id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListSKUs(ctx context.Context) ([]billing.SKU, error) {
	return s.querySKUs(ctx, "SELECT "+skuColumns+" FROM skus ORDER BY id")
}

func (s *Store) querySKUs(ctx context.Context, query string, args ...any) ([]billing.SKU, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.SKU
	for rows.Next() {
		var sku billing.SKU
		var kind, unit, created string
		if err := rows.Scan(&sku.ID, &sku.Name, &sku.Description, &kind, &unit, &sku.Active, &created); err != nil {
			return nil, err
		}
		sku.Kind = billing.SKUKind(kind)
		sku.Unit = billing.BillingUnit(unit)
		if sku.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}

func (s *Store) InsertRate(ctx context.Context, r billing.Rate) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO rates (id, sku_id, amount, effective_date, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SKUID, r.Amount.String(), r.EffectiveDate.Format(dateLayout), r.CreatedBy, formatTime(r.CreatedAt))
	return mapErr(err)
}

func (s *Store) ListRates(ctx context.Context, skuID string) ([]billing.Rate, error) {
	query := "SELECT id, sku_id, amount, effective_date, created_by, created_at FROM rates"
	var args []any
	if skuID != "" {
		query += " WHERE sku_id = ?"
		args = append(args, skuID)
	}
	query += " ORDER BY sku_id, effective_date"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Rate
	for rows.Next() {
		var r billing.Rate
		var amount, effective, created string
		if err := rows.Scan(&r.ID, &r.SKUID, &amount, &effective, &r.CreatedBy, &created); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("rate %s: %w", r.ID, err)
		}
		if r.EffectiveDate, err = time.Parse(dateLayout, effective); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// ALLOCATIONS AND SNAPSHOTS
// =============================================================================

func (s *Store) SaveAllocation(ctx context.Context, a billing.CostAllocation) error {
	return s.atomic(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO allocations (id, project_id, status, submitted_by, submitted_at, reviewed_by, reviewed_at, review_notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				submitted_by = excluded.submitted_by,
				submitted_at = excluded.submitted_at,
				reviewed_by = excluded.reviewed_by,
				reviewed_at = excluded.reviewed_at,
				review_notes = excluded.review_notes`,
			a.ID, a.ProjectID, string(a.Status), a.SubmittedBy, formatTimePtr(a.SubmittedAt),
			a.ReviewedBy, formatTimePtr(a.ReviewedAt), a.ReviewNotes)
		if err != nil {
			return mapErr(err)
		}
		if _, err := tx.q.ExecContext(ctx, "DELETE FROM cost_objects WHERE allocation_id = ?", a.ID); err != nil {
			return err
		}
		for i, co := range a.CostObjects {
			if _, err := tx.q.ExecContext(ctx,
				"INSERT INTO cost_objects (allocation_id, position, code, percentage) VALUES (?, ?, ?, ?)",
				a.ID, i, co.Code, co.Percentage.String()); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

const allocationColumns = "id, project_id, status, submitted_by, submitted_at, reviewed_by, reviewed_at, review_notes"

func (s *Store) GetAllocation(ctx context.Context, id string) (*billing.CostAllocation, error) {
	list, err := s.queryAllocations(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE id = ?", id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) GetAllocationByProject(ctx context.Context, projectID string) (*billing.CostAllocation, error) {
	list, err := s.queryAllocations(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE project_id = ?", projectID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListAllocations(ctx context.Context) ([]billing.CostAllocation, error) {
	return s.queryAllocations(ctx, "SELECT "+allocationColumns+" FROM allocations ORDER BY project_id")
}

func (s *Store) queryAllocations(ctx context.Context, query string, args ...any) ([]billing.CostAllocation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var out []billing.CostAllocation
	for rows.Next() {
		var a billing.CostAllocation
		var status string
		var submittedAt, reviewedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &status, &a.SubmittedBy, &submittedAt, &a.ReviewedBy, &reviewedAt, &a.ReviewNotes); err != nil {
			rows.Close()
			return nil, err
		}
		a.Status = billing.AllocationStatus(status)
		if a.SubmittedAt, err = parseTimePtr(submittedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if a.ReviewedAt, err = parseTimePtr(reviewedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Cost objects are loaded after the outer cursor is closed: a
	// single-connection pool cannot serve a nested query.
	for i := range out {
		if out[i].CostObjects, err = s.costObjects(ctx, "cost_objects", "allocation_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) costObjects(ctx context.Context, table, key, id string) ([]billing.CostObject, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT code, percentage FROM "+table+" WHERE "+key+" = ? ORDER BY position", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.CostObject
	for rows.Next() {
		var co billing.CostObject
		var pct string
		if err := rows.Scan(&co.Code, &pct); err != nil {
			return nil, err
		}
		if co.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, err
		}
		out = append(out, co)
	}
	return out, rows.Err()
}

func (s *Store) InsertSnapshot(ctx context.Context, snap billing.Snapshot) error {
	return s.atomic(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx,
			"INSERT INTO snapshots (id, allocation_id, approved_at, approved_by, superseded_at) VALUES (?, ?, ?, ?, ?)",
			snap.ID, snap.AllocationID, formatTime(snap.ApprovedAt), snap.ApprovedBy, formatTimePtr(snap.SupersededAt))
		if err != nil {
			return mapErr(err)
		}
		for i, co := range snap.CostObjects {
			if _, err := tx.q.ExecContext(ctx,
				"INSERT INTO snapshot_cost_objects (snapshot_id, position, code, percentage) VALUES (?, ?, ?, ?)",
				snap.ID, i, co.Code, co.Percentage.String()); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func (s *Store) SupersedeSnapshot(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE snapshots SET superseded_at = ? WHERE id = ? AND superseded_at IS NULL", formatTime(at), id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &generic.NotFoundError{Entity: "snapshot", ID: id}
	}
	return fmt.Errorf("snapshot %s already superseded: %w", id, generic.ErrInvalidTransition)
}

func (s *Store) ListSnapshots(ctx context.Context, allocationID string) ([]billing.Snapshot, error) {
	query := "SELECT id, allocation_id, approved_at, approved_by, superseded_at FROM snapshots"
	var args []any
	if allocationID != "" {
		query += " WHERE allocation_id = ?"
		args = append(args, allocationID)
	}
	query += " ORDER BY approved_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var out []billing.Snapshot
	for rows.Next() {
		var snap billing.Snapshot
		var approved string
		var superseded sql.NullString
		if err := rows.Scan(&snap.ID, &snap.AllocationID, &approved, &snap.ApprovedBy, &superseded); err != nil {
			rows.Close()
			return nil, err
		}
		if snap.ApprovedAt, err = parseTime(approved); err != nil {
			rows.Close()
			return nil, err
		}
		if snap.SupersededAt, err = parseTimePtr(superseded); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].CostObjects, err = s.costObjects(ctx, "snapshot_cost_objects", "snapshot_id", out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// =============================================================================
// SUBSCRIPTIONS, PERIODS, OVERRIDES
// =============================================================================

func (s *Store) SaveSubscription(ctx context.Context, sub billing.Subscription) error {
	var end *string
	if sub.EndDate != nil {
		e := sub.EndDate.Format(dateLayout)
		end = &e
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (id, project_id, sku_id, status, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, end_date = excluded.end_date`,
		sub.ID, sub.ProjectID, sub.SKUID, string(sub.Status), sub.StartDate.Format(dateLayout), end)
	return mapErr(err)
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]billing.Subscription, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, project_id, sku_id, status, start_date, end_date FROM subscriptions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Subscription
	for rows.Next() {
		var sub billing.Subscription
		var status, start string
		var end sql.NullString
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.SKUID, &status, &start, &end); err != nil {
			return nil, err
		}
		sub.Status = billing.SubscriptionStatus(status)
		if sub.StartDate, err = time.Parse(dateLayout, start); err != nil {
			return nil, err
		}
		if end.Valid {
			e, err := time.Parse(dateLayout, end.String)
			if err != nil {
				return nil, err
			}
			sub.EndDate = &e
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SavePeriod(ctx context.Context, p billing.InvoicePeriod) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO invoice_periods (id, name, start_date, end_date, status, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status, closed_at = excluded.closed_at`,
		p.ID, p.Name, p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout), string(p.Status), formatTimePtr(p.ClosedAt))
	return mapErr(err)
}

const periodColumns = "id, name, start_date, end_date, status, closed_at"

func (s *Store) GetPeriod(ctx context.Context, id string) (*billing.InvoicePeriod, error) {
	list, err := s.queryPeriods(ctx, "SELECT "+periodColumns+" FROM invoice_periods WHERE id = ?", id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) ListPeriods(ctx context.Context) ([]billing.InvoicePeriod, error) {
	return s.queryPeriods(ctx, "SELECT "+periodColumns+" FROM invoice_periods ORDER BY start_date, id")
}

func (s *Store) queryPeriods(ctx context.Context, query string, args ...any) ([]billing.InvoicePeriod, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.InvoicePeriod
	for rows.Next() {
		var p billing.InvoicePeriod
		var start, end, status string
		var closed sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &start, &end, &status, &closed); err != nil {
			return nil, err
		}
		p.Status = billing.PeriodStatus(status)
		if p.StartDate, err = time.Parse(dateLayout, start); err != nil {
			return nil, err
		}
		if p.EndDate, err = time.Parse(dateLayout, end); err != nil {
			return nil, err
		}
		if p.ClosedAt, err = parseTimePtr(closed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type splitRow struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Store) SaveOverride(ctx context.Context, o billing.Override) error {
	split := make([]splitRow, len(o.Split))
	for i, sh := range o.Split {
		split[i] = splitRow{Code: sh.Code, Amount: sh.Amount}
	}
	splitJSON, err := json.Marshal(split)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO invoice_overrides (id, period_id, event_kind, event_id, amount, split_json, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_id, event_kind, event_id) DO UPDATE SET
			id = excluded.id,
			amount = excluded.amount,
			split_json = excluded.split_json,
			reason = excluded.reason,
			created_by = excluded.created_by,
			created_at = excluded.created_at`,
		o.ID, o.PeriodID, string(o.Event.Kind), o.Event.ID, o.Amount.String(), string(splitJSON),
		o.Reason, o.CreatedBy, formatTime(o.CreatedAt))
	return mapErr(err)
}

func (s *Store) ListOverrides(ctx context.Context, periodID string) ([]billing.Override, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, period_id, event_kind, event_id, amount, split_json, reason, created_by, created_at
		FROM invoice_overrides WHERE period_id = ? ORDER BY event_kind, event_id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Override
	for rows.Next() {
		var o billing.Override
		var kind, amount, splitJSON, created string
		if err := rows.Scan(&o.ID, &o.PeriodID, &kind, &o.Event.ID, &amount, &splitJSON, &o.Reason, &o.CreatedBy, &created); err != nil {
			return nil, err
		}
		o.Event.Kind = billing.EventKind(kind)
		if o.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		var split []splitRow
		if err := json.Unmarshal([]byte(splitJSON), &split); err != nil {
			return nil, fmt.Errorf("override %s split: %w", o.ID, err)
		}
		for _, sr := range split {
			o.Split = append(o.Split, billing.Share{Code: sr.Code, Amount: sr.Amount})
		}
		if o.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// mapErr translates constraint violations into the generic taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%v: %w", err, generic.ErrDuplicate)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%v: %w", err, generic.ErrNotFound)
	case sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%v: %w", err, generic.ErrValidation)
	}
	return err
}
