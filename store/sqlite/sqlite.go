/*
Package sqlite provides a SQLite-backed implementation of circle.TxStore.

PURPOSE:
  Persists groups, circles, the cash ledger, contributions, benefit and loan
  requests, loan payments and waitlist sequences. The same schema carries
  over to PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  ledger_entries and loan_payments are never updated or deleted. Triggers
  abort any UPDATE or DELETE on either table; corrections are ADJUSTMENT
  entries.

KEY TABLES:
  groups:             Group with its current policy (JSON)
  circles:            Circle with its policy snapshot (JSON)
  ledger_entries:     Immutable cash movements, unique idempotency_key
  contributions:      Member payments (versioned)
  benefits, loans:    Requests (versioned)
  loan_payments:      Append-only repayments
  waitlist_sequences: Last waitlist position handed out per circle

INDEXES:
  - idx_circles_one_active: at most one ACTIVE circle per group
  - idx_ledger_group_effective: balance fold (hot path)
  - idx_contributions_circle_member: statements and arrears

CONCURRENCY:
  The pool is capped at one connection, so SQLite serializes every statement
  and transaction. Business-level serialization per group is the caller's
  lock (see package lock). Updates use optimistic versions.

WAL MODE:
  File databases are opened with WAL and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/circle.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := circle.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - circle/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
  - factory: Policy JSON encoding
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/factory"
	"github.com/warp/circle-engine/generic"
)

// timeLayout has a fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements circle.Store on top of either the pool or a transaction.
type queries struct {
	db       dbtx
	policies *factory.PolicyFactory
}

// Store implements circle.TxStore using SQLite.
type Store struct {
	queries
	conn *sql.DB
}

var (
	_ circle.TxStore = (*Store)(nil)
	_ circle.Store   = (*queries)(nil)
)

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	s, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. Tests use it with sqlmock.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{
		queries: queries{db: db, policies: factory.NewPolicyFactory()},
		conn:    db,
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	policy_json TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS circles (
	id          TEXT PRIMARY KEY,
	group_id    TEXT NOT NULL REFERENCES groups(id),
	start_date  TEXT NOT NULL,
	end_date    TEXT NOT NULL,
	status      TEXT NOT NULL,
	policy_json TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	closed_at   TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_circles_one_active
	ON circles(group_id) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	group_id        TEXT NOT NULL,
	circle_id       TEXT NOT NULL,
	type            TEXT NOT NULL,
	direction       TEXT NOT NULL,
	amount          TEXT NOT NULL,
	ref_id          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	effective_at    TEXT NOT NULL,
	created_by      TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_group_effective
	ON ledger_entries(group_id, effective_at);
CREATE INDEX IF NOT EXISTS idx_ledger_circle
	ON ledger_entries(circle_id);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
	BEFORE UPDATE ON ledger_entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

CREATE TABLE IF NOT EXISTS contributions (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL,
	circle_id        TEXT NOT NULL REFERENCES circles(id),
	member_id        TEXT NOT NULL,
	period_index     INTEGER NOT NULL,
	amount           TEXT NOT NULL,
	expected_amount  TEXT NOT NULL,
	status           TEXT NOT NULL,
	rejection_reason TEXT NOT NULL DEFAULT '',
	confirmed_by     TEXT NOT NULL DEFAULT '',
	confirmed_at     TEXT,
	created_at       TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_contributions_circle_member
	ON contributions(circle_id, member_id, period_index);

CREATE TABLE IF NOT EXISTS benefits (
	id                TEXT PRIMARY KEY,
	group_id          TEXT NOT NULL,
	circle_id         TEXT NOT NULL REFERENCES circles(id),
	member_id         TEXT NOT NULL,
	type              TEXT NOT NULL,
	requested_amount  TEXT NOT NULL,
	status            TEXT NOT NULL,
	waitlist_position INTEGER,
	waitlisted_at     TEXT,
	approved_at       TEXT,
	paid_at           TEXT,
	rejection_reason  TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_benefits_circle_status ON benefits(circle_id, status);

CREATE TABLE IF NOT EXISTS loans (
	id                TEXT PRIMARY KEY,
	group_id          TEXT NOT NULL,
	circle_id         TEXT NOT NULL REFERENCES circles(id),
	borrower_id       TEXT NOT NULL,
	principal         TEXT NOT NULL,
	status            TEXT NOT NULL,
	grace_period_days INTEGER NOT NULL DEFAULT 0,
	disbursed_at      TEXT,
	due_at            TEXT,
	waitlist_position INTEGER,
	waitlisted_at     TEXT,
	closed_at         TEXT,
	rejection_reason  TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_loans_circle_status ON loans(circle_id, status);

CREATE TABLE IF NOT EXISTS loan_payments (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	loan_id     TEXT NOT NULL REFERENCES loans(id),
	amount      TEXT NOT NULL,
	paid_at     TEXT NOT NULL,
	recorded_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loan_payments_loan ON loan_payments(loan_id);

CREATE TRIGGER IF NOT EXISTS loan_payments_no_update
	BEFORE UPDATE ON loan_payments
	BEGIN SELECT RAISE(ABORT, 'loan payments are append-only'); END;
CREATE TRIGGER IF NOT EXISTS loan_payments_no_delete
	BEFORE DELETE ON loan_payments
	BEGIN SELECT RAISE(ABORT, 'loan payments are append-only'); END;

CREATE TABLE IF NOT EXISTS waitlist_sequences (
	circle_id     TEXT PRIMARY KEY,
	last_position INTEGER NOT NULL
);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx circle.Store) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx, policies: s.policies}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func formatMoney(m generic.Money) string {
	return m.Value.String()
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// checkVersioned interprets the result of a versioned UPDATE. Zero rows means
// the row is gone or another writer got there first.
func (q *queries) checkVersioned(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", table, id, generic.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, generic.ErrConcurrentModification)
}

func (q *queries) encodePolicy(p circle.GroupPolicy) (string, error) {
	data, err := q.policies.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return string(data), nil
}

func (q *queries) decodePolicy(s string) (circle.GroupPolicy, error) {
	p, err := q.policies.ParsePolicy([]byte(s))
	if err != nil {
		return circle.GroupPolicy{}, fmt.Errorf("stored policy: %w", err)
	}
	return *p, nil
}

// =============================================================================
// GROUPS
// =============================================================================

func (q *queries) InsertGroup(ctx context.Context, g circle.Group) error {
	policy, err := q.encodePolicy(g.Policy)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, policy_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.ID, g.Name, policy, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("group %s: %w", g.ID, generic.ErrGroupExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

func (q *queries) SaveGroup(ctx context.Context, g circle.Group) error {
	policy, err := q.encodePolicy(g.Policy)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, policy_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			policy_json = excluded.policy_json,
			updated_at = excluded.updated_at
	`, g.ID, g.Name, policy, formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (q *queries) GetGroup(ctx context.Context, id generic.GroupID) (*circle.Group, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, name, policy_json, created_at, updated_at FROM groups WHERE id = ?`, id)
	g, err := q.scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, generic.ErrNotFound)
	}
	return g, err
}

func (q *queries) ListGroups(ctx context.Context) ([]circle.Group, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, name, policy_json, created_at, updated_at FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []circle.Group
	for rows.Next() {
		g, err := q.scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (q *queries) scanGroup(row scanner) (*circle.Group, error) {
	var (
		g                        circle.Group
		policy, created, updated string
	)
	if err := row.Scan(&g.ID, &g.Name, &policy, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if g.Policy, err = q.decodePolicy(policy); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &g, nil
}

// =============================================================================
// CIRCLES
// =============================================================================

const circleColumns = `id, group_id, start_date, end_date, status, policy_json, created_at, closed_at`

func (q *queries) SaveCircle(ctx context.Context, c circle.Circle) error {
	policy, err := q.encodePolicy(c.Policy)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO circles (`+circleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status,
			policy_json = excluded.policy_json,
			closed_at = excluded.closed_at
	`, c.ID, c.GroupID, formatTime(c.Start), formatTime(c.End), c.Status, policy,
		formatTime(c.CreatedAt), nullTime(c.ClosedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("group %s: %w", c.GroupID, generic.ErrActiveCircleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to save circle: %w", err)
	}
	return nil
}

func (q *queries) GetCircle(ctx context.Context, id generic.CircleID) (*circle.Circle, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+circleColumns+` FROM circles WHERE id = ?`, id)
	c, err := q.scanCircle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("circle %s: %w", id, generic.ErrNotFound)
	}
	return c, err
}

func (q *queries) ActiveCircle(ctx context.Context, groupID generic.GroupID) (*circle.Circle, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+circleColumns+` FROM circles WHERE group_id = ? AND status = ?`, groupID, circle.CircleActive)
	c, err := q.scanCircle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active circle of group %s: %w", groupID, generic.ErrNotFound)
	}
	return c, err
}

func (q *queries) ListActiveCircles(ctx context.Context) ([]circle.Circle, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+circleColumns+` FROM circles WHERE status = ? ORDER BY id`, circle.CircleActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list circles: %w", err)
	}
	defer rows.Close()

	var out []circle.Circle
	for rows.Next() {
		c, err := q.scanCircle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (q *queries) scanCircle(row scanner) (*circle.Circle, error) {
	var (
		c                           circle.Circle
		start, end, policy, created string
		closed                      sql.NullString
	)
	if err := row.Scan(&c.ID, &c.GroupID, &start, &end, &c.Status, &policy, &created, &closed); err != nil {
		return nil, err
	}
	var err error
	if c.Policy, err = q.decodePolicy(policy); err != nil {
		return nil, err
	}
	if c.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if c.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = parseNullTime(closed); err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (q *queries) AppendEntry(ctx context.Context, e generic.LedgerEntry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, group_id, circle_id, type, direction, amount, ref_id, reason,
			idempotency_key, effective_at, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.GroupID, e.CircleID, e.Type, e.Direction, formatMoney(e.Amount), e.RefID, e.Reason,
		e.IdempotencyKey, formatTime(e.EffectiveAt), e.CreatedBy, formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", e.IdempotencyKey, generic.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (q *queries) Entries(ctx context.Context, f generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	query := `
		SELECT id, group_id, circle_id, type, direction, amount, ref_id, reason,
			idempotency_key, effective_at, created_by, created_at
		FROM ledger_entries`
	var (
		where []string
		args  []any
	)
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.CircleID != "" {
		where = append(where, "circle_id = ?")
		args = append(args, f.CircleID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY effective_at, seq"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []generic.LedgerEntry
	for rows.Next() {
		var (
			e                          generic.LedgerEntry
			amount, effective, created string
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &e.CircleID, &e.Type, &e.Direction, &amount, &e.RefID, &e.Reason,
			&e.IdempotencyKey, &effective, &e.CreatedBy, &created); err != nil {
			return nil, err
		}
		if e.Amount, err = generic.NewMoneyFromString(amount); err != nil {
			return nil, err
		}
		if e.EffectiveAt, err = parseTime(effective); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, idempotencyKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}
