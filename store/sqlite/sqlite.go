/*
Package sqlite provides a SQLite-backed Ledger Store.

PURPOSE:
  Implements ledger.Backend and ledger.TxStore on SQLite. This is the default
  store of cmd/server and the one the demo scenarios run against.

INTERFACES IMPLEMENTED:
  ledger.Store:     Purchases, sessions and the cached client balance
  ledger.TxStore:   Multi-statement transactions for atomic check-ins
  ledger.Directory: Trainers, client profiles, package catalog

KEY TABLES:
  trainers:   Trainer identity
  clients:    Client profile + remaining_sessions cache + deleted_at tombstone
  packages:   Catalog (session_count >= 1, price > 0)
  purchases:  Credit grants with their own remaining counter
  sessions:   One row per check-in

INDEXES:
  - idx_purchases_client_date: Active purchase selection (hot path)
  - idx_sessions_client_time:  Duplicate Guard window query (hot path)

CONCURRENCY:
  A sync.RWMutex serializes writers inside the process. Transactions are
  opened with BEGIN IMMEDIATE (_txlock=immediate) so two processes sharing
  the file cannot both read a purchase and then both decrement it.
  SQLITE_BUSY and SQLITE_LOCKED surface as ledger.ErrConcurrentModification.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/checkin.db", nil)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). The Postgres store uses versioned
  migrations instead (store/postgres/migrations).

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/checkin-engine/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the ledger interfaces using SQLite.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock ledger.Clock
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database. A nil clock uses the system clock.
func New(dbPath string, clock ledger.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if clock == nil {
		clock = ledger.SystemClock{}
	}

	store := &Store{db: db, clock: clock}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translate("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trainers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL REFERENCES trainers(id),
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		remaining_sessions INTEGER NOT NULL DEFAULT 0 CHECK (remaining_sessions >= 0),
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_clients_trainer_active
		ON clients(trainer_id) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		trainer_id TEXT NOT NULL REFERENCES trainers(id),
		name TEXT NOT NULL,
		session_count INTEGER NOT NULL CHECK (session_count >= 1),
		price TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		package_id TEXT NOT NULL REFERENCES packages(id),
		remaining_sessions INTEGER NOT NULL CHECK (remaining_sessions >= 0),
		purchase_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_client_date
		ON purchases(client_id, purchase_date);
	CREATE INDEX IF NOT EXISTS idx_purchases_package
		ON purchases(package_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		trainer_id TEXT NOT NULL,
		check_in_time TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_client_time
		ON sessions(client_id, check_in_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) q(db dbtx) *queries { return &queries{db: db, clock: s.clock} }

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q(s.db).GetClient(ctx, id)
}

func (s *Store) GetPackage(ctx context.Context, id ledger.PackageID) (ledger.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q(s.db).GetPackage(ctx, id)
}

func (s *Store) ListPurchases(ctx context.Context, clientID ledger.ClientID, pq ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q(s.db).ListPurchases(ctx, clientID, pq)
}

func (s *Store) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).InsertPurchase(ctx, p)
}

func (s *Store) ListSessions(ctx context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q(s.db).ListSessions(ctx, clientID, since)
}

func (s *Store) InsertSession(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (ledger.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).InsertSession(ctx, clientID, trainerID)
}

func (s *Store) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).DeleteSession(ctx, id)
}

func (s *Store) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).UpdatePurchaseRemaining(ctx, id, remaining)
}

func (s *Store) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).CompareAndSwapPurchaseRemaining(ctx, id, old, next)
}

func (s *Store) UpdateClientRemainingSessions(ctx context.Context, id ledger.ClientID, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q(s.db).UpdateClientRemainingSessions(ctx, id, remaining)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The store handed to fn
// must not be used after fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(s.q(sqlTx)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate("commit transaction", err)
	}
	return nil
}

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

func (s *Store) SaveTrainer(ctx context.Context, t ledger.Trainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trainers (id, name, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, t.ID, t.Name, nullString(t.Email), formatTime(t.CreatedAt))
	if err != nil {
		return translate("save trainer", err)
	}
	return nil
}

func (s *Store) GetTrainer(ctx context.Context, id ledger.TrainerID) (ledger.Trainer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		t         ledger.Trainer
		email     sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM trainers WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Trainer{}, ledger.ErrTrainerNotFound
	}
	if err != nil {
		return ledger.Trainer{}, translate("get trainer", err)
	}
	t.Email = email.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// SaveClient inserts a client or updates its profile. The balance cache and
// the tombstone are never touched here.
func (s *Store) SaveClient(ctx context.Context, c ledger.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := exists(ctx, s.db, "trainers", string(c.TrainerID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrTrainerNotFound
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, trainer_id, name, email, phone, remaining_sessions, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone
	`, c.ID, c.TrainerID, c.Name, nullString(c.Email), nullString(c.Phone), formatTime(c.CreatedAt))
	if err != nil {
		return translate("save client", err)
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context, trainerID ledger.TrainerID) ([]ledger.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + clientColumns + ` FROM clients WHERE deleted_at IS NULL`
	var args []any
	if trainerID != "" {
		query += ` AND trainer_id = ?`
		args = append(args, trainerID)
	}
	query += ` ORDER BY name COLLATE NOCASE, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list clients", err)
	}
	defer rows.Close()

	var clients []ledger.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *Store) SoftDeleteClient(ctx context.Context, id ledger.ClientID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return translate("delete client", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrClientNotFound
	}
	return nil
}

func (s *Store) SavePackage(ctx context.Context, p ledger.Package) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := exists(ctx, s.db, "trainers", string(p.TrainerID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrTrainerNotFound
	}
	if inUse, err := packageInUse(ctx, s.db, p.ID); err != nil {
		return err
	} else if inUse {
		return ledger.ErrPackageInUse
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, trainer_id, name, session_count, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			session_count = excluded.session_count,
			price = excluded.price
	`, p.ID, p.TrainerID, p.Name, p.SessionCount, p.Price.String(), formatTime(p.CreatedAt))
	if err != nil {
		return translate("save package", err)
	}
	return nil
}

func (s *Store) ListPackages(ctx context.Context, trainerID ledger.TrainerID) ([]ledger.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE trainer_id = ? ORDER BY name, id`, trainerID)
	if err != nil {
		return nil, translate("list packages", err)
	}
	defer rows.Close()

	var packages []ledger.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *Store) DeletePackage(ctx context.Context, id ledger.PackageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := exists(ctx, s.db, "packages", string(id)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrPackageNotFound
	}
	if inUse, err := packageInUse(ctx, s.db, id); err != nil {
		return err
	} else if inUse {
		return ledger.ErrPackageInUse
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		return translate("delete package", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"sessions", "purchases", "packages", "clients", "trainers"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return translate("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the store and its transactions; callers hold the lock
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db    dbtx
	clock ledger.Clock
}

const (
	clientColumns   = `id, trainer_id, name, email, phone, remaining_sessions, created_at, deleted_at`
	packageColumns  = `id, trainer_id, name, session_count, price, created_at`
	purchaseColumns = `id, client_id, package_id, remaining_sessions, purchase_date`
	sessionColumns  = `id, client_id, trainer_id, check_in_time`
)

func (q *queries) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Client{}, ledger.ErrClientNotFound
	}
	return c, err
}

func (q *queries) GetPackage(ctx context.Context, id ledger.PackageID) (ledger.Package, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Package{}, ledger.ErrPackageNotFound
	}
	return p, err
}

func (q *queries) ListPurchases(ctx context.Context, clientID ledger.ClientID, pq ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE client_id = ?`
	if pq.ActiveOnly {
		query += ` AND remaining_sessions > 0`
	}
	if pq.Order == ledger.NewestFirst {
		query += ` ORDER BY purchase_date DESC, rowid DESC`
	} else {
		query += ` ORDER BY purchase_date ASC, rowid ASC`
	}

	rows, err := q.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, translate("list purchases", err)
	}
	defer rows.Close()

	var purchases []ledger.Purchase
	for rows.Next() {
		var (
			p    ledger.Purchase
			date string
		)
		if err := rows.Scan(&p.ID, &p.ClientID, &p.PackageID, &p.RemainingSessions, &date); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		p.PurchaseDate = parseTime(date)
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func (q *queries) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	if p.RemainingSessions < 0 {
		return ledger.ErrInvalidRemaining
	}
	if ok, err := exists(ctx, q.db, "clients", string(p.ClientID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrClientNotFound
	}
	if ok, err := exists(ctx, q.db, "packages", string(p.PackageID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrPackageNotFound
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO purchases (`+purchaseColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.PackageID, p.RemainingSessions, formatTime(p.PurchaseDate))
	if err != nil {
		return translate("insert purchase", err)
	}
	return nil
}

func (q *queries) ListSessions(ctx context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE client_id = ? AND check_in_time >= ?
		ORDER BY check_in_time ASC, rowid ASC
	`, clientID, formatTime(since))
	if err != nil {
		return nil, translate("list sessions", err)
	}
	defer rows.Close()

	var sessions []ledger.Session
	for rows.Next() {
		var (
			s  ledger.Session
			at string
		)
		if err := rows.Scan(&s.ID, &s.ClientID, &s.TrainerID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.CheckInTime = parseTime(at)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (q *queries) InsertSession(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (ledger.Session, error) {
	if ok, err := exists(ctx, q.db, "clients", string(clientID)); err != nil {
		return ledger.Session{}, err
	} else if !ok {
		return ledger.Session{}, ledger.ErrClientNotFound
	}

	s := ledger.Session{
		ID:          ledger.SessionID(ledger.NewID()),
		ClientID:    clientID,
		TrainerID:   trainerID,
		CheckInTime: q.clock.Now(),
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?)`,
		s.ID, s.ClientID, s.TrainerID, formatTime(s.CheckInTime))
	if err != nil {
		return ledger.Session{}, translate("insert session", err)
	}
	return s, nil
}

func (q *queries) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return translate("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrSessionNotFound
	}
	return nil
}

func (q *queries) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInvalidRemaining
	}
	res, err := q.db.ExecContext(ctx, `UPDATE purchases SET remaining_sessions = ? WHERE id = ?`, remaining, id)
	if err != nil {
		return translate("update purchase", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPurchaseNotFound
	}
	return nil
}

func (q *queries) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	if next < 0 {
		return ledger.ErrInvalidRemaining
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE purchases SET remaining_sessions = ? WHERE id = ? AND remaining_sessions = ?`,
		next, id, old)
	if err != nil {
		return translate("decrement purchase", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if ok, err := exists(ctx, q.db, "purchases", string(id)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrPurchaseNotFound
	}
	return ledger.ErrConcurrentModification
}

func (q *queries) UpdateClientRemainingSessions(ctx context.Context, id ledger.ClientID, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInvalidRemaining
	}
	res, err := q.db.ExecContext(ctx, `UPDATE clients SET remaining_sessions = ? WHERE id = ?`, remaining, id)
	if err != nil {
		return translate("update client balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrClientNotFound
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (ledger.Client, error) {
	var (
		c            ledger.Client
		email, phone sql.NullString
		createdAt    string
		deletedAt    sql.NullString
	)
	err := row.Scan(&c.ID, &c.TrainerID, &c.Name, &email, &phone, &c.RemainingSessions, &createdAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, translate("scan client", err)
	}
	c.Email = email.String
	c.Phone = phone.String
	c.CreatedAt = parseTime(createdAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		c.DeletedAt = &t
	}
	return c, nil
}

func scanPackage(row scanner) (ledger.Package, error) {
	var (
		p         ledger.Package
		price     string
		createdAt string
	)
	err := row.Scan(&p.ID, &p.TrainerID, &p.Name, &p.SessionCount, &price, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, translate("scan package", err)
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return p, fmt.Errorf("package %s has invalid price %q: %w", p.ID, price, err)
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func exists(ctx context.Context, db dbtx, table, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, translate("lookup "+table, err)
	}
	return n > 0, nil
}

func packageInUse(ctx context.Context, db dbtx, id ledger.PackageID) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE package_id = ?`, id).Scan(&n)
	if err != nil {
		return false, translate("lookup purchases", err)
	}
	return n > 0, nil
}

// translate maps driver errors onto ledger sentinels.
func translate(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrentModification, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time interface checks.
var (
	_ ledger.Backend = (*Store)(nil)
	_ ledger.TxStore = (*Store)(nil)
)
