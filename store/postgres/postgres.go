/*
Package postgres provides a PostgreSQL Ledger Store on pgx.

PURPOSE:
  Production store for deployments where several server instances share one
  database. Implements ledger.Backend and ledger.TxStore.

TRANSACTIONS:
  WithTx runs at SERIALIZABLE isolation. Two check-ins for the same client
  that both pass the Duplicate Guard cannot both commit: one of them fails
  with SQLSTATE 40001, which surfaces as ledger.ErrConcurrentModification
  and is retried by the protocol.

COMPARE-AND-SWAP:
  The purchase decrement is a conditional UPDATE; zero affected rows on an
  existing purchase means another writer got there first.

SCHEMA:
  Versioned migrations embedded from migrations/ and applied with
  golang-migrate (see migrate.go).

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node store with the same semantics
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/checkin-engine/ledger"
)

// Store implements the ledger interfaces on a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	clock ledger.Clock
}

// Connect creates and validates a pool for databaseURL. It retries a few
// times to accommodate a database container that is still starting.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	const attempts = 5
	var pool *pgxpool.Pool
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect to postgres: %w: %v", ledger.ErrStoreUnavailable, err)
}

// New wraps an existing pool. A nil clock uses the system clock.
func New(pool *pgxpool.Pool, clock ledger.Clock) *Store {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Store{pool: pool, clock: clock}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return translate("ping", err)
	}
	return nil
}

func (s *Store) q(db dbtx) *queries { return &queries{db: db, clock: s.clock} }

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	return s.q(s.pool).GetClient(ctx, id)
}

func (s *Store) GetPackage(ctx context.Context, id ledger.PackageID) (ledger.Package, error) {
	return s.q(s.pool).GetPackage(ctx, id)
}

func (s *Store) ListPurchases(ctx context.Context, clientID ledger.ClientID, pq ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	return s.q(s.pool).ListPurchases(ctx, clientID, pq)
}

func (s *Store) InsertPurchase(ctx context.Context, p ledger.Purchase) error {
	return s.q(s.pool).InsertPurchase(ctx, p)
}

func (s *Store) ListSessions(ctx context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	return s.q(s.pool).ListSessions(ctx, clientID, since)
}

func (s *Store) InsertSession(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (ledger.Session, error) {
	return s.q(s.pool).InsertSession(ctx, clientID, trainerID)
}

func (s *Store) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	return s.q(s.pool).DeleteSession(ctx, id)
}

func (s *Store) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining int) error {
	return s.q(s.pool).UpdatePurchaseRemaining(ctx, id, remaining)
}

func (s *Store) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	return s.q(s.pool).CompareAndSwapPurchaseRemaining(ctx, id, old, next)
}

func (s *Store) UpdateClientRemainingSessions(ctx context.Context, id ledger.ClientID, remaining int) error {
	return s.q(s.pool).UpdateClientRemainingSessions(ctx, id, remaining)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return translate("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.q(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return translate("commit transaction", err)
	}
	return nil
}

// =============================================================================
// DIRECTORY (ledger.Directory interface)
// =============================================================================

func (s *Store) SaveTrainer(ctx context.Context, t ledger.Trainer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trainers (id, name, email, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
	`, t.ID, t.Name, t.Email, t.CreatedAt)
	if err != nil {
		return translate("save trainer", err)
	}
	return nil
}

func (s *Store) GetTrainer(ctx context.Context, id ledger.TrainerID) (ledger.Trainer, error) {
	var t ledger.Trainer
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, created_at FROM trainers WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Email, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Trainer{}, ledger.ErrTrainerNotFound
	}
	if err != nil {
		return ledger.Trainer{}, translate("get trainer", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// SaveClient inserts a client or updates its profile. The balance cache and
// the tombstone are never touched here.
func (s *Store) SaveClient(ctx context.Context, c ledger.Client) error {
	if ok, err := exists(ctx, s.pool, "trainers", string(c.TrainerID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrTrainerNotFound
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, trainer_id, name, email, phone, remaining_sessions, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone
	`, c.ID, c.TrainerID, c.Name, c.Email, c.Phone, c.CreatedAt)
	if err != nil {
		return translate("save client", err)
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context, trainerID ledger.TrainerID) ([]ledger.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE deleted_at IS NULL AND ($1 = '' OR trainer_id = $1)
		ORDER BY lower(name), id
	`, string(trainerID))
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE clients SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`, at.UTC(), id)
	if err != nil {
		return translate("delete client", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrClientNotFound
	}
	return nil
}

func (s *Store) SavePackage(ctx context.Context, p ledger.Package) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if ok, err := exists(ctx, s.pool, "trainers", string(p.TrainerID)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrTrainerNotFound
	}
	if inUse, err := packageInUse(ctx, s.pool, p.ID); err != nil {
		return err
	} else if inUse {
		return ledger.ErrPackageInUse
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packages (id, trainer_id, name, session_count, price, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			session_count = EXCLUDED.session_count,
			price = EXCLUDED.price
	`, p.ID, p.TrainerID, p.Name, p.SessionCount, p.Price.String(), p.CreatedAt)
	if err != nil {
		return translate("save package", err)
	}
	return nil
}

func (s *Store) ListPackages(ctx context.Context, trainerID ledger.TrainerID) ([]ledger.Package, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE trainer_id = $1 ORDER BY name, id`, trainerID)
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
	if ok, err := exists(ctx, s.pool, "packages", string(id)); err != nil {
		return err
	} else if !ok {
		return ledger.ErrPackageNotFound
	}
	if inUse, err := packageInUse(ctx, s.pool, id); err != nil {
		return err
	} else if inUse {
		return ledger.ErrPackageInUse
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM packages WHERE id = $1`, id); err != nil {
		return translate("delete package", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE sessions, purchases, packages, clients, trainers`); err != nil {
		return translate("reset", err)
	}
	return nil
}

// =============================================================================
// QUERIES - shared by the pool and its transactions
// =============================================================================

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db    dbtx
	clock ledger.Clock
}

const (
	clientColumns   = `id, trainer_id, name, email, phone, remaining_sessions, created_at, deleted_at`
	packageColumns  = `id, trainer_id, name, session_count, price::text, created_at`
	purchaseColumns = `id, client_id, package_id, remaining_sessions, purchase_date`
	sessionColumns  = `id, client_id, trainer_id, check_in_time`
)

func (q *queries) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	c, err := scanClient(q.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Client{}, ledger.ErrClientNotFound
	}
	return c, err
}

func (q *queries) GetPackage(ctx context.Context, id ledger.PackageID) (ledger.Package, error) {
	p, err := scanPackage(q.db.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Package{}, ledger.ErrPackageNotFound
	}
	return p, err
}

func (q *queries) ListPurchases(ctx context.Context, clientID ledger.ClientID, pq ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE client_id = $1`
	if pq.ActiveOnly {
		query += ` AND remaining_sessions > 0`
	}
	if pq.Order == ledger.NewestFirst {
		query += ` ORDER BY purchase_date DESC, seq DESC`
	} else {
		query += ` ORDER BY purchase_date ASC, seq ASC`
	}

	rows, err := q.db.Query(ctx, query, clientID)
	if err != nil {
		return nil, translate("list purchases", err)
	}
	defer rows.Close()

	var purchases []ledger.Purchase
	for rows.Next() {
		var p ledger.Purchase
		if err := rows.Scan(&p.ID, &p.ClientID, &p.PackageID, &p.RemainingSessions, &p.PurchaseDate); err != nil {
			return nil, translate("scan purchase", err)
		}
		p.PurchaseDate = p.PurchaseDate.UTC()
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list purchases", err)
	}
	return purchases, nil
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

	_, err := q.db.Exec(ctx,
		`INSERT INTO purchases (`+purchaseColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.ClientID, p.PackageID, p.RemainingSessions, p.PurchaseDate.UTC())
	if err != nil {
		return translate("insert purchase", err)
	}
	return nil
}

func (q *queries) ListSessions(ctx context.Context, clientID ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE client_id = $1 AND check_in_time >= $2
		ORDER BY check_in_time ASC, seq ASC
	`, clientID, since.UTC())
	if err != nil {
		return nil, translate("list sessions", err)
	}
	defer rows.Close()

	var sessions []ledger.Session
	for rows.Next() {
		var s ledger.Session
		if err := rows.Scan(&s.ID, &s.ClientID, &s.TrainerID, &s.CheckInTime); err != nil {
			return nil, translate("scan session", err)
		}
		s.CheckInTime = s.CheckInTime.UTC()
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list sessions", err)
	}
	return sessions, nil
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
		CheckInTime: q.clock.Now().UTC().Truncate(time.Microsecond),
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4)`,
		s.ID, s.ClientID, s.TrainerID, s.CheckInTime)
	if err != nil {
		return ledger.Session{}, translate("insert session", err)
	}
	return s, nil
}

func (q *queries) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return translate("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrSessionNotFound
	}
	return nil
}

func (q *queries) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInvalidRemaining
	}
	tag, err := q.db.Exec(ctx, `UPDATE purchases SET remaining_sessions = $1 WHERE id = $2`, remaining, id)
	if err != nil {
		return translate("update purchase", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrPurchaseNotFound
	}
	return nil
}

func (q *queries) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	if next < 0 {
		return ledger.ErrInvalidRemaining
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE purchases SET remaining_sessions = $1 WHERE id = $2 AND remaining_sessions = $3`,
		next, id, old)
	if err != nil {
		return translate("decrement purchase", err)
	}
	if tag.RowsAffected() == 1 {
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
	tag, err := q.db.Exec(ctx, `UPDATE clients SET remaining_sessions = $1 WHERE id = $2`, remaining, id)
	if err != nil {
		return translate("update client balance", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrClientNotFound
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func scanClient(row pgx.Row) (ledger.Client, error) {
	var c ledger.Client
	err := row.Scan(&c.ID, &c.TrainerID, &c.Name, &c.Email, &c.Phone, &c.RemainingSessions, &c.CreatedAt, &c.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, translate("scan client", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.DeletedAt != nil {
		t := c.DeletedAt.UTC()
		c.DeletedAt = &t
	}
	return c, nil
}

func scanPackage(row pgx.Row) (ledger.Package, error) {
	var (
		p     ledger.Package
		price string
	)
	err := row.Scan(&p.ID, &p.TrainerID, &p.Name, &p.SessionCount, &price, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, translate("scan package", err)
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return p, fmt.Errorf("package %s has invalid price %q: %w", p.ID, price, err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func exists(ctx context.Context, db dbtx, table, id string) (bool, error) {
	var found bool
	err := db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&found)
	if err != nil {
		return false, translate("lookup "+table, err)
	}
	return found, nil
}

func packageInUse(ctx context.Context, db dbtx, id ledger.PackageID) (bool, error) {
	var found bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM purchases WHERE package_id = $1)`, id).Scan(&found)
	if err != nil {
		return false, translate("lookup purchases", err)
	}
	return found, nil
}

// SQLSTATE codes the store reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	// An earlier statement of the transaction failed, usually a lost
	// serialization race; the whole transaction has to be retried.
	codeInFailedTransaction = "25P02"
	codeAdminShutdown       = "57P01"
	codeCannotConnectNow    = "57P03"
)

// translate maps pgx errors onto ledger sentinels.
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeInFailedTransaction:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConcurrentModification, err)
		case codeAdminShutdown, codeCannotConnectNow:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Compile-time interface checks.
var (
	_ ledger.Backend = (*Store)(nil)
	_ ledger.TxStore = (*Store)(nil)
)
