/*
store.go - Ledger Store interfaces

PURPOSE:
  Defines the boundary between the accounting core and durable storage.
  Store covers exactly what the check-in protocol and the balance calculator
  need. Directory covers the CRUD glue (trainers, client profiles, catalog)
  that other parts of the product read and write.

ATOMICITY:
  Every Store method is atomic per row. Multi-row atomicity is optional:
  stores that can run several operations in one transaction also implement
  TxStore, and the protocol uses it when present.

COMPARE-AND-SWAP:
  CompareAndSwapPurchaseRemaining only writes when the stored value still
  equals the value the caller read. Two concurrent check-ins that selected
  the same purchase cannot both decrement it from the same starting value.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package ledger

import (
	"context"
	"time"
)

// Store is the Ledger Store the accounting core runs against.
type Store interface {
	// GetClient returns the client, tombstoned or not. ErrClientNotFound if absent.
	GetClient(ctx context.Context, id ClientID) (Client, error)

	// GetPackage returns ErrPackageNotFound if absent.
	GetPackage(ctx context.Context, id PackageID) (Package, error)

	// ListPurchases returns the client's purchases in q.Order by PurchaseDate.
	// Purchases with equal dates are ordered by insertion.
	ListPurchases(ctx context.Context, clientID ClientID, q PurchaseQuery) ([]Purchase, error)

	// InsertPurchase persists a new credit grant.
	InsertPurchase(ctx context.Context, p Purchase) error

	// ListSessions returns sessions with CheckInTime >= since, oldest first.
	ListSessions(ctx context.Context, clientID ClientID, since time.Time) ([]Session, error)

	// InsertSession records a check-in. The store assigns ID and CheckInTime.
	InsertSession(ctx context.Context, clientID ClientID, trainerID TrainerID) (Session, error)

	// DeleteSession is used only to compensate a failed check-in.
	DeleteSession(ctx context.Context, id SessionID) error

	// UpdatePurchaseRemaining overwrites the counter. ErrInvalidRemaining if negative.
	UpdatePurchaseRemaining(ctx context.Context, id PurchaseID, remaining int) error

	// CompareAndSwapPurchaseRemaining sets the counter to next only if it is
	// still old. ErrConcurrentModification otherwise.
	CompareAndSwapPurchaseRemaining(ctx context.Context, id PurchaseID, old, next int) error

	// UpdateClientRemainingSessions rewrites the cached balance.
	UpdateClientRemainingSessions(ctx context.Context, id ClientID, remaining int) error
}

// TxStore runs several Store operations in one transaction.
// If fn returns an error nothing fn wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Directory holds the entity records that surround the ledger.
type Directory interface {
	SaveTrainer(ctx context.Context, t Trainer) error
	GetTrainer(ctx context.Context, id TrainerID) (Trainer, error)

	// SaveClient inserts a client or updates its profile fields.
	// It never changes RemainingSessions of an existing client.
	SaveClient(ctx context.Context, c Client) error

	// ListClients returns active (non-tombstoned) clients ordered by name.
	// An empty trainerID lists clients of every trainer.
	ListClients(ctx context.Context, trainerID TrainerID) ([]Client, error)

	SoftDeleteClient(ctx context.Context, id ClientID, at time.Time) error

	SavePackage(ctx context.Context, p Package) error
	ListPackages(ctx context.Context, trainerID TrainerID) ([]Package, error)

	// DeletePackage fails with ErrPackageInUse once any purchase references it.
	DeletePackage(ctx context.Context, id PackageID) error
}

// Backend is a store that carries both the ledger and the directory.
type Backend interface {
	Store
	Directory
}
