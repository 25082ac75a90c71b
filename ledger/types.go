/*
Package ledger provides the session-credit accounting core.

PURPOSE:
  A trainer sells session packages to clients. Each sale is a Purchase that
  grants credits; each check-in is a Session that consumes one. The ledger
  (purchases + sessions) is the source of truth, and Client.RemainingSessions
  is a cached projection of it that is rewritten after every mutation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Trainer: owns clients and packages
  - Client: gym member with a cached credit balance and a soft-delete tombstone
  - Package: catalog entry (session count + price)
  - Purchase: credit grant with its own remaining counter
  - Session: immutable consumption record (one check-in)

INVARIANT:
  client.RemainingSessions == Σ purchase.RemainingSessions for that client,
  after every successful check-in and every purchase creation.

SEE ALSO:
  - store.go: Ledger Store interfaces
  - balance.go: Session Balance Calculator
  - guard.go: Duplicate Guard
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TrainerID string
type ClientID string
type PackageID string
type PurchaseID string
type SessionID string

// NewID returns a random row identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// ENTITIES
// =============================================================================

type Trainer struct {
	ID        TrainerID
	Name      string
	Email     string
	CreatedAt time.Time
}

// Client is a gym member tracked by a trainer.
//
// RemainingSessions is a cache. Never trust it for a decision; recompute it
// with the BalanceCalculator. DeletedAt is a tombstone: once set, the client
// disappears from trainer-facing queries but its ledger rows stay for audit.
type Client struct {
	ID                ClientID
	TrainerID         TrainerID
	Name              string
	Email             string
	Phone             string
	RemainingSessions int
	CreatedAt         time.Time
	DeletedAt         *time.Time
}

// IsDeleted reports whether the client has been tombstoned.
func (c Client) IsDeleted() bool { return c.DeletedAt != nil }

// Package is a trainer-defined catalog entry.
type Package struct {
	ID           PackageID
	TrainerID    TrainerID
	Name         string
	SessionCount int
	Price        decimal.Decimal
	CreatedAt    time.Time
}

// Validate checks the catalog rules: at least one session, positive price.
func (p Package) Validate() error {
	if p.SessionCount < 1 {
		return &InvalidPackageError{Field: "session_count", Reason: "must be at least 1"}
	}
	if !p.Price.IsPositive() {
		return &InvalidPackageError{Field: "price", Reason: "must be greater than 0"}
	}
	if p.Name == "" {
		return &InvalidPackageError{Field: "name", Reason: "is required"}
	}
	return nil
}

// Purchase is a credit grant. RemainingSessions starts at the package's
// session count and only ever decreases, never below zero.
type Purchase struct {
	ID                PurchaseID
	ClientID          ClientID
	PackageID         PackageID
	RemainingSessions int
	PurchaseDate      time.Time
}

// Session is one consumption event. It is created exactly once per
// successful check-in and only deleted as a compensating rollback.
type Session struct {
	ID          SessionID
	ClientID    ClientID
	TrainerID   TrainerID
	CheckInTime time.Time
}

// =============================================================================
// PURCHASE QUERIES
// =============================================================================

// PurchaseOrder decides which credit batch is depleted first.
type PurchaseOrder string

const (
	// NewestFirst consumes the most recent purchase before older ones.
	NewestFirst PurchaseOrder = "newest"
	// OldestFirst consumes purchases in the order they were bought (FIFO).
	OldestFirst PurchaseOrder = "oldest"
)

// ParsePurchaseOrder accepts "newest" or "oldest".
func ParsePurchaseOrder(s string) (PurchaseOrder, bool) {
	switch PurchaseOrder(s) {
	case NewestFirst:
		return NewestFirst, true
	case OldestFirst:
		return OldestFirst, true
	}
	return "", false
}

type PurchaseQuery struct {
	// ActiveOnly restricts results to purchases with RemainingSessions > 0.
	ActiveOnly bool
	Order      PurchaseOrder
}
