/*
balance.go - Session Balance Calculator

PURPOSE:
  Answers "how many sessions does this client have left?" from the ledger,
  not from the cached Client.RemainingSessions field.

CALCULATION:
  Balance = Σ purchase.RemainingSessions over every purchase of the client.
  Exhausted purchases contribute zero.

FAILURE MODE:
  A missing client, an unreachable store or a negative purchase counter
  yields a *LookupError. Zero is only ever returned when the client
  genuinely has no credits.

SEE ALSO:
  - reconcile.go: Rewrites drifted caches using this calculator
  - checkin/protocol.go: Recomputes the cache after each check-in
*/
package ledger

import (
	"context"
	"fmt"
)

// BalanceCalculator computes balances from the purchase ledger.
type BalanceCalculator struct {
	Store Store
}

func NewBalanceCalculator(store Store) *BalanceCalculator {
	return &BalanceCalculator{Store: store}
}

// CalculateRemainingSessions returns the authoritative balance for a client.
// Tombstoned clients still have a balance; their ledger rows are kept.
func (bc *BalanceCalculator) CalculateRemainingSessions(ctx context.Context, clientID ClientID) (int, error) {
	if _, err := bc.Store.GetClient(ctx, clientID); err != nil {
		return 0, &LookupError{ClientID: clientID, Err: err}
	}
	return ledgerBalance(ctx, bc.Store, clientID)
}

// SumRemaining adds up purchase counters. A negative counter means the
// ledger is corrupt and is reported instead of being folded into the sum.
func SumRemaining(purchases []Purchase) (int, error) {
	total := 0
	for _, p := range purchases {
		if p.RemainingSessions < 0 {
			return 0, fmt.Errorf("purchase %s: %w", p.ID, ErrInvalidRemaining)
		}
		total += p.RemainingSessions
	}
	return total, nil
}

// Refresh recomputes the balance and writes it to the client cache.
// It returns the computed balance even when the cache write fails.
func (bc *BalanceCalculator) Refresh(ctx context.Context, clientID ClientID) (int, error) {
	_, balance, err := bc.sync(ctx, clientID, true)
	return balance, err
}

// =============================================================================
// CACHE SYNC
// =============================================================================

// maxSyncAttempts bounds how often a cache write is repeated when the ledger
// keeps moving underneath it.
const maxSyncAttempts = 3

// sync brings the client cache in line with the ledger and returns the cached
// value it found. Unless always is set, an in-sync cache is not rewritten.
//
// With a TxStore the read and the write share one transaction, so a check-in
// cannot commit in between. Without one, the ledger is read again after the
// write and the write repeated if a concurrent check-in moved it.
func (bc *BalanceCalculator) sync(ctx context.Context, clientID ClientID, always bool) (cached, balance int, err error) {
	if tx, ok := bc.Store.(TxStore); ok {
		for i := 1; ; i++ {
			err = tx.WithTx(ctx, func(s Store) error {
				var txErr error
				cached, balance, txErr = syncCache(ctx, s, clientID, always)
				return txErr
			})
			if err == nil || !IsRetryable(err) || i >= maxSyncAttempts {
				return cached, balance, err
			}
		}
	}

	cached, balance, err = syncCache(ctx, bc.Store, clientID, always)
	if err != nil {
		return cached, balance, err
	}
	for i := 1; i < maxSyncAttempts; i++ {
		current, err := ledgerBalance(ctx, bc.Store, clientID)
		if err != nil || current == balance {
			return cached, balance, nil
		}
		if err := bc.Store.UpdateClientRemainingSessions(ctx, clientID, current); err != nil {
			return cached, current, fmt.Errorf("write cached balance: %w", err)
		}
		balance = current
	}
	return cached, balance, nil
}

func syncCache(ctx context.Context, s Store, clientID ClientID, always bool) (cached, balance int, err error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return 0, 0, &LookupError{ClientID: clientID, Err: err}
	}
	balance, err = ledgerBalance(ctx, s, clientID)
	if err != nil {
		return client.RemainingSessions, 0, err
	}
	if !always && balance == client.RemainingSessions {
		return client.RemainingSessions, balance, nil
	}
	if err := s.UpdateClientRemainingSessions(ctx, clientID, balance); err != nil {
		return client.RemainingSessions, balance, fmt.Errorf("write cached balance: %w", err)
	}
	return client.RemainingSessions, balance, nil
}

// ledgerBalance sums the client's purchase counters. Every failure is a
// *LookupError.
func ledgerBalance(ctx context.Context, s Store, clientID ClientID) (int, error) {
	purchases, err := s.ListPurchases(ctx, clientID, PurchaseQuery{Order: OldestFirst})
	if err != nil {
		return 0, &LookupError{ClientID: clientID, Err: err}
	}
	total, err := SumRemaining(purchases)
	if err != nil {
		return 0, &LookupError{ClientID: clientID, Err: err}
	}
	return total, nil
}
