package ledger

import (
	"context"
	"fmt"
)

// PurchaseRecorder grants credits by recording a Purchase and refreshing the
// client's cached balance in the same logical operation.
type PurchaseRecorder struct {
	Store Store
	Clock Clock
}

func NewPurchaseRecorder(store Store, clock Clock) *PurchaseRecorder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PurchaseRecorder{Store: store, Clock: clock}
}

// Record sells package packageID to client clientID. It returns the new
// purchase and the client's refreshed balance.
//
// With a TxStore the insert and the cache refresh commit together. Without
// one, a failed cache write is returned as an error after the purchase has
// been stored; Reconcile repairs the cache.
func (r *PurchaseRecorder) Record(ctx context.Context, clientID ClientID, packageID PackageID) (Purchase, int, error) {
	var (
		purchase Purchase
		balance  int
	)

	run := func(s Store) error {
		client, err := s.GetClient(ctx, clientID)
		if err != nil {
			return err
		}
		if client.IsDeleted() {
			return ErrClientDeleted
		}

		pkg, err := s.GetPackage(ctx, packageID)
		if err != nil {
			return err
		}
		if pkg.TrainerID != client.TrainerID {
			return ErrPackageTrainerMismatch
		}

		purchase = Purchase{
			ID:                PurchaseID(NewID()),
			ClientID:          clientID,
			PackageID:         packageID,
			RemainingSessions: pkg.SessionCount,
			PurchaseDate:      r.Clock.Now(),
		}
		if err := s.InsertPurchase(ctx, purchase); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		balance, err = NewBalanceCalculator(s).Refresh(ctx, clientID)
		return err
	}

	var err error
	if tx, ok := r.Store.(TxStore); ok {
		err = tx.WithTx(ctx, run)
	} else {
		err = run(r.Store)
	}
	if err != nil {
		return Purchase{}, 0, err
	}
	return purchase, balance, nil
}
