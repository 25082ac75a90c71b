package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkin-engine/ledger"
	"github.com/warp/checkin-engine/ledger/store"
)

func TestPurchaseRecorder_GrantsCreditsAndRefreshesCache(t *testing.T) {
	// GIVEN: A client with a 3-session purchase
	// WHEN: Selling the 10-session package
	// THEN: The new purchase starts at 10 and the cache reads 13

	f := newFixture(t)
	f.purchase(t, "p-old", 3, t0.Add(-24*time.Hour))
	ctx := context.Background()

	p, balance, err := ledger.NewPurchaseRecorder(f.store, f.clock).Record(ctx, "client-1", "pkg-10")
	require.NoError(t, err)
	assert.Equal(t, 10, p.RemainingSessions)
	assert.Equal(t, t0, p.PurchaseDate)
	assert.Equal(t, 13, balance)

	c, err := f.store.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 13, c.RemainingSessions)
}

func TestPurchaseRecorder_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SavePackage(ctx, ledger.Package{
		ID: "pkg-other", TrainerID: "trainer-2", Name: "Other", SessionCount: 5, Price: decimal.NewFromInt(100),
	}))
	require.NoError(t, f.store.SaveClient(ctx, ledger.Client{ID: "client-gone", TrainerID: "trainer-1", Name: "Gone"}))
	require.NoError(t, f.store.SoftDeleteClient(ctx, "client-gone", t0))

	r := ledger.NewPurchaseRecorder(f.store, f.clock)

	_, _, err := r.Record(ctx, "ghost", "pkg-10")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)

	_, _, err = r.Record(ctx, "client-gone", "pkg-10")
	assert.ErrorIs(t, err, ledger.ErrClientDeleted)

	_, _, err = r.Record(ctx, "client-1", "pkg-missing")
	assert.ErrorIs(t, err, ledger.ErrPackageNotFound)

	_, _, err = r.Record(ctx, "client-1", "pkg-other")
	assert.ErrorIs(t, err, ledger.ErrPackageTrainerMismatch)

	purchases, err := f.store.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{})
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestPurchaseRecorder_TxStore_RollsBackOnCacheFailure(t *testing.T) {
	// GIVEN: A transactional store whose cache write fails inside the tx
	// WHEN: Recording a purchase
	// THEN: Nothing is kept

	clock := ledger.NewManualClock(t0)
	mem := store.NewTxMemory(clock)
	ctx := context.Background()
	require.NoError(t, mem.SaveTrainer(ctx, ledger.Trainer{ID: "trainer-1"}))
	require.NoError(t, mem.SaveClient(ctx, ledger.Client{ID: "client-1", TrainerID: "trainer-1", Name: "Jordan"}))
	require.NoError(t, mem.SavePackage(ctx, ledger.Package{
		ID: "pkg-10", TrainerID: "trainer-1", Name: "Ten pack", SessionCount: 10, Price: decimal.NewFromInt(250),
	}))

	tx := &failingTx{TxMemory: mem}
	_, _, err := ledger.NewPurchaseRecorder(tx, clock).Record(ctx, "client-1", "pkg-10")
	require.Error(t, err)

	purchases, err := mem.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{})
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

// failingTx fails the cache write inside every transaction.
type failingTx struct {
	*store.TxMemory
}

func (f *failingTx) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s ledger.Store) error {
		return fn(&failingStore{Store: s, updateClientErr: ledger.ErrStoreUnavailable})
	})
}
