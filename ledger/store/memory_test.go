package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkin-engine/ledger"
	"github.com/warp/checkin-engine/ledger/store"
	"github.com/warp/checkin-engine/ledger/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T, clock ledger.Clock) ledger.Backend {
		return store.NewMemory(clock)
	})
}

func TestTxMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T, clock ledger.Clock) ledger.Backend {
		return store.NewTxMemory(clock)
	})
}

func TestMemory_NewClientStartsAtZero(t *testing.T) {
	// GIVEN: A new client saved with a non-zero balance
	// THEN: The cache starts at zero; only purchases grant credits

	m := store.NewMemory(nil)
	ctx := context.Background()
	require.NoError(t, m.SaveTrainer(ctx, ledger.Trainer{ID: "trainer-1"}))
	require.NoError(t, m.SaveClient(ctx, ledger.Client{ID: "client-1", TrainerID: "trainer-1", Name: "Jordan", RemainingSessions: 10}))

	c, err := m.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.RemainingSessions)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory(nil)
	storetest.Seed(t, m)
	ctx := context.Background()

	require.NoError(t, m.Reset(ctx))

	_, err := m.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
	_, err = m.GetTrainer(ctx, "trainer-1")
	assert.ErrorIs(t, err, ledger.ErrTrainerNotFound)
}

func TestTxMemory_RollbackRestoresOrdering(t *testing.T) {
	// GIVEN: A failed transaction that inserted a purchase
	// WHEN: Inserting two purchases with the same date afterwards
	// THEN: Newest-first still follows insertion order

	m := store.NewTxMemory(ledger.NewManualClock(storetest.T0))
	storetest.Seed(t, m)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertPurchase(ctx, ledger.Purchase{ID: "p-tmp", ClientID: "client-1", PackageID: "pkg-10", RemainingSessions: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	at := storetest.T0.Add(-time.Hour)
	for _, id := range []ledger.PurchaseID{"p-a", "p-b"} {
		require.NoError(t, m.InsertPurchase(ctx, ledger.Purchase{ID: id, ClientID: "client-1", PackageID: "pkg-10", RemainingSessions: 1, PurchaseDate: at}))
	}

	ps, err := m.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{Order: ledger.NewestFirst})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, ledger.PurchaseID("p-b"), ps[0].ID)
}

func TestMemory_SavePackage_RequiresTrainer(t *testing.T) {
	m := store.NewMemory(nil)
	err := m.SavePackage(context.Background(), ledger.Package{
		ID: "pkg-1", TrainerID: "ghost", Name: "Drop-in", SessionCount: 1, Price: decimal.NewFromInt(30),
	})
	assert.ErrorIs(t, err, ledger.ErrTrainerNotFound)
}
