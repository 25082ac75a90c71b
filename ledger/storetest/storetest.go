// Package storetest is a conformance suite every Ledger Store runs in its
// own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
)

// T0 is the start time of every suite clock.
var T0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Factory returns an empty backend that stamps sessions with clock.
type Factory func(t *testing.T, clock ledger.Clock) ledger.Backend

// Run executes the suite against the backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("PurchaseOrder", func(t *testing.T) { testPurchaseOrder(t, newBackend) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newBackend) })
	t.Run("SessionWindow", func(t *testing.T) { testSessionWindow(t, newBackend) })
	t.Run("ClientDirectory", func(t *testing.T) { testClientDirectory(t, newBackend) })
	t.Run("PackageCatalog", func(t *testing.T) { testPackageCatalog(t, newBackend) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newBackend) })
	t.Run("ConcurrentCheckIn", func(t *testing.T) { testConcurrentCheckIn(t, newBackend) })
}

// Seed creates trainer-1, client-1 and a ten-session package pkg-10.
func Seed(t *testing.T, b ledger.Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.SaveTrainer(ctx, ledger.Trainer{ID: "trainer-1", Name: "Alex", Email: "alex@example.com"}))
	require.NoError(t, b.SaveClient(ctx, ledger.Client{ID: "client-1", TrainerID: "trainer-1", Name: "Jordan", Phone: "555-0101"}))
	require.NoError(t, b.SavePackage(ctx, ledger.Package{
		ID: "pkg-10", TrainerID: "trainer-1", Name: "Ten pack", SessionCount: 10, Price: decimal.RequireFromString("249.99"),
	}))
}

func insertPurchase(t *testing.T, b ledger.Backend, id string, remaining int, at time.Time) {
	t.Helper()
	require.NoError(t, b.InsertPurchase(context.Background(), ledger.Purchase{
		ID: ledger.PurchaseID(id), ClientID: "client-1", PackageID: "pkg-10", RemainingSessions: remaining, PurchaseDate: at,
	}))
}

func purchaseIDs(ps []ledger.Purchase) []ledger.PurchaseID {
	var ids []ledger.PurchaseID
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}

func testPurchaseOrder(t *testing.T, newBackend Factory) {
	b := newBackend(t, ledger.NewManualClock(T0))
	Seed(t, b)
	ctx := context.Background()

	insertPurchase(t, b, "p-jan", 1, T0.AddDate(0, -2, 0))
	insertPurchase(t, b, "p-feb-a", 2, T0.AddDate(0, -1, 0))
	insertPurchase(t, b, "p-feb-b", 0, T0.AddDate(0, -1, 0))

	oldest, err := b.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{Order: ledger.OldestFirst})
	require.NoError(t, err)
	assert.Equal(t, []ledger.PurchaseID{"p-jan", "p-feb-a", "p-feb-b"}, purchaseIDs(oldest))
	assert.True(t, oldest[0].PurchaseDate.Equal(T0.AddDate(0, -2, 0)))

	newest, err := b.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{Order: ledger.NewestFirst})
	require.NoError(t, err)
	assert.Equal(t, []ledger.PurchaseID{"p-feb-b", "p-feb-a", "p-jan"}, purchaseIDs(newest))

	active, err := b.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{ActiveOnly: true, Order: ledger.NewestFirst})
	require.NoError(t, err)
	assert.Equal(t, []ledger.PurchaseID{"p-feb-a", "p-jan"}, purchaseIDs(active))

	err = b.InsertPurchase(ctx, ledger.Purchase{ID: "p-x", ClientID: "ghost", PackageID: "pkg-10", RemainingSessions: 1, PurchaseDate: T0})
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
	err = b.InsertPurchase(ctx, ledger.Purchase{ID: "p-y", ClientID: "client-1", PackageID: "ghost", RemainingSessions: 1, PurchaseDate: T0})
	assert.ErrorIs(t, err, ledger.ErrPackageNotFound)
}

func testCompareAndSwap(t *testing.T, newBackend Factory) {
	b := newBackend(t, ledger.NewManualClock(T0))
	Seed(t, b)
	ctx := context.Background()
	insertPurchase(t, b, "p-1", 2, T0)

	require.NoError(t, b.CompareAndSwapPurchaseRemaining(ctx, "p-1", 2, 1))
	assert.ErrorIs(t, b.CompareAndSwapPurchaseRemaining(ctx, "p-1", 2, 1), ledger.ErrConcurrentModification)
	require.NoError(t, b.CompareAndSwapPurchaseRemaining(ctx, "p-1", 1, 0))
	assert.ErrorIs(t, b.CompareAndSwapPurchaseRemaining(ctx, "p-1", 0, -1), ledger.ErrInvalidRemaining)
	assert.ErrorIs(t, b.CompareAndSwapPurchaseRemaining(ctx, "ghost", 1, 0), ledger.ErrPurchaseNotFound)

	assert.ErrorIs(t, b.UpdatePurchaseRemaining(ctx, "p-1", -1), ledger.ErrInvalidRemaining)
	require.NoError(t, b.UpdatePurchaseRemaining(ctx, "p-1", 5))

	require.NoError(t, b.UpdateClientRemainingSessions(ctx, "client-1", 5))
	assert.ErrorIs(t, b.UpdateClientRemainingSessions(ctx, "ghost", 1), ledger.ErrClientNotFound)
	c, err := b.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.RemainingSessions)
}

func testSessionWindow(t *testing.T, newBackend Factory) {
	clock := ledger.NewManualClock(T0)
	b := newBackend(t, clock)
	Seed(t, b)
	ctx := context.Background()

	first, err := b.InsertSession(ctx, "client-1", "trainer-1")
	require.NoError(t, err)
	assert.True(t, first.CheckInTime.Equal(T0))

	clock.Advance(30 * time.Second)
	second, err := b.InsertSession(ctx, "client-1", "trainer-1")
	require.NoError(t, err)

	all, err := b.ListSessions(ctx, "client-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	inclusive, err := b.ListSessions(ctx, "client-1", T0)
	require.NoError(t, err)
	assert.Len(t, inclusive, 2)

	recent, err := b.ListSessions(ctx, "client-1", T0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ID, recent[0].ID)

	require.NoError(t, b.DeleteSession(ctx, first.ID))
	assert.ErrorIs(t, b.DeleteSession(ctx, first.ID), ledger.ErrSessionNotFound)

	_, err = b.InsertSession(ctx, "ghost", "trainer-1")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
}

func testClientDirectory(t *testing.T, newBackend Factory) {
	b := newBackend(t, ledger.NewManualClock(T0))
	Seed(t, b)
	ctx := context.Background()

	tr, err := b.GetTrainer(ctx, "trainer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alex", tr.Name)
	_, err = b.GetTrainer(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrTrainerNotFound)

	require.NoError(t, b.SaveClient(ctx, ledger.Client{ID: "client-2", TrainerID: "trainer-1", Name: "avery"}))
	require.NoError(t, b.UpdateClientRemainingSessions(ctx, "client-1", 6))
	require.NoError(t, b.SaveClient(ctx, ledger.Client{ID: "client-1", TrainerID: "trainer-1", Name: "Jordan Lee", RemainingSessions: 99}))

	c, err := b.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Jordan Lee", c.Name)
	assert.Equal(t, 6, c.RemainingSessions, "profile save must not touch the cached balance")
	assert.False(t, c.IsDeleted())

	listed, err := b.ListClients(ctx, "trainer-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, ledger.ClientID("client-2"), listed[0].ID)

	require.NoError(t, b.SoftDeleteClient(ctx, "client-2", T0))
	assert.ErrorIs(t, b.SoftDeleteClient(ctx, "client-2", T0), ledger.ErrClientNotFound)

	listed, err = b.ListClients(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	gone, err := b.GetClient(ctx, "client-2")
	require.NoError(t, err)
	require.True(t, gone.IsDeleted())
	assert.True(t, gone.DeletedAt.Equal(T0))

	_, err = b.GetClient(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
	assert.ErrorIs(t, b.SaveClient(ctx, ledger.Client{ID: "client-3", TrainerID: "ghost", Name: "X"}), ledger.ErrTrainerNotFound)
}

func testPackageCatalog(t *testing.T, newBackend Factory) {
	b := newBackend(t, ledger.NewManualClock(T0))
	Seed(t, b)
	ctx := context.Background()

	p, err := b.GetPackage(ctx, "pkg-10")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("249.99")))
	assert.Equal(t, 10, p.SessionCount)

	err = b.SavePackage(ctx, ledger.Package{ID: "pkg-0", TrainerID: "trainer-1", Name: "Zero", SessionCount: 0, Price: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ledger.ErrInvalidPackage)

	require.NoError(t, b.SavePackage(ctx, ledger.Package{ID: "pkg-1", TrainerID: "trainer-1", Name: "Drop-in", SessionCount: 1, Price: decimal.NewFromInt(30)}))
	listed, err := b.ListPackages(ctx, "trainer-1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, b.DeletePackage(ctx, "pkg-1"))
	assert.ErrorIs(t, b.DeletePackage(ctx, "pkg-1"), ledger.ErrPackageNotFound)

	insertPurchase(t, b, "p-1", 10, T0)
	assert.ErrorIs(t, b.DeletePackage(ctx, "pkg-10"), ledger.ErrPackageInUse)
	assert.ErrorIs(t, b.SavePackage(ctx, ledger.Package{ID: "pkg-10", TrainerID: "trainer-1", Name: "Ten pack", SessionCount: 12, Price: decimal.NewFromInt(250)}), ledger.ErrPackageInUse)
}

func testTxRollback(t *testing.T, newBackend Factory) {
	b := newBackend(t, ledger.NewManualClock(T0))
	tx, ok := b.(ledger.TxStore)
	if !ok {
		t.Skip("backend has no transactions")
	}
	Seed(t, b)
	ctx := context.Background()
	insertPurchase(t, b, "p-1", 3, T0)
	boom := errors.New("boom")

	err := tx.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.InsertSession(ctx, "client-1", "trainer-1"); err != nil {
			return err
		}
		if err := s.CompareAndSwapPurchaseRemaining(ctx, "p-1", 3, 2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sessions, err := b.ListSessions(ctx, "client-1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	ps, err := b.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, ps[0].RemainingSessions)
}

func testConcurrentCheckIn(t *testing.T, newBackend Factory) {
	// GIVEN: Six simultaneous check-ins for one client
	// THEN: Exactly one settles and exactly one credit is consumed

	clock := ledger.NewManualClock(T0)
	b := newBackend(t, clock)
	if _, ok := b.(ledger.TxStore); !ok {
		t.Skip("compensating stores only bound the double-tap race")
	}
	Seed(t, b)
	insertPurchase(t, b, "p-1", 5, T0.AddDate(0, 0, -1))
	p := checkin.NewProtocol(b, checkin.Config{Clock: clock})

	const n = 6
	results := make([]checkin.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.CheckIn(context.Background(), "client-1", "trainer-1")
		}()
	}
	wg.Wait()

	settled := 0
	for _, r := range results {
		if r.Success {
			settled++
			continue
		}
		assert.Contains(t, []checkin.ErrorKind{checkin.KindRecentCheckIn, checkin.KindSessionCreationFailed}, r.Error)
	}
	assert.Equal(t, 1, settled)

	ctx := context.Background()
	ps, err := b.ListPurchases(ctx, "client-1", ledger.PurchaseQuery{})
	require.NoError(t, err)
	assert.Equal(t, 4, ps[0].RemainingSessions)

	sessions, err := b.ListSessions(ctx, "client-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	c, err := b.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 4, c.RemainingSessions)
}
