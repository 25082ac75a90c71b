package checkin_test

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
	"github.com/warp/checkin-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

const (
	client  ledger.ClientID  = "client-1"
	trainer ledger.TrainerID = "trainer-1"
)

type env struct {
	mem   *store.TxMemory
	clock *ledger.ManualClock
	rec   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := ledger.NewManualClock(t0)
	mem := store.NewTxMemory(clock)
	ctx := context.Background()
	require.NoError(t, mem.SaveTrainer(ctx, ledger.Trainer{ID: trainer, Name: "Alex"}))
	require.NoError(t, mem.SaveTrainer(ctx, ledger.Trainer{ID: "trainer-2", Name: "Sam"}))
	require.NoError(t, mem.SaveClient(ctx, ledger.Client{ID: client, TrainerID: trainer, Name: "Jordan"}))
	require.NoError(t, mem.SavePackage(ctx, ledger.Package{
		ID: "pkg-10", TrainerID: trainer, Name: "Ten pack", SessionCount: 10, Price: decimal.NewFromInt(250),
	}))
	return &env{mem: mem, clock: clock, rec: &recorder{}}
}

// grant inserts a purchase bought daysAgo days before t0 and refreshes the cache.
func (e *env) grant(t *testing.T, id string, remaining, daysAgo int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.mem.InsertPurchase(ctx, ledger.Purchase{
		ID:                ledger.PurchaseID(id),
		ClientID:          client,
		PackageID:         "pkg-10",
		RemainingSessions: remaining,
		PurchaseDate:      t0.AddDate(0, 0, -daysAgo),
	}))
	_, err := ledger.NewBalanceCalculator(e.mem).Refresh(ctx, client)
	require.NoError(t, err)
}

// atomic runs the protocol over the transactional store.
func (e *env) atomic(cfg checkin.Config) *checkin.Protocol {
	cfg.Clock, cfg.Recorder = e.clock, e.rec
	return checkin.NewProtocol(e.mem, cfg)
}

// compensating runs the protocol over s without transactions.
func (e *env) compensating(s ledger.Store, cfg checkin.Config) *checkin.Protocol {
	cfg.Clock, cfg.Recorder = e.clock, e.rec
	return checkin.NewProtocol(s, cfg)
}

func (e *env) remaining(t *testing.T, id string) int {
	t.Helper()
	ps, err := e.mem.ListPurchases(context.Background(), client, ledger.PurchaseQuery{})
	require.NoError(t, err)
	for _, p := range ps {
		if p.ID == ledger.PurchaseID(id) {
			return p.RemainingSessions
		}
	}
	t.Fatalf("purchase %s not found", id)
	return 0
}

func (e *env) sessions(t *testing.T) int {
	t.Helper()
	ss, err := e.mem.ListSessions(context.Background(), client, time.Time{})
	require.NoError(t, err)
	return len(ss)
}

// assertInvariant checks cache == ledger sum for the client.
func (e *env) assertInvariant(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	c, err := e.mem.GetClient(ctx, client)
	require.NoError(t, err)
	actual, err := ledger.NewBalanceCalculator(e.mem).CalculateRemainingSessions(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, actual, c.RemainingSessions, "cached balance drifted from ledger")
}

type recorder struct {
	mu                 sync.Mutex
	outcomes           []string
	rollbackFailures   int
	cacheWriteFailures int
}

func (r *recorder) RecordCheckIn(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) RecordRollbackFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackFailures++
}

func (r *recorder) RecordCacheWriteFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheWriteFailures++
}

// faultyStore injects failures into a ledger.Store. It hides WithTx, so the
// protocol takes the compensating path.
type faultyStore struct {
	ledger.Store

	insertErr      error
	casErr         error
	deleteErr      error
	updateCacheErr error

	// getClientFailFrom fails GetClient from the n-th call on (1-based).
	getClientFailFrom int
	getClientCalls    int

	panicOnGetClient bool
	blockListSession bool

	// corruptFullListing adds a negative counter to listings that include
	// exhausted purchases, which only the balance recompute asks for.
	corruptFullListing bool

	// beforeCAS runs once before the first compare-and-swap.
	beforeCAS func()
}

func (f *faultyStore) GetClient(ctx context.Context, id ledger.ClientID) (ledger.Client, error) {
	if f.panicOnGetClient {
		panic("corrupt row")
	}
	f.getClientCalls++
	if f.getClientFailFrom > 0 && f.getClientCalls >= f.getClientFailFrom {
		return ledger.Client{}, ledger.ErrStoreUnavailable
	}
	return f.Store.GetClient(ctx, id)
}

func (f *faultyStore) ListSessions(ctx context.Context, id ledger.ClientID, since time.Time) ([]ledger.Session, error) {
	if f.blockListSession {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.Store.ListSessions(ctx, id, since)
}

func (f *faultyStore) ListPurchases(ctx context.Context, id ledger.ClientID, q ledger.PurchaseQuery) ([]ledger.Purchase, error) {
	purchases, err := f.Store.ListPurchases(ctx, id, q)
	if err == nil && f.corruptFullListing && !q.ActiveOnly {
		purchases = append(purchases, ledger.Purchase{ID: "p-corrupt", ClientID: id, RemainingSessions: -1})
	}
	return purchases, err
}

func (f *faultyStore) InsertSession(ctx context.Context, id ledger.ClientID, tid ledger.TrainerID) (ledger.Session, error) {
	if f.insertErr != nil {
		return ledger.Session{}, f.insertErr
	}
	return f.Store.InsertSession(ctx, id, tid)
}

func (f *faultyStore) CompareAndSwapPurchaseRemaining(ctx context.Context, id ledger.PurchaseID, old, next int) error {
	if f.beforeCAS != nil {
		hook := f.beforeCAS
		f.beforeCAS = nil
		hook()
	}
	if f.casErr != nil {
		return f.casErr
	}
	return f.Store.CompareAndSwapPurchaseRemaining(ctx, id, old, next)
}

func (f *faultyStore) DeleteSession(ctx context.Context, id ledger.SessionID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.DeleteSession(ctx, id)
}

func (f *faultyStore) UpdateClientRemainingSessions(ctx context.Context, id ledger.ClientID, n int) error {
	if f.updateCacheErr != nil {
		return f.updateCacheErr
	}
	return f.Store.UpdateClientRemainingSessions(ctx, id, n)
}

// faultyTx applies faults to the store view inside every transaction.
type faultyTx struct {
	*store.TxMemory
	faults faultyStore
}

func (f *faultyTx) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s ledger.Store) error {
		faults := f.faults
		faults.Store = s
		return fn(&faults)
	})
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCheckIn_ScenarioA_SinglePurchase(t *testing.T) {
	// GIVEN: One purchase with 3 sessions left
	// WHEN: Checking in
	// THEN: Success with 2 remaining; purchase row is 2

	for name, protocol := range protocols(t) {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.grant(t, "p-1", 3, 1)

			res := protocol(e).CheckIn(context.Background(), client, trainer)

			require.True(t, res.Success, "error: %s", res.Error)
			assert.Equal(t, 2, res.RemainingSessions)
			assert.Equal(t, checkin.StateSettled, res.State)
			assert.NotEmpty(t, res.SessionID)
			assert.NotEmpty(t, res.Message)
			assert.Equal(t, 2, e.remaining(t, "p-1"))
			assert.Equal(t, 1, e.sessions(t))
			e.assertInvariant(t)
		})
	}
}

func TestCheckIn_ScenarioB_NewestPurchaseFirst(t *testing.T) {
	// GIVEN: Purchases [newest=2, older=5]
	// WHEN: Checking in three times, more than 30s apart
	// THEN: Newest goes 2->1->0, then older goes 5->4

	for name, protocol := range protocols(t) {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.grant(t, "p-old", 5, 30)
			e.grant(t, "p-new", 2, 1)
			p := protocol(e)
			ctx := context.Background()

			wantNew := []int{1, 0, 0}
			wantOld := []int{5, 5, 4}
			wantBalance := []int{6, 5, 4}

			for i := range 3 {
				res := p.CheckIn(ctx, client, trainer)
				require.True(t, res.Success, "check-in %d: %s", i+1, res.Error)
				assert.Equal(t, wantBalance[i], res.RemainingSessions)
				assert.Equal(t, wantNew[i], e.remaining(t, "p-new"))
				assert.Equal(t, wantOld[i], e.remaining(t, "p-old"))
				e.assertInvariant(t)
				e.clock.Advance(31 * time.Second)
			}
		})
	}
}

func TestCheckIn_ScenarioC_NoPurchases(t *testing.T) {
	for name, protocol := range protocols(t) {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)

			res := protocol(e).CheckIn(context.Background(), client, trainer)

			assert.False(t, res.Success)
			assert.Equal(t, checkin.KindNoSessionsLeft, res.Error)
			assert.Equal(t, checkin.StateRejected, res.State)
			assert.Equal(t, 0, e.sessions(t))
		})
	}
}

func TestCheckIn_ScenarioD_RecentCheckIn(t *testing.T) {
	// GIVEN: A client with 5 sessions checks in at t=0
	// WHEN: Checking in again at t=10s
	// THEN: RECENT_CHECK_IN with a 20s wait; balance stays 4

	for name, protocol := range protocols(t) {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.grant(t, "p-1", 5, 1)
			p := protocol(e)
			ctx := context.Background()

			first := p.CheckIn(ctx, client, trainer)
			require.True(t, first.Success)
			assert.Equal(t, 4, first.RemainingSessions)

			e.clock.Advance(10 * time.Second)
			second := p.CheckIn(ctx, client, trainer)

			assert.False(t, second.Success)
			assert.Equal(t, checkin.KindRecentCheckIn, second.Error)
			assert.Equal(t, 20*time.Second, second.RetryAfter)
			assert.Contains(t, second.Message, "20 seconds")
			assert.Equal(t, 4, e.remaining(t, "p-1"))
			assert.Equal(t, 1, e.sessions(t))
			e.assertInvariant(t)
		})
	}
}

// protocols returns a constructor for each commit path.
func protocols(t *testing.T) map[string]func(*env) *checkin.Protocol {
	t.Helper()
	return map[string]func(*env) *checkin.Protocol{
		"atomic": func(e *env) *checkin.Protocol { return e.atomic(checkin.Config{}) },
		"compensating": func(e *env) *checkin.Protocol {
			return e.compensating(e.mem.Memory, checkin.Config{})
		},
	}
}

// =============================================================================
// PROPERTY TESTS
// =============================================================================

func TestCheckIn_ZeroFloor(t *testing.T) {
	// GIVEN: Every purchase is exhausted
	// THEN: NO_SESSIONS_LEFT and no session row, every time

	e := newEnv(t)
	e.grant(t, "p-1", 0, 1)
	p := e.atomic(checkin.Config{})

	for range 3 {
		res := p.CheckIn(context.Background(), client, trainer)
		assert.Equal(t, checkin.KindNoSessionsLeft, res.Error)
		e.clock.Advance(time.Minute)
	}
	assert.Equal(t, 0, e.sessions(t))
	assert.Equal(t, 0, e.remaining(t, "p-1"))
}

func TestCheckIn_ConcurrentDoubleTap_ExactlyOneSettles(t *testing.T) {
	// GIVEN: Eight simultaneous check-ins for the same client
	// WHEN: Running them concurrently against the transactional store
	// THEN: Exactly one settles; the balance drops by exactly one

	e := newEnv(t)
	e.grant(t, "p-1", 5, 1)
	p := e.atomic(checkin.Config{})

	const n = 8
	results := make([]checkin.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.CheckIn(context.Background(), client, trainer)
		}()
	}
	wg.Wait()

	settled := 0
	for _, r := range results {
		if r.Success {
			settled++
			continue
		}
		assert.Equal(t, checkin.KindRecentCheckIn, r.Error)
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 4, e.remaining(t, "p-1"))
	assert.Equal(t, 1, e.sessions(t))
	e.assertInvariant(t)
}

func TestCheckIn_OldestFirstOrder(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-old", 5, 30)
	e.grant(t, "p-new", 2, 1)

	res := e.atomic(checkin.Config{Order: ledger.OldestFirst}).CheckIn(context.Background(), client, trainer)

	require.True(t, res.Success)
	assert.Equal(t, 4, e.remaining(t, "p-old"))
	assert.Equal(t, 2, e.remaining(t, "p-new"))
}

func TestCheckIn_CustomCooldown(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 5, 1)
	p := e.atomic(checkin.Config{Cooldown: 5 * time.Second})
	ctx := context.Background()

	require.True(t, p.CheckIn(ctx, client, trainer).Success)
	e.clock.Advance(6 * time.Second)
	require.True(t, p.CheckIn(ctx, client, trainer).Success)
	assert.Equal(t, 3, e.remaining(t, "p-1"))
}

// =============================================================================
// CLIENT VALIDATION TESTS
// =============================================================================

func TestCheckIn_ClientNotFound(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 5, 1)
	ctx := context.Background()
	require.NoError(t, e.mem.SaveClient(ctx, ledger.Client{ID: "client-gone", TrainerID: trainer, Name: "Gone"}))
	require.NoError(t, e.mem.SoftDeleteClient(ctx, "client-gone", t0))
	p := e.atomic(checkin.Config{})

	tests := []struct {
		name      string
		clientID  ledger.ClientID
		trainerID ledger.TrainerID
	}{
		{"unknown client", "ghost", trainer},
		{"tombstoned client", "client-gone", trainer},
		{"another trainer's client", client, "trainer-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.CheckIn(ctx, tt.clientID, tt.trainerID)
			assert.Equal(t, checkin.KindClientNotFound, res.Error)
			assert.Equal(t, checkin.StateRejected, res.State)
		})
	}
	assert.Equal(t, 0, e.sessions(t))
	assert.Equal(t, 5, e.remaining(t, "p-1"))
}

// =============================================================================
// PARTIAL-COMMIT TESTS
// =============================================================================

func TestCheckIn_DecrementFails_SessionRolledBack(t *testing.T) {
	// GIVEN: The purchase decrement fails after the session was inserted
	// WHEN: Checking in
	// THEN: The session is deleted, the balance is unchanged, a retry succeeds

	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory, casErr: errors.New("row locked")}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	assert.False(t, res.Success)
	assert.Equal(t, checkin.KindSessionCreationFailed, res.Error)
	assert.Equal(t, checkin.StateRolledBack, res.State)
	assert.True(t, res.Error.Retryable())
	assert.Equal(t, 0, e.sessions(t))
	assert.Equal(t, 3, e.remaining(t, "p-1"))
	e.assertInvariant(t)

	faulty.casErr = nil
	retry := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)
	require.True(t, retry.Success)
	assert.Equal(t, 2, retry.RemainingSessions)
}

func TestCheckIn_DecrementNetworkError_ReportsNetwork(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory, casErr: ledger.ErrStoreUnavailable}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	assert.Equal(t, checkin.KindNetworkError, res.Error)
	assert.Equal(t, checkin.StateRolledBack, res.State)
	assert.Equal(t, 0, e.sessions(t))
}

func TestCheckIn_RollbackFails_PurchaseUpdateFailed(t *testing.T) {
	// GIVEN: The decrement fails and the compensating delete fails too
	// THEN: PURCHASE_UPDATE_FAILED is surfaced, the orphan session stays
	//       visible and the rollback failure is recorded

	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{
		Store:     e.mem.Memory,
		casErr:    errors.New("row locked"),
		deleteErr: ledger.ErrStoreUnavailable,
	}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	assert.False(t, res.Success)
	assert.Equal(t, checkin.KindPurchaseUpdateFailed, res.Error)
	assert.False(t, res.Error.Retryable())
	assert.Equal(t, 1, e.sessions(t))
	assert.Equal(t, 3, e.remaining(t, "p-1"))
	assert.Equal(t, 1, e.rec.rollbackFailures)
}

func TestCheckIn_InsertFails(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want checkin.ErrorKind
	}{
		{"store fault", errors.New("constraint violated"), checkin.KindSessionCreationFailed},
		{"unreachable", ledger.ErrStoreUnavailable, checkin.KindNetworkError},
		{"deadline", context.DeadlineExceeded, checkin.KindTimeoutError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.grant(t, "p-1", 3, 1)
			faulty := &faultyStore{Store: e.mem.Memory, insertErr: tt.err}

			res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

			assert.Equal(t, tt.want, res.Error)
			assert.Equal(t, checkin.StateRejected, res.State)
			assert.Equal(t, 3, e.remaining(t, "p-1"))
		})
	}
}

func TestCheckIn_Atomic_DecrementFails_NothingPersists(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	tx := &faultyTx{TxMemory: e.mem, faults: faultyStore{casErr: errors.New("row locked")}}

	res := checkin.NewProtocol(tx, checkin.Config{Clock: e.clock}).CheckIn(context.Background(), client, trainer)

	assert.Equal(t, checkin.KindSessionCreationFailed, res.Error)
	assert.Equal(t, checkin.StateRolledBack, res.State)
	assert.Equal(t, 0, e.sessions(t))
	assert.Equal(t, 3, e.remaining(t, "p-1"))
}

func TestCheckIn_Atomic_ConflictExhaustsRetries(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	tx := &faultyTx{TxMemory: e.mem, faults: faultyStore{casErr: ledger.ErrConcurrentModification}}

	res := checkin.NewProtocol(tx, checkin.Config{Clock: e.clock, MaxAttempts: 2}).CheckIn(context.Background(), client, trainer)

	assert.Equal(t, checkin.KindSessionCreationFailed, res.Error)
	assert.Equal(t, 0, e.sessions(t))
}

// =============================================================================
// COMPARE-AND-SWAP TESTS
// =============================================================================

func TestCheckIn_LostRace_ReselectsPurchase(t *testing.T) {
	// GIVEN: Another device decrements the selected purchase between our read
	//        and our compare-and-swap
	// THEN: The protocol re-reads and decrements once more; no credit is lost

	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory}
	faulty.beforeCAS = func() {
		require.NoError(t, e.mem.UpdatePurchaseRemaining(context.Background(), "p-1", 2))
	}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	require.True(t, res.Success)
	assert.Equal(t, 1, res.RemainingSessions)
	assert.Equal(t, 1, e.remaining(t, "p-1"))
}

func TestCheckIn_LostRace_LastCreditTaken(t *testing.T) {
	// GIVEN: The last credit is consumed elsewhere mid-commit
	// THEN: The session is rolled back and NO_SESSIONS_LEFT is reported

	e := newEnv(t)
	e.grant(t, "p-1", 1, 1)
	faulty := &faultyStore{Store: e.mem.Memory}
	faulty.beforeCAS = func() {
		require.NoError(t, e.mem.UpdatePurchaseRemaining(context.Background(), "p-1", 0))
	}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	assert.Equal(t, checkin.KindNoSessionsLeft, res.Error)
	assert.Equal(t, checkin.StateRolledBack, res.State)
	assert.Equal(t, 0, e.sessions(t))
}

// =============================================================================
// SETTLING TESTS
// =============================================================================

func TestCheckIn_CacheWriteFails_StillSuccess(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory, updateCacheErr: ledger.ErrStoreUnavailable}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	require.True(t, res.Success)
	assert.Equal(t, 2, res.RemainingSessions)
	assert.Equal(t, 2, e.remaining(t, "p-1"))
	assert.Equal(t, 1, e.rec.cacheWriteFailures)

	c, err := e.mem.GetClient(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, 3, c.RemainingSessions, "stale cache until reconciled")

	report, err := ledger.Reconcile(context.Background(), e.mem)
	require.NoError(t, err)
	assert.Len(t, report.Corrected, 1)
	e.assertInvariant(t)
}

func TestCheckIn_RecomputeFails_EstimatesBalance(t *testing.T) {
	// GIVEN: The balance recompute after commit cannot read the client
	// THEN: Success with the balance estimated from the validated purchases

	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	e.grant(t, "p-2", 4, 2)
	faulty := &faultyStore{Store: e.mem.Memory, getClientFailFrom: 2}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	require.True(t, res.Success)
	assert.Equal(t, 6, res.RemainingSessions)
	assert.Equal(t, 1, e.rec.cacheWriteFailures)
}

func TestCheckIn_CorruptLedgerAfterCommit_EstimatesBalance(t *testing.T) {
	// GIVEN: The balance recompute after commit finds a negative counter
	// THEN: Success with the estimated balance, never a reported zero

	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory, corruptFullListing: true}

	res := e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)

	require.True(t, res.Success)
	assert.Equal(t, 2, res.RemainingSessions)
	assert.Equal(t, 2, e.remaining(t, "p-1"))
	assert.Equal(t, 1, e.rec.cacheWriteFailures)
}

// =============================================================================
// FAILURE CONTAINMENT TESTS
// =============================================================================

func TestCheckIn_Panic_ReportedAsUnknown(t *testing.T) {
	e := newEnv(t)
	faulty := &faultyStore{Store: e.mem.Memory, panicOnGetClient: true}

	var res checkin.Result
	require.NotPanics(t, func() {
		res = e.compensating(faulty, checkin.Config{}).CheckIn(context.Background(), client, trainer)
	})
	assert.Equal(t, checkin.KindUnknownError, res.Error)
	assert.NotEmpty(t, res.Message)
	assert.NotContains(t, res.Message, "corrupt row")
	assert.Equal(t, []string{"UNKNOWN_ERROR"}, e.rec.outcomes)
}

func TestCheckIn_Timeout(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	faulty := &faultyStore{Store: e.mem.Memory, blockListSession: true}

	res := e.compensating(faulty, checkin.Config{Timeout: 20 * time.Millisecond}).CheckIn(context.Background(), client, trainer)

	assert.Equal(t, checkin.KindTimeoutError, res.Error)
	assert.Equal(t, 3, e.remaining(t, "p-1"))
}

func TestCheckIn_RecordsOutcomes(t *testing.T) {
	e := newEnv(t)
	e.grant(t, "p-1", 3, 1)
	p := e.atomic(checkin.Config{})
	ctx := context.Background()

	p.CheckIn(ctx, client, trainer)
	p.CheckIn(ctx, client, trainer)

	assert.Equal(t, []string{"success", "RECENT_CHECK_IN"}, e.rec.outcomes)
	assert.True(t, p.Atomic())
}
