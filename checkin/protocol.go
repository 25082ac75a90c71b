/*
Package checkin implements the Check-In Protocol.

PURPOSE:
  Decides whether a check-in is allowed, consumes exactly one session
  credit, and keeps the client's cached balance equal to the ledger.

STATE MACHINE:
  Idle -> Validating -> Committing -> Settled      (success)
          Validating -> Rejected                   (business rejection)
                        Committing -> RolledBack   (partial-commit failure)

ALGORITHM:
  1. Validating: client must exist, be active and belong to the trainer;
     the Duplicate Guard must find no check-in inside the cooldown; an
     active purchase must exist (newest-first by default).
  2. Committing: insert the Session. From here on the check-in physically
     happened.
  3. Decrement the selected purchase by one with compare-and-swap. On a lost
     race the purchases are re-read and another one is picked. On failure
     the Session is deleted again; if that delete fails the inconsistency is
     logged and reported as PURCHASE_UPDATE_FAILED.
  4. Recompute the balance from the ledger and write the client cache. A
     failed cache write does not fail the check-in.
  5. Settled.

ATOMIC MODE:
  When the store implements ledger.TxStore, steps 1-3 run in one store
  transaction. A failure aborts the transaction and nothing is left to
  compensate. Lost serialization races are retried.

CALLERS:
  CheckIn never returns a Go error and never panics. Every outcome is a
  Result carrying an ErrorKind and a user-facing message.

SEE ALSO:
  - ledger/guard.go: Duplicate Guard
  - ledger/balance.go: Session Balance Calculator
  - kiosk/guard.go: Client-side re-entrancy wrapper
*/
package checkin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/ledger"
	"golang.org/x/text/language"
)

// =============================================================================
// STATES AND RESULTS
// =============================================================================

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateCommitting State = "committing"
	StateSettled    State = "settled"
	StateRejected   State = "rejected"
	StateRolledBack State = "rolled_back"
)

// Result is the outcome of one check-in attempt.
type Result struct {
	Success           bool
	RemainingSessions int
	Error             ErrorKind
	Message           string
	State             State

	// SessionID is set on success.
	SessionID ledger.SessionID

	// RetryAfter is set with KindRecentCheckIn.
	RetryAfter time.Duration

	// Cooldown is set on success: the duplicate-guard window now running
	// for this client.
	Cooldown time.Duration
}

// Outcome is the metrics label for the result.
func (r Result) Outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.Error)
}

// Recorder observes protocol outcomes.
type Recorder interface {
	RecordCheckIn(outcome string, d time.Duration)
	RecordRollbackFailure()
	RecordCacheWriteFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordCheckIn(string, time.Duration) {}
func (nopRecorder) RecordRollbackFailure()              {}
func (nopRecorder) RecordCacheWriteFailure()            {}

// =============================================================================
// PROTOCOL
// =============================================================================

type Config struct {
	// Cooldown is the duplicate-guard window. Default 30s.
	Cooldown time.Duration

	// Order picks which purchase is consumed first. Default NewestFirst.
	Order ledger.PurchaseOrder

	// Timeout bounds one whole check-in. Zero means the caller's context only.
	Timeout time.Duration

	// MaxAttempts bounds retries after a lost compare-and-swap. Default 3.
	MaxAttempts int

	// RollbackTimeout bounds the compensating delete, which runs even when
	// the caller's context is already done. Default 5s.
	RollbackTimeout time.Duration

	// Locale of Result.Message. Default English.
	Locale language.Tag

	Clock    ledger.Clock
	Logger   zerolog.Logger
	Recorder Recorder
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = ledger.DefaultCooldown
	}
	if c.Order == "" {
		c.Order = ledger.NewestFirst
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = 5 * time.Second
	}
	if c.Locale == language.Und {
		c.Locale = language.English
	}
	if c.Clock == nil {
		c.Clock = ledger.SystemClock{}
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	return c
}

// Protocol runs check-ins against a Ledger Store.
type Protocol struct {
	store ledger.Store
	guard *ledger.DuplicateGuard
	cfg   Config
	log   zerolog.Logger
}

// NewProtocol creates a protocol. The store and the guard share cfg.Clock,
// which must be the clock the store stamps sessions with.
func NewProtocol(store ledger.Store, cfg Config) *Protocol {
	cfg = cfg.withDefaults()
	return &Protocol{
		store: store,
		guard: ledger.NewDuplicateGuard(store, cfg.Clock, cfg.Cooldown),
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "checkin").Logger(),
	}
}

// Guard exposes the duplicate guard for pre-flight checks.
func (p *Protocol) Guard() *ledger.DuplicateGuard { return p.guard }

// Atomic reports whether steps 1-3 run in a single store transaction.
func (p *Protocol) Atomic() bool {
	_, ok := p.store.(ledger.TxStore)
	return ok
}

// CheckIn consumes one session credit for clientID on behalf of trainerID.
func (p *Protocol) CheckIn(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (res Result) {
	start := time.Now()
	log := p.log.With().Str("client_id", string(clientID)).Str("trainer_id", string(trainerID)).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("check-in panicked")
			res = Result{Error: KindUnknownError, State: StateRejected}
		}
		res.Message = Message(p.cfg.Locale, res)
		p.cfg.Recorder.RecordCheckIn(res.Outcome(), time.Since(start))
	}()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	a := &attempt{clientID: clientID, trainerID: trainerID, log: log}

	var err error
	if tx, ok := p.store.(ledger.TxStore); ok {
		err = p.commitAtomic(ctx, tx, a)
	} else {
		err = p.commitCompensating(ctx, a)
	}
	if err != nil {
		return p.reject(a, err)
	}

	return p.settle(ctx, a)
}

// =============================================================================
// ATTEMPT STATE
// =============================================================================

type attempt struct {
	clientID  ledger.ClientID
	trainerID ledger.TrainerID
	log       zerolog.Logger

	// Filled during Validating.
	purchases []ledger.Purchase

	// Filled during Committing.
	session  ledger.Session
	consumed ledger.Purchase
}

// rejection carries the kind and state a failed attempt ends in.
type rejection struct {
	kind       ErrorKind
	state      State
	retryAfter time.Duration
	err        error
}

func (r *rejection) Error() string {
	if r.err != nil {
		return fmt.Sprintf("%s: %v", r.kind, r.err)
	}
	return string(r.kind)
}

func (r *rejection) Unwrap() error { return r.err }

func rejected(kind ErrorKind, err error) *rejection {
	return &rejection{kind: kind, state: StateRejected, err: err}
}

func rolledBack(kind ErrorKind, err error) *rejection {
	return &rejection{kind: kind, state: StateRolledBack, err: err}
}

// errNoCredit is returned when every active purchase was drained by a
// concurrent check-in while this one was committing.
var errNoCredit = errors.New("no purchase with remaining credit")

func (p *Protocol) reject(a *attempt, err error) Result {
	var rej *rejection
	if !errors.As(err, &rej) {
		rej = rejected(classifyOr(err, KindUnknownError), err)
	}

	ev := a.log.Info()
	if rej.kind.Category() != CategoryBusiness {
		ev = a.log.Error().Err(rej.err)
	}
	ev.Str("kind", string(rej.kind)).Str("state", string(rej.state)).Msg("check-in rejected")

	return Result{Error: rej.kind, State: rej.state, RetryAfter: rej.retryAfter}
}

// =============================================================================
// VALIDATING
// =============================================================================

func (p *Protocol) validate(ctx context.Context, s ledger.Store, a *attempt) error {
	client, err := s.GetClient(ctx, a.clientID)
	if err != nil {
		if errors.Is(err, ledger.ErrClientNotFound) {
			return rejected(KindClientNotFound, err)
		}
		return rejected(classifyOr(err, KindUnknownError), err)
	}
	if client.IsDeleted() || client.TrainerID != a.trainerID {
		return rejected(KindClientNotFound, nil)
	}

	guard := p.guard.Within(s)
	last, recent, err := guard.LastRecentCheckIn(ctx, a.clientID)
	if err != nil {
		return rejected(classifyOr(err, KindUnknownError), err)
	}
	if recent {
		rej := rejected(KindRecentCheckIn, nil)
		rej.retryAfter = guard.RetryAfter(last)
		return rej
	}

	purchases, err := s.ListPurchases(ctx, a.clientID, ledger.PurchaseQuery{ActiveOnly: true, Order: p.cfg.Order})
	if err != nil {
		return rejected(classifyOr(err, KindUnknownError), err)
	}
	if len(purchases) == 0 {
		return rejected(KindNoSessionsLeft, nil)
	}
	a.purchases = purchases
	return nil
}

// =============================================================================
// COMMITTING
// =============================================================================

// commitAtomic runs Validating and Committing inside one store transaction.
func (p *Protocol) commitAtomic(ctx context.Context, tx ledger.TxStore, a *attempt) error {
	var err error
	for i := 1; i <= p.cfg.MaxAttempts; i++ {
		err = tx.WithTx(ctx, func(s ledger.Store) error {
			if err := p.validate(ctx, s, a); err != nil {
				return err
			}
			session, err := s.InsertSession(ctx, a.clientID, a.trainerID)
			if err != nil {
				return rejected(classifyOr(err, KindSessionCreationFailed), err)
			}
			consumed, err := p.consume(ctx, s, a)
			if err != nil {
				if errors.Is(err, ledger.ErrConcurrentModification) {
					return err
				}
				if errors.Is(err, errNoCredit) {
					return rolledBack(KindNoSessionsLeft, err)
				}
				return rolledBack(classifyOr(err, KindSessionCreationFailed), err)
			}
			a.session, a.consumed = session, consumed
			return nil
		})
		if err == nil || !ledger.IsRetryable(err) {
			break
		}
		a.log.Debug().Int("attempt", i).Msg("check-in transaction lost a race, retrying")
	}

	if err == nil {
		return nil
	}
	var rej *rejection
	if errors.As(err, &rej) {
		return rej
	}
	// Begin, commit or an exhausted retry budget. The transaction did not
	// apply, so no session persists.
	return rolledBack(classifyOr(err, KindSessionCreationFailed), err)
}

// commitCompensating runs each step as its own store call and deletes the
// session again if the decrement fails.
func (p *Protocol) commitCompensating(ctx context.Context, a *attempt) error {
	if err := p.validate(ctx, p.store, a); err != nil {
		return err
	}

	session, err := p.store.InsertSession(ctx, a.clientID, a.trainerID)
	if err != nil {
		return rejected(classifyOr(err, KindSessionCreationFailed), err)
	}

	consumed, err := p.consume(ctx, p.store, a)
	if err == nil {
		a.session, a.consumed = session, consumed
		return nil
	}

	log := a.log.With().Str("session_id", string(session.ID)).Logger()
	if rbErr := p.rollback(ctx, session); rbErr != nil {
		p.cfg.Recorder.RecordRollbackFailure()
		log.Error().
			Err(err).
			AnErr("rollback_error", rbErr).
			Msg("purchase decrement failed and session rollback failed; manual reconciliation required")
		return rolledBack(KindPurchaseUpdateFailed, err)
	}
	log.Warn().Err(err).Msg("purchase decrement failed; session rolled back")

	if errors.Is(err, errNoCredit) {
		return rolledBack(KindNoSessionsLeft, err)
	}
	return rolledBack(classifyOr(err, KindSessionCreationFailed), err)
}

// consume decrements one purchase by exactly one. A lost compare-and-swap
// re-reads the active purchases and tries again with a fresh selection.
func (p *Protocol) consume(ctx context.Context, s ledger.Store, a *attempt) (ledger.Purchase, error) {
	target := a.purchases[0]
	for i := 1; ; i++ {
		err := s.CompareAndSwapPurchaseRemaining(ctx, target.ID, target.RemainingSessions, target.RemainingSessions-1)
		if err == nil {
			target.RemainingSessions--
			return target, nil
		}
		if !errors.Is(err, ledger.ErrConcurrentModification) || i >= p.cfg.MaxAttempts {
			return ledger.Purchase{}, fmt.Errorf("decrement purchase %s: %w", target.ID, err)
		}

		purchases, err := s.ListPurchases(ctx, a.clientID, ledger.PurchaseQuery{ActiveOnly: true, Order: p.cfg.Order})
		if err != nil {
			return ledger.Purchase{}, fmt.Errorf("reselect purchase: %w", err)
		}
		if len(purchases) == 0 {
			return ledger.Purchase{}, errNoCredit
		}
		a.purchases = purchases
		target = purchases[0]
	}
}

// rollback deletes the session of a failed attempt. It runs detached from
// the caller's cancellation so a timed-out request still compensates.
func (p *Protocol) rollback(ctx context.Context, session ledger.Session) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RollbackTimeout)
	defer cancel()
	return p.store.DeleteSession(ctx, session.ID)
}

// =============================================================================
// SETTLING
// =============================================================================

// settle refreshes the cached balance. The check-in already committed, so
// every failure here is logged and the result is still a success.
func (p *Protocol) settle(ctx context.Context, a *attempt) Result {
	log := a.log.With().
		Str("session_id", string(a.session.ID)).
		Str("purchase_id", string(a.consumed.ID)).
		Logger()

	balance, err := ledger.NewBalanceCalculator(p.store).Refresh(ctx, a.clientID)
	if err != nil {
		p.cfg.Recorder.RecordCacheWriteFailure()
		var lookupErr *ledger.LookupError
		if errors.As(err, &lookupErr) {
			balance = p.estimate(a)
			log.Warn().Err(err).Int("estimated_balance", balance).Msg("balance recompute failed after check-in")
		} else {
			log.Warn().Err(err).Int("balance", balance).Msg("cached balance write failed after check-in")
		}
	}

	log.Info().Int("remaining_sessions", balance).Msg("check-in settled")
	return Result{
		Success:           true,
		RemainingSessions: balance,
		State:             StateSettled,
		SessionID:         a.session.ID,
		Cooldown:          p.cfg.Cooldown,
	}
}

// estimate derives the balance from the purchases read while validating.
func (p *Protocol) estimate(a *attempt) int {
	total, err := ledger.SumRemaining(a.purchases)
	if err != nil || total < 1 {
		return 0
	}
	return total - 1
}
