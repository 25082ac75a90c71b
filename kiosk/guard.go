/*
Package kiosk holds the client side of the check-in flow: the trainer kiosk
list and the QR landing page both submit through a Guard.

RE-ENTRANCY:
  A Guard stops duplicate submissions before they reach the server.
  - In-flight lock: one pending check-in per client. It is taken before the
    call and released by a defer, so success, failure and panic all release it.
  - Debounce: a second tap within the debounce interval is dropped.
  - Cooldown: after a successful check-in the Guard answers RECENT_CHECK_IN
    locally for the same window the server enforces, without a round trip.
    The window comes from the server's answer; GuardConfig.Cooldown is
    used only when the answer carries none.
    A RECENT_CHECK_IN from the server arms the same local cooldown.

  The Guard is a convenience for the user. The server-side Duplicate Guard is
  still the authority.

SEE ALSO:
  - client.go: HTTP Checker
  - checkin/protocol.go: server-side protocol
*/
package kiosk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
	"golang.org/x/text/language"
)

// DefaultDebounce drops repeated taps closer together than this.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrInFlight is returned while a check-in for the same client is pending.
	ErrInFlight = errors.New("check-in already in progress")

	// ErrDebounced is returned for a repeat submission inside the debounce interval.
	ErrDebounced = errors.New("check-in submitted too quickly")
)

// Checker performs a check-in. A returned error is a transport failure; a
// rejected check-in is a Result with an ErrorKind.
type Checker interface {
	CheckIn(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (checkin.Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (checkin.Result, error)

func (f CheckerFunc) CheckIn(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (checkin.Result, error) {
	return f(ctx, clientID, trainerID)
}

// GuardConfig configures a Guard. Zero values take the defaults.
type GuardConfig struct {
	Cooldown time.Duration
	Debounce time.Duration
	Locale   language.Tag
	Clock    ledger.Clock
	Logger   zerolog.Logger
}

// Guard wraps a Checker with per-client in-flight, debounce and cooldown state.
type Guard struct {
	checker  Checker
	cooldown time.Duration
	debounce time.Duration
	locale   language.Tag
	clock    ledger.Clock
	log      zerolog.Logger

	mu            sync.Mutex
	inFlight      map[ledger.ClientID]struct{}
	lastAttempt   map[ledger.ClientID]time.Time
	cooldownUntil map[ledger.ClientID]time.Time
}

func NewGuard(checker Checker, cfg GuardConfig) *Guard {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = ledger.DefaultCooldown
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Locale == language.Und {
		cfg.Locale = language.English
	}
	if cfg.Clock == nil {
		cfg.Clock = ledger.SystemClock{}
	}
	return &Guard{
		checker:       checker,
		cooldown:      cfg.Cooldown,
		debounce:      cfg.Debounce,
		locale:        cfg.Locale,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		inFlight:      make(map[ledger.ClientID]struct{}),
		lastAttempt:   make(map[ledger.ClientID]time.Time),
		cooldownUntil: make(map[ledger.ClientID]time.Time),
	}
}

// Submit runs one check-in through the guard. It returns ErrInFlight or
// ErrDebounced when the submission is dropped; every other outcome,
// transport failures included, is a Result.
func (g *Guard) Submit(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (res checkin.Result, err error) {
	if res, blocked, err := g.acquire(clientID); blocked || err != nil {
		return res, err
	}
	defer g.release(clientID)

	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Str("client_id", string(clientID)).Msg("kiosk check-in panicked")
			res, err = checkin.Localize(checkin.Result{Error: checkin.KindUnknownError, State: checkin.StateRejected}, g.locale), nil
		}
	}()

	res, callErr := g.checker.CheckIn(ctx, clientID, trainerID)
	if callErr != nil {
		kind := checkin.Classify(callErr)
		g.log.Warn().Err(callErr).Str("client_id", string(clientID)).Str("kind", string(kind)).Msg("check-in request failed")
		return checkin.Localize(checkin.Result{Error: kind, State: checkin.StateRejected}, g.locale), nil
	}

	g.settle(clientID, res)
	if res.Message == "" {
		res = checkin.Localize(res, g.locale)
	}
	return res, nil
}

// acquire takes the in-flight lock for clientID. blocked is true when the
// local cooldown answered instead.
func (g *Guard) acquire(clientID ledger.ClientID) (res checkin.Result, blocked bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if _, ok := g.inFlight[clientID]; ok {
		return checkin.Result{}, false, ErrInFlight
	}
	if last, ok := g.lastAttempt[clientID]; ok && now.Sub(last) < g.debounce {
		return checkin.Result{}, false, ErrDebounced
	}
	if until, ok := g.cooldownUntil[clientID]; ok && now.Before(until) {
		res := checkin.Result{Error: checkin.KindRecentCheckIn, State: checkin.StateRejected, RetryAfter: until.Sub(now)}
		return checkin.Localize(res, g.locale), true, nil
	}

	g.inFlight[clientID] = struct{}{}
	g.lastAttempt[clientID] = now
	return checkin.Result{}, false, nil
}

func (g *Guard) release(clientID ledger.ClientID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, clientID)
}

// settle arms the local cooldown from a server answer.
func (g *Guard) settle(clientID ledger.ClientID, res checkin.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	switch {
	case res.Success:
		window := res.Cooldown
		if window <= 0 {
			window = g.cooldown
		}
		g.cooldownUntil[clientID] = now.Add(window)
	case res.Error == checkin.KindRecentCheckIn && res.RetryAfter > 0:
		g.cooldownUntil[clientID] = now.Add(res.RetryAfter)
	}
}

// InFlight reports whether a check-in for clientID is pending. UIs use it to
// disable the submit control.
func (g *Guard) InFlight(clientID ledger.ClientID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[clientID]
	return ok
}

// RetryAfter is the remaining local cooldown for clientID, zero when none.
func (g *Guard) RetryAfter(clientID ledger.ClientID) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.cooldownUntil[clientID]
	if !ok {
		return 0
	}
	if d := until.Sub(g.clock.Now()); d > 0 {
		return d
	}
	return 0
}
