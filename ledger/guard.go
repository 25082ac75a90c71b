package ledger

import (
	"context"
	"time"
)

// DefaultCooldown is the duplicate-guard window.
const DefaultCooldown = 30 * time.Second

// DuplicateGuard detects check-ins that happened within a cooldown window.
// It is a pure read. The protocol calls it both as a pre-flight check and
// again as the hard gate right before committing.
type DuplicateGuard struct {
	Store  Store
	Clock  Clock
	Window time.Duration
}

func NewDuplicateGuard(store Store, clock Clock, window time.Duration) *DuplicateGuard {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = DefaultCooldown
	}
	return &DuplicateGuard{Store: store, Clock: clock, Window: window}
}

// HasRecentCheckIn reports whether the client checked in at or after now-Window.
func (g *DuplicateGuard) HasRecentCheckIn(ctx context.Context, clientID ClientID) (bool, error) {
	_, found, err := g.LastRecentCheckIn(ctx, clientID)
	return found, err
}

// LastRecentCheckIn returns the latest session inside the window, if any.
func (g *DuplicateGuard) LastRecentCheckIn(ctx context.Context, clientID ClientID) (Session, bool, error) {
	since := g.Clock.Now().Add(-g.Window)
	sessions, err := g.Store.ListSessions(ctx, clientID, since)
	if err != nil {
		return Session{}, false, err
	}
	if len(sessions) == 0 {
		return Session{}, false, nil
	}
	return sessions[len(sessions)-1], true, nil
}

// Within returns a copy of the guard reading from store, such as a
// transaction view.
func (g *DuplicateGuard) Within(store Store) *DuplicateGuard {
	return &DuplicateGuard{Store: store, Clock: g.Clock, Window: g.Window}
}

// RetryAfter is how long until the window around last closes.
func (g *DuplicateGuard) RetryAfter(last Session) time.Duration {
	d := last.CheckInTime.Add(g.Window).Sub(g.Clock.Now())
	if d < 0 {
		return 0
	}
	return d
}
