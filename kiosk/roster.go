package kiosk

import (
	"strings"

	"github.com/warp/checkin-engine/ledger"
)

// Entry is one row of the kiosk client list.
type Entry struct {
	ID                ledger.ClientID
	TrainerID         ledger.TrainerID
	Name              string
	Email             string
	Phone             string
	RemainingSessions int
}

// Roster is a trainer's client list as shown on the kiosk.
type Roster []Entry

// Search returns the entries whose name, email or phone contains query,
// case-insensitively. An empty query returns the whole roster.
func (r Roster) Search(query string) Roster {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r
	}
	digits := onlyDigits(q)

	var out Roster
	for _, e := range r {
		switch {
		case strings.Contains(strings.ToLower(e.Name), q),
			strings.Contains(strings.ToLower(e.Email), q),
			digits != "" && strings.Contains(onlyDigits(e.Phone), digits):
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entry with the given id.
func (r Roster) Find(id ledger.ClientID) (Entry, bool) {
	for _, e := range r {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Apply updates the displayed balance after a successful check-in.
func (r Roster) Apply(id ledger.ClientID, remaining int) {
	for i := range r {
		if r[i].ID == id {
			r[i].RemainingSessions = remaining
			return
		}
	}
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
