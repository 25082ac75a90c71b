/*
reconcile.go - Cached balance repair

PURPOSE:
  Client.RemainingSessions is a write-through projection of the purchase
  ledger. A cache write can fail after a check-in has committed, so the
  projection may drift. Reconcile walks every active client, recomputes the
  balance from the ledger and rewrites any cache that disagrees.

CONCURRENCY:
  Check-ins keep running during a pass. Each client is synced through the
  BalanceCalculator: inside one transaction when the store supports it,
  otherwise with a re-read of the ledger after the write.

SCHEDULING:
  api/scheduler.go runs Reconcile on a cron schedule and the admin endpoint
  runs it on demand.
*/
package ledger

import (
	"context"
	"fmt"
)

// Correction records one repaired cache.
type Correction struct {
	ClientID ClientID
	Cached   int
	Actual   int
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Corrected []Correction
	Failed    map[ClientID]error
}

// Reconcile repairs drifted balance caches. A failure for one client does
// not stop the pass; it is recorded in the report.
func Reconcile(ctx context.Context, b Backend) (ReconcileReport, error) {
	clients, err := b.ListClients(ctx, "")
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list clients: %w", err)
	}

	calc := NewBalanceCalculator(b)
	report := ReconcileReport{Failed: make(map[ClientID]error)}

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		cached, actual, err := calc.sync(ctx, c.ID, false)
		if err != nil {
			report.Failed[c.ID] = err
			continue
		}
		if cached == actual {
			continue
		}
		report.Corrected = append(report.Corrected, Correction{
			ClientID: c.ID,
			Cached:   cached,
			Actual:   actual,
		})
	}

	return report, nil
}
