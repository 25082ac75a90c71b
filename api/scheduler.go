/*
scheduler.go - Automated balance reconciliation

PURPOSE:
  Periodically recomputes every active client's balance from the purchase
  ledger and rewrites caches that drifted (e.g. a cache write that failed
  after a committed check-in).

DESIGN:
  - robfig/cron drives the schedule ("@every 1h", "0 3 * * *", ...)
  - Overlapping runs are skipped, not queued
  - Each run gets its own timeout so a stuck store cannot pile up runs

USAGE:
  scheduler, err := NewReconciliationScheduler(handler, "@every 1h", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - ledger/reconcile.go: The reconciliation pass
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReconciliationScheduler runs Handler.RunReconcile on a cron schedule.
type ReconciliationScheduler struct {
	Handler    *Handler
	Schedule   string
	RunTimeout time.Duration

	cron *cron.Cron
	log  zerolog.Logger
}

// NewReconciliationScheduler validates schedule and prepares the job.
func NewReconciliationScheduler(h *Handler, schedule string, log zerolog.Logger) (*ReconciliationScheduler, error) {
	rs := &ReconciliationScheduler{
		Handler:    h,
		Schedule:   schedule,
		RunTimeout: 5 * time.Minute,
		log:        log.With().Str("component", "scheduler").Logger(),
	}

	rs.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := rs.cron.AddFunc(schedule, rs.RunOnce); err != nil {
		return nil, fmt.Errorf("failed to add reconcile job: %w", err)
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.cron.Start()
	rs.log.Info().Str("schedule", rs.Schedule).Msg("reconciliation scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (rs *ReconciliationScheduler) Stop() {
	<-rs.cron.Stop().Done()
	rs.log.Info().Msg("reconciliation scheduler stopped")
}

// RunOnce runs one reconciliation pass.
func (rs *ReconciliationScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.RunTimeout)
	defer cancel()

	if _, err := rs.Handler.RunReconcile(ctx); err != nil {
		rs.log.Error().Err(err).Msg("scheduled reconciliation failed")
	}
}
