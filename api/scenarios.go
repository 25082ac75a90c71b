/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with a trainer,
	clients, packages and purchases that demonstrate specific check-in
	behaviors.

AVAILABLE SCENARIOS:
	single-purchase:  One purchase with 3 sessions left
	newest-first:     Two purchases (2 newer, 5 older); the newer drains first
	no-purchases:     A client who never bought a package
	duplicate-window: 5 sessions left; check in twice within 30s
	kiosk-roster:     A full client list for the kiosk search

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create the demo trainer and package catalog
 3. Create clients
 4. Record purchases (directly, when the scenario needs a specific date or
    remaining count) and refresh the balance caches

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "newest-first"}

NOTE:
	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and writeJSON helpers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/checkin-engine/ledger"
)

// DemoTrainerID owns every scenario's clients and packages.
const DemoTrainerID ledger.TrainerID = "trainer-demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-purchase",
		Name:        "Single Purchase",
		Description: "One purchase with 3 sessions left; a check-in leaves 2",
		Category:    "balance",
	},
	{
		ID:          "newest-first",
		Name:        "Newest Purchase First",
		Description: "Two purchases with 2 (newer) and 5 (older) sessions left; the newer one drains first",
		Category:    "balance",
	},
	{
		ID:          "no-purchases",
		Name:        "No Purchases",
		Description: "Client never bought a package; check-in is rejected with NO_SESSIONS_LEFT",
		Category:    "rejection",
	},
	{
		ID:          "duplicate-window",
		Name:        "Duplicate Check-In",
		Description: "5 sessions left; a second check-in within 30 seconds is rejected with RECENT_CHECK_IN",
		Category:    "rejection",
	},
	{
		ID:          "kiosk-roster",
		Name:        "Kiosk Roster",
		Description: "Six clients with mixed balances, one deleted, for the kiosk search",
		Category:    "kiosk",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"single-purchase":  (*Handler).loadSinglePurchaseScenario,
	"newest-first":     (*Handler).loadNewestFirstScenario,
	"no-purchases":     (*Handler).loadNoPurchasesScenario,
	"duplicate-window": (*Handler).loadDuplicateWindowScenario,
	"kiosk-roster":     (*Handler).loadKioskRosterScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		h.fail(w, r, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.fail(w, r, statusForReset(err), "Failed to reset store", err)
		return
	}

	if err := load(h, ctx); err != nil {
		h.fail(w, r, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		h.fail(w, r, statusForReset(err), "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

var errResetUnsupported = errors.New("store does not support reset")

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Backend.(Resetter)
	if !ok {
		return errResetUnsupported
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

func statusForReset(err error) int {
	if errors.Is(err, errResetUnsupported) {
		return http.StatusNotImplemented
	}
	return statusFor(err)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedCatalog creates the demo trainer and its packages.
func (h *Handler) seedCatalog(ctx context.Context) error {
	if err := h.Backend.SaveTrainer(ctx, ledger.Trainer{ID: DemoTrainerID, Name: "Sam Rivera", Email: "sam@example.com"}); err != nil {
		return err
	}

	packages := []ledger.Package{
		{ID: "pkg-single", Name: "Drop-in", SessionCount: 1, Price: decimal.RequireFromString("25.00")},
		{ID: "pkg-5", Name: "5 Sessions", SessionCount: 5, Price: decimal.RequireFromString("110.00")},
		{ID: "pkg-10", Name: "10 Sessions", SessionCount: 10, Price: decimal.RequireFromString("200.00")},
	}
	for _, p := range packages {
		p.TrainerID = DemoTrainerID
		if err := h.Backend.SavePackage(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) seedClient(ctx context.Context, id ledger.ClientID, name, email, phone string) error {
	return h.Backend.SaveClient(ctx, ledger.Client{
		ID: id, TrainerID: DemoTrainerID, Name: name, Email: email, Phone: phone,
	})
}

// seedPurchase inserts a purchase bought daysAgo with remaining sessions
// left. The caller refreshes the balance cache.
func (h *Handler) seedPurchase(ctx context.Context, clientID ledger.ClientID, pkg ledger.PackageID, remaining, daysAgo int) error {
	return h.Backend.InsertPurchase(ctx, ledger.Purchase{
		ID:                ledger.PurchaseID(ledger.NewID()),
		ClientID:          clientID,
		PackageID:         pkg,
		RemainingSessions: remaining,
		PurchaseDate:      h.clock.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour),
	})
}

func (h *Handler) loadSinglePurchaseScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-avery", "Avery Chen", "avery@example.com", "555-0101"); err != nil {
		return err
	}
	if err := h.seedPurchase(ctx, "client-avery", "pkg-5", 3, 14); err != nil {
		return err
	}
	_, err := h.Balances.Refresh(ctx, "client-avery")
	return err
}

func (h *Handler) loadNewestFirstScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-blake", "Blake Morgan", "blake@example.com", "555-0102"); err != nil {
		return err
	}
	if err := h.seedPurchase(ctx, "client-blake", "pkg-10", 5, 60); err != nil {
		return err
	}
	if err := h.seedPurchase(ctx, "client-blake", "pkg-5", 2, 7); err != nil {
		return err
	}
	_, err := h.Balances.Refresh(ctx, "client-blake")
	return err
}

func (h *Handler) loadNoPurchasesScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	return h.seedClient(ctx, "client-casey", "Casey Park", "casey@example.com", "555-0103")
}

func (h *Handler) loadDuplicateWindowScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}
	if err := h.seedClient(ctx, "client-devon", "Devon Ortiz", "devon@example.com", "555-0104"); err != nil {
		return err
	}
	if err := h.seedPurchase(ctx, "client-devon", "pkg-5", 5, 1); err != nil {
		return err
	}
	_, err := h.Balances.Refresh(ctx, "client-devon")
	return err
}

func (h *Handler) loadKioskRosterScenario(ctx context.Context) error {
	if err := h.seedCatalog(ctx); err != nil {
		return err
	}

	roster := []struct {
		id        ledger.ClientID
		name      string
		email     string
		phone     string
		pkg       ledger.PackageID
		remaining int
	}{
		{"client-avery", "Avery Chen", "avery@example.com", "(555) 010-1001", "pkg-10", 8},
		{"client-blake", "Blake Morgan", "blake@example.com", "(555) 010-1002", "pkg-5", 1},
		{"client-casey", "Casey Park", "casey@example.com", "(555) 010-1003", "", 0},
		{"client-devon", "Devon Ortiz", "devon@example.com", "(555) 010-1004", "pkg-single", 1},
		{"client-emery", "Emery Brooks", "emery@example.com", "(555) 010-1005", "pkg-10", 10},
		{"client-finley", "Finley Shah", "finley@example.com", "(555) 010-1006", "pkg-5", 4},
	}
	for _, c := range roster {
		if err := h.seedClient(ctx, c.id, c.name, c.email, c.phone); err != nil {
			return err
		}
		if c.pkg != "" {
			if err := h.seedPurchase(ctx, c.id, c.pkg, c.remaining, 10); err != nil {
				return err
			}
		}
		if _, err := h.Balances.Refresh(ctx, c.id); err != nil {
			return err
		}
	}

	return h.Backend.SoftDeleteClient(ctx, "client-finley", h.clock.Now())
}
