/*
handlers.go - HTTP API handlers for the check-in service

PURPOSE:
  Exposes the session ledger and the check-in protocol via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the ledger and
  checkin packages.

ENDPOINTS:
  Trainers:
    POST   /api/trainers                   Create trainer
    GET    /api/trainers/{id}              Get trainer
    GET    /api/trainers/{id}/clients      Active clients, ordered by name
    POST   /api/trainers/{id}/clients      Create client
    GET    /api/trainers/{id}/packages     Package catalog
    POST   /api/trainers/{id}/packages     Create package

  Clients:
    GET    /api/clients/{id}               Get client
    DELETE /api/clients/{id}               Soft delete
    GET    /api/clients/{id}/balance       Ledger balance vs cached balance
    GET    /api/clients/{id}/purchases     Purchases, newest first
    POST   /api/clients/{id}/purchases     Sell a package
    GET    /api/clients/{id}/sessions      Check-in history (?since=RFC3339)
    GET    /api/clients/{id}/checkin-status Pre-flight for the QR page

  Check-in:
    POST   /api/checkins                   Run the check-in protocol

  Admin:
    POST   /api/admin/reconcile            Repair drifted balance caches

CHECK-IN STATUS CODES:
  200 success, 409 RECENT_CHECK_IN, 422 NO_SESSIONS_LEFT, 404 CLIENT_NOT_FOUND,
  503 NETWORK_ERROR, 504 TIMEOUT_ERROR, 500 anything else. The body is always
  a CheckInResponse, localized from Accept-Language.

SECURITY NOTE:
  No authentication. Trainer scoping relies on the trainer_id in the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
	"golang.org/x/text/language"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ReconcileRecorder observes reconciliation runs.
type ReconcileRecorder interface {
	RecordReconcile(corrections int, err error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Config wires the handler. CheckIn is passed to the protocol; its Clock,
// Locale and Logger are shared with the rest of the handler.
type Config struct {
	CheckIn   checkin.Config
	Reconcile ReconcileRecorder
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend   ledger.Backend
	Protocol  *checkin.Protocol
	Balances  *ledger.BalanceCalculator
	Purchases *ledger.PurchaseRecorder

	clock     ledger.Clock
	locale    language.Tag
	log       zerolog.Logger
	reconcile ReconcileRecorder

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over backend.
func NewHandler(backend ledger.Backend, cfg Config) *Handler {
	if cfg.CheckIn.Clock == nil {
		cfg.CheckIn.Clock = ledger.SystemClock{}
	}
	if cfg.CheckIn.Locale == language.Und {
		cfg.CheckIn.Locale = checkin.Supported[0]
	}

	return &Handler{
		Backend:   backend,
		Protocol:  checkin.NewProtocol(backend, cfg.CheckIn),
		Balances:  ledger.NewBalanceCalculator(backend),
		Purchases: ledger.NewPurchaseRecorder(backend, cfg.CheckIn.Clock),
		clock:     cfg.CheckIn.Clock,
		locale:    cfg.CheckIn.Locale,
		log:       cfg.CheckIn.Logger.With().Str("component", "api").Logger(),
		reconcile: cfg.Reconcile,
	}
}

// =============================================================================
// TRAINER ENDPOINTS
// =============================================================================

// CreateTrainer creates a trainer.
// POST /api/trainers
func (h *Handler) CreateTrainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTrainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.fail(w, r, http.StatusBadRequest, "Name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = ledger.NewID()
	}

	trainer := ledger.Trainer{ID: ledger.TrainerID(req.ID), Name: req.Name, Email: req.Email}
	if err := h.Backend.SaveTrainer(ctx, trainer); err != nil {
		h.fail(w, r, statusFor(err), "Failed to create trainer", err)
		return
	}

	saved, err := h.Backend.GetTrainer(ctx, trainer.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to load trainer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrainerDTO(saved))
}

// GetTrainer returns a trainer.
// GET /api/trainers/{id}
func (h *Handler) GetTrainer(w http.ResponseWriter, r *http.Request) {
	trainer, err := h.Backend.GetTrainer(r.Context(), trainerParam(r))
	if err != nil {
		h.fail(w, r, statusFor(err), "Trainer not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainerDTO(trainer))
}

// ListClients returns a trainer's active clients ordered by name.
// GET /api/trainers/{id}/clients
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trainerID := trainerParam(r)

	if _, err := h.Backend.GetTrainer(ctx, trainerID); err != nil {
		h.fail(w, r, statusFor(err), "Trainer not found", err)
		return
	}

	clients, err := h.Backend.ListClients(ctx, trainerID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to list clients", err)
		return
	}

	dtos := make([]ClientDTO, 0, len(clients))
	for _, c := range clients {
		dtos = append(dtos, toClientDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateClient adds a client to a trainer. New clients start with no credit.
// POST /api/trainers/{id}/clients
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.fail(w, r, http.StatusBadRequest, "Name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = ledger.NewID()
	}

	client := ledger.Client{
		ID:        ledger.ClientID(req.ID),
		TrainerID: trainerParam(r),
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
	}
	if err := h.Backend.SaveClient(ctx, client); err != nil {
		h.fail(w, r, statusFor(err), "Failed to create client", err)
		return
	}

	saved, err := h.Backend.GetClient(ctx, client.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to load client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(saved))
}

// =============================================================================
// PACKAGE ENDPOINTS
// =============================================================================

// ListPackages returns a trainer's catalog.
// GET /api/trainers/{id}/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.Backend.ListPackages(r.Context(), trainerParam(r))
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to list packages", err)
		return
	}

	dtos := make([]PackageDTO, 0, len(packages))
	for _, p := range packages {
		dtos = append(dtos, toPackageDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePackage adds a catalog entry.
// POST /api/trainers/{id}/packages
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = ledger.NewID()
	}

	pkg := ledger.Package{
		ID:           ledger.PackageID(req.ID),
		TrainerID:    trainerParam(r),
		Name:         req.Name,
		SessionCount: req.SessionCount,
		Price:        req.Price,
	}
	if err := h.Backend.SavePackage(ctx, pkg); err != nil {
		h.fail(w, r, statusFor(err), "Failed to create package", err)
		return
	}

	saved, err := h.Backend.GetPackage(ctx, pkg.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to load package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(saved))
}

// DeletePackage removes a package that was never purchased.
// DELETE /api/packages/{id}
func (h *Handler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	id := ledger.PackageID(chi.URLParam(r, "id"))

	if err := h.Backend.DeletePackage(r.Context(), id); err != nil {
		h.fail(w, r, statusFor(err), "Failed to delete package", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// =============================================================================
// CLIENT ENDPOINTS
// =============================================================================

// GetClient returns an active client.
// GET /api/clients/{id}
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, ok := h.activeClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(client))
}

// DeleteClient tombstones a client. Its ledger rows are kept.
// DELETE /api/clients/{id}
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id := clientParam(r)

	if err := h.Backend.SoftDeleteClient(r.Context(), id, h.clock.Now()); err != nil {
		h.fail(w, r, statusFor(err), "Failed to delete client", err)
		return
	}
	h.log.Info().Str("client_id", string(id)).Msg("client deleted")
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// GetBalance returns the balance computed from the ledger next to the cache.
// GET /api/clients/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	client, ok := h.activeClient(w, r)
	if !ok {
		return
	}

	balance, err := h.Balances.CalculateRemainingSessions(r.Context(), client.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to calculate balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		ClientID:          string(client.ID),
		RemainingSessions: balance,
		Cached:            client.RemainingSessions,
		InSync:            balance == client.RemainingSessions,
	})
}

// ListPurchases returns a client's purchases, newest first.
// GET /api/clients/{id}/purchases?active=true
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	client, ok := h.activeClient(w, r)
	if !ok {
		return
	}

	q := ledger.PurchaseQuery{Order: ledger.NewestFirst, ActiveOnly: r.URL.Query().Get("active") == "true"}
	purchases, err := h.Backend.ListPurchases(r.Context(), client.ID, q)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to list purchases", err)
		return
	}

	dtos := make([]PurchaseDTO, 0, len(purchases))
	for _, p := range purchases {
		dtos = append(dtos, toPurchaseDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePurchase sells a package to a client and refreshes the balance.
// POST /api/clients/{id}/purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PackageID == "" {
		h.fail(w, r, http.StatusBadRequest, "package_id is required", nil)
		return
	}

	clientID := clientParam(r)
	purchase, balance, err := h.Purchases.Record(r.Context(), clientID, ledger.PackageID(req.PackageID))
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to record purchase", err)
		return
	}

	h.log.Info().
		Str("client_id", string(clientID)).
		Str("purchase_id", string(purchase.ID)).
		Int("remaining_sessions", balance).
		Msg("purchase recorded")

	writeJSON(w, http.StatusCreated, CreatePurchaseResponse{
		Purchase:          toPurchaseDTO(purchase),
		RemainingSessions: balance,
	})
}

// ListSessions returns a client's check-ins, oldest first.
// GET /api/clients/{id}/sessions?since=2025-01-01T00:00:00Z
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.fail(w, r, http.StatusBadRequest, "Invalid since (use RFC3339)", err)
			return
		}
		since = t
	}

	client, ok := h.activeClient(w, r)
	if !ok {
		return
	}

	sessions, err := h.Backend.ListSessions(r.Context(), client.ID, since)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to list sessions", err)
		return
	}

	dtos := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, toSessionDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CheckInStatus tells the QR landing page whether a check-in would pass.
// GET /api/clients/{id}/checkin-status
func (h *Handler) CheckInStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, ok := h.activeClient(w, r)
	if !ok {
		return
	}

	balance, err := h.Balances.CalculateRemainingSessions(ctx, client.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to calculate balance", err)
		return
	}

	guard := h.Protocol.Guard()
	last, recent, err := guard.LastRecentCheckIn(ctx, client.ID)
	if err != nil {
		h.fail(w, r, statusFor(err), "Failed to read recent check-ins", err)
		return
	}

	status := CheckInStatusDTO{
		ClientID:          string(client.ID),
		RemainingSessions: balance,
		RecentCheckIn:     recent,
		CanCheckIn:        balance > 0 && !recent,
	}
	if recent {
		status.RetryAfterSeconds = checkin.RetryAfterSeconds(guard.RetryAfter(last))
	}
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// CHECK-IN
// =============================================================================

// CheckIn runs the check-in protocol.
// POST /api/checkins
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ClientID == "" || req.TrainerID == "" {
		h.fail(w, r, http.StatusBadRequest, "client_id and trainer_id are required", nil)
		return
	}

	res := h.Protocol.CheckIn(r.Context(), ledger.ClientID(req.ClientID), ledger.TrainerID(req.TrainerID))
	res = checkin.Localize(res, checkin.MatchLocale(r.Header.Get("Accept-Language"), h.locale))

	writeJSON(w, checkInStatus(res), toCheckInResponse(res))
}

func checkInStatus(res checkin.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Error {
	case checkin.KindRecentCheckIn:
		return http.StatusConflict
	case checkin.KindNoSessionsLeft:
		return http.StatusUnprocessableEntity
	case checkin.KindClientNotFound:
		return http.StatusNotFound
	case checkin.KindNetworkError:
		return http.StatusServiceUnavailable
	case checkin.KindTimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Reconcile repairs drifted balance caches on demand.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.RunReconcile(r.Context())
	if err != nil {
		h.fail(w, r, statusFor(err), "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// RunReconcile runs one reconciliation pass and reports it to the recorder.
// The scheduler and the admin endpoint share it.
func (h *Handler) RunReconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	report, err := ledger.Reconcile(ctx, h.Backend)
	if h.reconcile != nil {
		h.reconcile.RecordReconcile(len(report.Corrected), err)
	}

	if err != nil {
		h.log.Error().Err(err).Msg("reconciliation failed")
		return report, err
	}
	for _, c := range report.Corrected {
		h.log.Warn().
			Str("client_id", string(c.ClientID)).
			Int("cached", c.Cached).
			Int("actual", c.Actual).
			Msg("balance cache corrected")
	}
	for id, ferr := range report.Failed {
		h.log.Error().Err(ferr).Str("client_id", string(id)).Msg("reconciliation skipped client")
	}
	h.log.Info().
		Int("checked", report.Checked).
		Int("corrected", len(report.Corrected)).
		Int("failed", len(report.Failed)).
		Msg("reconciliation complete")
	return report, nil
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Backend.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.fail(w, r, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func trainerParam(r *http.Request) ledger.TrainerID {
	return ledger.TrainerID(chi.URLParam(r, "id"))
}

func clientParam(r *http.Request) ledger.ClientID {
	return ledger.ClientID(chi.URLParam(r, "id"))
}

// activeClient loads the {id} client and writes a 404 for missing or
// tombstoned clients.
func (h *Handler) activeClient(w http.ResponseWriter, r *http.Request) (ledger.Client, bool) {
	client, err := h.Backend.GetClient(r.Context(), clientParam(r))
	if err != nil {
		h.fail(w, r, statusFor(err), "Client not found", err)
		return ledger.Client{}, false
	}
	if client.IsDeleted() {
		h.fail(w, r, http.StatusNotFound, "Client not found", ledger.ErrClientDeleted)
		return ledger.Client{}, false
	}
	return client, true
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidPackage):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrClientDeleted),
		errors.Is(err, ledger.ErrPackageTrainerMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrPackageInUse),
		errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// fail answers with message and logs err. The error text reaches the caller
// only for a 400, where it describes the caller's own input.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		ev := h.log.Debug()
		if status >= http.StatusInternalServerError {
			ev = h.log.Error()
		}
		ev.Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg(message)
		if status == http.StatusBadRequest {
			resp.Details = err.Error()
		}
	}
	writeJSON(w, status, resp)
}
