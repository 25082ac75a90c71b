/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMESTAMPS:
  RFC3339 in UTC. Prices are decimal strings ("249.99") so no float rounding
  reaches the client.

SEE ALSO:
  - handlers.go: Uses these types
  - kiosk/client.go: Decodes CheckInResponse and ClientDTO
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

type TrainerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

type CreateTrainerRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ClientDTO is a client with its cached balance.
type ClientDTO struct {
	ID                string `json:"id"`
	TrainerID         string `json:"trainer_id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	RemainingSessions int    `json:"remaining_sessions"`
	CreatedAt         string `json:"created_at"`
}

type CreateClientRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type PackageDTO struct {
	ID           string          `json:"id"`
	TrainerID    string          `json:"trainer_id"`
	Name         string          `json:"name"`
	SessionCount int             `json:"session_count"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    string          `json:"created_at"`
}

type CreatePackageRequest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	SessionCount int             `json:"session_count"`
	Price        decimal.Decimal `json:"price"`
}

// =============================================================================
// LEDGER
// =============================================================================

type PurchaseDTO struct {
	ID                string `json:"id"`
	ClientID          string `json:"client_id"`
	PackageID         string `json:"package_id"`
	RemainingSessions int    `json:"remaining_sessions"`
	PurchaseDate      string `json:"purchase_date"`
}

type CreatePurchaseRequest struct {
	PackageID string `json:"package_id"`
}

// CreatePurchaseResponse carries the new purchase and the refreshed balance.
type CreatePurchaseResponse struct {
	Purchase          PurchaseDTO `json:"purchase"`
	RemainingSessions int         `json:"remaining_sessions"`
}

type SessionDTO struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	TrainerID   string `json:"trainer_id"`
	CheckInTime string `json:"check_in_time"`
}

// BalanceDTO compares the ledger-derived balance with the cache.
type BalanceDTO struct {
	ClientID          string `json:"client_id"`
	RemainingSessions int    `json:"remaining_sessions"`
	Cached            int    `json:"cached_remaining_sessions"`
	InSync            bool   `json:"in_sync"`
}

// CheckInStatusDTO is the pre-flight view shown before a client confirms.
type CheckInStatusDTO struct {
	ClientID          string `json:"client_id"`
	RemainingSessions int    `json:"remaining_sessions"`
	RecentCheckIn     bool   `json:"recent_check_in"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	CanCheckIn        bool   `json:"can_check_in"`
}

// =============================================================================
// CHECK-IN
// =============================================================================

type CheckInRequest struct {
	ClientID  string `json:"client_id"`
	TrainerID string `json:"trainer_id"`
}

// CheckInResponse is the wire form of checkin.Result.
type CheckInResponse struct {
	Success           bool   `json:"success"`
	RemainingSessions *int   `json:"remaining_sessions,omitempty"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	CooldownMillis    int64  `json:"cooldown_ms,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type CorrectionDTO struct {
	ClientID string `json:"client_id"`
	Cached   int    `json:"cached"`
	Actual   int    `json:"actual"`
}

type ReconcileResponse struct {
	Checked     int               `json:"checked"`
	Corrections []CorrectionDTO   `json:"corrections"`
	Failed      map[string]string `json:"failed,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toTrainerDTO(t ledger.Trainer) TrainerDTO {
	return TrainerDTO{ID: string(t.ID), Name: t.Name, Email: t.Email, CreatedAt: formatTime(t.CreatedAt)}
}

func toClientDTO(c ledger.Client) ClientDTO {
	return ClientDTO{
		ID:                string(c.ID),
		TrainerID:         string(c.TrainerID),
		Name:              c.Name,
		Email:             c.Email,
		Phone:             c.Phone,
		RemainingSessions: c.RemainingSessions,
		CreatedAt:         formatTime(c.CreatedAt),
	}
}

func toPackageDTO(p ledger.Package) PackageDTO {
	return PackageDTO{
		ID:           string(p.ID),
		TrainerID:    string(p.TrainerID),
		Name:         p.Name,
		SessionCount: p.SessionCount,
		Price:        p.Price,
		CreatedAt:    formatTime(p.CreatedAt),
	}
}

func toPurchaseDTO(p ledger.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:                string(p.ID),
		ClientID:          string(p.ClientID),
		PackageID:         string(p.PackageID),
		RemainingSessions: p.RemainingSessions,
		PurchaseDate:      formatTime(p.PurchaseDate),
	}
}

func toSessionDTO(s ledger.Session) SessionDTO {
	return SessionDTO{
		ID:          string(s.ID),
		ClientID:    string(s.ClientID),
		TrainerID:   string(s.TrainerID),
		CheckInTime: formatTime(s.CheckInTime),
	}
}

func toCheckInResponse(res checkin.Result) CheckInResponse {
	resp := CheckInResponse{
		Success:   res.Success,
		Error:     string(res.Error),
		Message:   res.Message,
		SessionID: string(res.SessionID),
	}
	if res.Success {
		remaining := res.RemainingSessions
		resp.RemainingSessions = &remaining
		resp.CooldownMillis = res.Cooldown.Milliseconds()
	}
	if res.Error == checkin.KindRecentCheckIn {
		resp.RetryAfterSeconds = checkin.RetryAfterSeconds(res.RetryAfter)
	}
	return resp
}

func toReconcileResponse(r ledger.ReconcileReport) ReconcileResponse {
	resp := ReconcileResponse{Checked: r.Checked, Corrections: make([]CorrectionDTO, 0, len(r.Corrected))}
	for _, c := range r.Corrected {
		resp.Corrections = append(resp.Corrections, CorrectionDTO{ClientID: string(c.ClientID), Cached: c.Cached, Actual: c.Actual})
	}
	if len(r.Failed) > 0 {
		resp.Failed = make(map[string]string, len(r.Failed))
		for id, err := range r.Failed {
			resp.Failed[string(id)] = err.Error()
		}
	}
	return resp
}
