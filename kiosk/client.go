package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
)

// Client talks to the check-in HTTP API. It implements Checker.
type Client struct {
	BaseURL string
	// Locale is sent as Accept-Language so messages come back localized.
	Locale string
	HTTP   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Wire shapes of the API. Kept local so the kiosk binary does not link the server.
type checkInRequest struct {
	ClientID  string `json:"client_id"`
	TrainerID string `json:"trainer_id"`
}

type checkInResponse struct {
	Success           bool   `json:"success"`
	RemainingSessions *int   `json:"remaining_sessions,omitempty"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	CooldownMillis    int64  `json:"cooldown_ms,omitempty"`
}

type clientDTO struct {
	ID                string `json:"id"`
	TrainerID         string `json:"trainer_id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	RemainingSessions int    `json:"remaining_sessions"`
}

// CheckIn posts a check-in. Rejections arrive as a Result; only transport
// failures and unreadable responses are errors.
func (c *Client) CheckIn(ctx context.Context, clientID ledger.ClientID, trainerID ledger.TrainerID) (checkin.Result, error) {
	body, err := json.Marshal(checkInRequest{ClientID: string(clientID), TrainerID: string(trainerID)})
	if err != nil {
		return checkin.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/checkins", bytes.NewReader(body))
	if err != nil {
		return checkin.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Locale != "" {
		req.Header.Set("Accept-Language", c.Locale)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return checkin.Result{}, err
	}
	defer resp.Body.Close()

	var dto checkInResponse
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		// Gateways answer without a JSON body.
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return checkin.Result{Error: checkin.KindNetworkError, State: checkin.StateRejected}, nil
		case http.StatusGatewayTimeout:
			return checkin.Result{Error: checkin.KindTimeoutError, State: checkin.StateRejected}, nil
		}
		return checkin.Result{}, fmt.Errorf("decode check-in response (status %d): %w", resp.StatusCode, err)
	}

	return dto.result(), nil
}

func (dto checkInResponse) result() checkin.Result {
	res := checkin.Result{
		Success:    dto.Success,
		Message:    dto.Message,
		SessionID:  ledger.SessionID(dto.SessionID),
		RetryAfter: time.Duration(dto.RetryAfterSeconds) * time.Second,
		Cooldown:   time.Duration(dto.CooldownMillis) * time.Millisecond,
	}
	if dto.RemainingSessions != nil {
		res.RemainingSessions = *dto.RemainingSessions
	}
	if dto.Success {
		res.State = checkin.StateSettled
		return res
	}

	kind, ok := checkin.ParseErrorKind(dto.Error)
	if !ok {
		kind = checkin.KindUnknownError
	}
	res.Error = kind
	res.State = checkin.StateRejected
	if kind.Category() == checkin.CategoryPartialCommit {
		res.State = checkin.StateRolledBack
	}
	return res
}

// ListClients returns the active clients of a trainer, ordered by name.
func (c *Client) ListClients(ctx context.Context, trainerID ledger.TrainerID) (Roster, error) {
	endpoint := fmt.Sprintf("%s/api/trainers/%s/clients", c.BaseURL, url.PathEscape(string(trainerID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list clients: unexpected status %d", resp.StatusCode)
	}

	var dtos []clientDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}

	roster := make(Roster, len(dtos))
	for i, d := range dtos {
		roster[i] = Entry{
			ID:                ledger.ClientID(d.ID),
			TrainerID:         ledger.TrainerID(d.TrainerID),
			Name:              d.Name,
			Email:             d.Email,
			Phone:             d.Phone,
			RemainingSessions: d.RemainingSessions,
		}
	}
	return roster, nil
}
