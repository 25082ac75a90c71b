package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_CleanupDropsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(10, time.Hour)
	defer rl.Stop()

	now := t0
	rl.now = func() time.Time { return now }
	rl.Allow("10.0.0.1")

	now = now.Add(3 * time.Hour)
	rl.Allow("10.0.0.2")
	rl.cleanup()

	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	// GIVEN: A limit of one check-in per minute
	// WHEN: The same kiosk posts twice
	// THEN: The second attempt is 429 with Retry-After

	env := newTestEnv(t)
	env.loadScenario("single-purchase")
	rl := NewRateLimiter(1, time.Hour)
	defer rl.Stop()
	env.router = NewRouter(env.handler, RouterOptions{CheckInLimiter: rl})

	rec, _ := env.checkIn("client-avery")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/checkins", CheckInRequest{ClientID: "client-avery", TrainerID: string(DemoTrainerID)})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other routes are not limited.
	rec = env.do(http.MethodGet, "/api/clients/client-avery", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:52311"
	assert.Equal(t, "192.0.2.10", clientIP(req))

	req.RemoteAddr = "192.0.2.10"
	assert.Equal(t, "192.0.2.10", clientIP(req))
}
