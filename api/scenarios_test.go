package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkin-engine/ledger"
)

func TestScenarios_AllLoadAndKeepInvariant(t *testing.T) {
	// GIVEN: Each listed scenario
	// WHEN: Loading it
	// THEN: Every client's cache equals the sum of its purchases

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			env := newTestEnv(t)
			env.loadScenario(s.ID)
			ctx := context.Background()

			clients, err := env.backend.ListClients(ctx, DemoTrainerID)
			require.NoError(t, err)
			require.NotEmpty(t, clients)

			calc := ledger.NewBalanceCalculator(env.backend)
			for _, c := range clients {
				balance, err := calc.CalculateRemainingSessions(ctx, c.ID)
				require.NoError(t, err)
				assert.Equal(t, balance, c.RemainingSessions, c.ID)
			}
		})
	}
}

func TestScenarios_EveryScenarioHasALoader(t *testing.T) {
	for _, s := range scenarios {
		assert.Contains(t, scenarioLoaders, s.ID)
	}
	assert.Len(t, scenarioLoaders, len(scenarios))
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	env := newTestEnv(t)
	env.loadScenario("kiosk-roster")
	env.loadScenario("no-purchases")

	clients, err := env.backend.ListClients(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, ledger.ClientID("client-casey"), clients[0].ID)

	rec := env.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "no-purchases", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenarios(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestResetDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.loadScenario("single-purchase")

	rec := env.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.backend.GetClient(context.Background(), "client-avery")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)

	rec = env.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}

type noReset struct{ ledger.Backend }

func TestResetDatabase_Unsupported(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(noReset{env.backend}, Config{})

	rec := env.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.router = NewRouter(h, RouterOptions{})
	rec = env.do(http.MethodPost, "/api/scenarios/reset", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
