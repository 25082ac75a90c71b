package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
	"github.com/warp/checkin-engine/ledger/store"
	"github.com/warp/checkin-engine/metrics"
)

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestCollector_RecordCheckIn(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordCheckIn("success", 20*time.Millisecond)
	c.RecordCheckIn("success", 30*time.Millisecond)
	c.RecordCheckIn(string(checkin.KindRecentCheckIn), time.Millisecond)

	assert.Equal(t, 3.0, gathered(t, reg, "checkin_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "checkin_duration_seconds"))
}

func TestCollector_FailureCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordRollbackFailure()
	c.RecordCacheWriteFailure()
	c.RecordCacheWriteFailure()

	assert.Equal(t, 1.0, gathered(t, reg, "checkin_rollback_failures_total"))
	assert.Equal(t, 2.0, gathered(t, reg, "checkin_cache_write_failures_total"))
}

func TestCollector_RecordReconcile(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordReconcile(3, nil)
	c.RecordReconcile(0, errors.New("store down"))

	assert.Equal(t, 3.0, gathered(t, reg, "reconcile_corrections_total"))
	assert.Equal(t, 2.0, gathered(t, reg, "reconcile_runs_total"))
}

func TestCollector_WiredIntoProtocol(t *testing.T) {
	// GIVEN: A protocol reporting to the collector
	// WHEN: A client with no purchases checks in
	// THEN: The NO_SESSIONS_LEFT outcome is counted

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	clock := ledger.NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	m := store.NewTxMemory(clock)
	ctx := t.Context()
	require.NoError(t, m.SaveTrainer(ctx, ledger.Trainer{ID: "trainer-1", Name: "Alex"}))
	require.NoError(t, m.SaveClient(ctx, ledger.Client{ID: "client-1", TrainerID: "trainer-1", Name: "Jordan"}))

	res := checkin.NewProtocol(m, checkin.Config{Clock: clock, Recorder: c}).CheckIn(ctx, "client-1", "trainer-1")
	require.False(t, res.Success)

	families, err := reg.Gather()
	require.NoError(t, err)
	var outcome string
	for _, mf := range families {
		if mf.GetName() == "checkin_total" {
			outcome = mf.GetMetric()[0].GetLabel()[0].GetValue()
		}
	}
	assert.Equal(t, string(checkin.KindNoSessionsLeft), outcome)
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	c.RecordCheckIn("success", time.Millisecond)

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `checkin_total{outcome="success"} 1`)
}
