package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_FreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.UpdatesTotal.WithLabelValues("merged").Inc()
	m.UpdatesTotal.WithLabelValues("merged").Inc()
	m.ConnectionState.Set(2)

	assert.Equal(t, 2.0, gathered(t, reg, "chartpipe_updates_total"))
	assert.Equal(t, 2.0, gathered(t, reg, "chartpipe_connection_state"))

	// A second set on its own registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

// gathered returns the first sample of the named family.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.NotEmpty(t, mf.GetMetric())
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func getHealth(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus(t *testing.T) {
	h := NewHealthStatus()

	code, body := getHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, body, "redis_connected")

	h.SetFeedState("connected", true)
	h.SetSubscriptions(3)
	h.SetLastCandleTime(time.Now())
	code, body = getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 3.0, body["subscriptions"])

	h.mu.Lock()
	h.JournalEnabled, h.JournalOK = true, false
	h.mu.Unlock()
	code, body = getHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["journal_ok"])
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ParseErrors.Inc()

	h := NewHealthStatus()
	h.SetFeedState("connected", true)
	srv := httptest.NewServer(NewServer(":0", h, reg, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "chartpipe_parse_errors_total 1")

	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
