package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Login("success")
	m.Login("invalid_credentials")
	m.Login("success")
	m.ReuseDetected()
	m.RateLimit("login_ip", "limited")
	m.CleanupDeleted(3)
	m.CleanupDeleted(0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.logins.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reuseDetections))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rateLimits.WithLabelValues("login_ip", "limited")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.cleanupDeleted))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Login("success")
	m.Validation("ok")
	require.Nil(t, m.Registry())
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Refresh("success")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `session_refreshes_total{outcome="success"} 1`)
}
