package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordTierOperation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTierOperation("hot", "read", "hit", time.Millisecond)
	m.RecordTierOperation("hot", "read", "hit", time.Millisecond)
	m.RecordTierOperation("hot", "read", "miss", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tierOperations.WithLabelValues("hot", "read", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tierOperations.WithLabelValues("hot", "read", "miss")))
}

func TestMetrics_HealthGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetHealthStatus(1)
	m.SetHealthCheck("store.hot", false)
	m.SetHealthCheck("store.cold", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthStatus))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthChecks.WithLabelValues("store.hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecks.WithLabelValues("store.cold")))
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(MetricsMiddleware(m))
	router.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"missing"}`))
	}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/download?key=a", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/download", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.requestsInFlight))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
