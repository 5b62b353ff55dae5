package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/config"
	"github.com/devrev/objectstore/internal/errors"
	"github.com/devrev/objectstore/internal/handler"
	"github.com/devrev/objectstore/internal/health"
	"github.com/devrev/objectstore/internal/index"
	"github.com/devrev/objectstore/internal/ledger"
	"github.com/devrev/objectstore/internal/metrics"
	"github.com/devrev/objectstore/internal/service"
	"github.com/devrev/objectstore/internal/store"
	"github.com/devrev/objectstore/internal/util/workerpool"
	"github.com/devrev/objectstore/internal/validation"
)

type testServer struct {
	handler  http.Handler
	registry *prometheus.Registry
	hot      *store.HotTier
	coldDir  string
}

func testConfig(limit int64) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:               9000,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			IdleTimeout:        120 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			RequestTimeout:     10 * time.Second,
			MaxObjectSizeBytes: 4096,
			MaxListLimit:       1000,
			CORSAllowedOrigins: []string{"*"},
		},
		RateLimiter: config.RateLimiterConfig{Enabled: false},
		Ledger:      config.LedgerConfig{DefaultLimitBytes: limit},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := zap.NewNop()
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	idx := index.NewIndex(index.NewMemoryStore(), m, logger)
	led := ledger.NewLedger(ledger.NewMemoryBackend(), ledger.Limits{Default: cfg.Ledger.DefaultLimitBytes}, m, logger)
	coldDir := t.TempDir()
	cold, err := store.NewLocalBackend(coldDir, logger)
	require.NoError(t, err)
	hot, err := store.NewHotTier(1<<20, m, logger)
	require.NoError(t, err)
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "promotion", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	storeCfg := store.Config{PopulateOnWrite: true, HotTimeout: time.Second, ColdTimeout: 5 * time.Second}
	st := store.NewTieredStore(storeCfg, hot, nil, cold, pool, m, logger)
	t.Cleanup(func() { st.Close(context.Background()) })

	validator := validation.NewValidatorWithLimits(validation.MaxKeySize, validation.MaxTenantIDSize,
		cfg.Server.MaxObjectSizeBytes, cfg.Server.MaxListLimit)
	svc := service.NewObjectService(idx, led, st, validator, m, logger)

	probes := []health.Probe{
		{Name: "index", Critical: true, Check: idx.Ping},
		{Name: "ledger", Critical: true, Check: led.Ping},
	}
	for _, p := range st.Probes() {
		probes = append(probes, health.Probe{Name: p.Name, Critical: p.Critical, Check: p.Check})
	}
	monitor := health.NewMonitor(probes, time.Second, time.Minute, m, logger)

	srv := NewServer(cfg, svc, monitor, m, logger)
	srv.SetupRoutes()
	return &testServer{handler: srv.GetHandler(), registry: registry, hot: hot, coldDir: coldDir}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) upload(t *testing.T, tenant, key string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPut, "/upload?tenant="+tenant+"&key="+key, body, nil)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errors.ErrorResponse {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestServer_UploadDownloadRoundTrip(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))
	body := []byte("hello object store")

	w := ts.do(t, http.MethodPut, "/upload?tenant=t1&key=docs/a.txt", body, map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var up handler.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	sum := sha256.Sum256(body)
	assert.Equal(t, "uploaded", up.Status)
	assert.Equal(t, "docs/a.txt", up.Key)
	assert.Equal(t, "t1", up.TenantID)
	assert.Equal(t, hex.EncodeToString(sum[:]), up.ETag)
	assert.Equal(t, int64(len(body)), up.Size)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = ts.do(t, http.MethodGet, "/download?tenant=t1&key=docs/a.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.Bytes())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Quote(up.ETag), w.Header().Get("ETag"))
	assert.Equal(t, strconv.Itoa(len(body)), w.Header().Get("Content-Length"))
	_, err := http.ParseTime(w.Header().Get("Last-Modified"))
	assert.NoError(t, err)
}

func TestServer_TenantAndKeyAliases(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))

	w := ts.do(t, http.MethodPut, "/upload?object_id=a.txt", []byte("abc"), map[string]string{"X-Tenant-ID": "t1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/download?tenant_id=t1&key=a.txt", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Body.String())
}

func TestServer_QuotaScenario(t *testing.T) {
	ts := newTestServer(t, testConfig(1000))

	w := ts.upload(t, "t1", "a", bytes.Repeat([]byte("x"), 750))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.upload(t, "t1", "b", bytes.Repeat([]byte("y"), 750))
	require.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, errors.KindQuotaExceeded, resp.ErrorKind)
	assert.Contains(t, resp.Error, "quota exceeded")
	assert.False(t, resp.Retryable)
	require.NotNil(t, resp.Used)
	require.NotNil(t, resp.Limit)
	assert.Equal(t, int64(750), *resp.Used)
	assert.Equal(t, int64(1000), *resp.Limit)

	w = ts.do(t, http.MethodGet, "/download?tenant=t1&key=b", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/quota?tenant=t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var quota handler.QuotaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quota))
	assert.Equal(t, int64(750), quota.Used)
	assert.Equal(t, int64(1000), quota.Limit)
	assert.Equal(t, int64(250), quota.Available)
	assert.InDelta(t, 75.0, quota.Percentage, 0.001)
}

func TestServer_DeleteCreditsQuota(t *testing.T) {
	ts := newTestServer(t, testConfig(1000))

	require.Equal(t, http.StatusOK, ts.upload(t, "t1", "a", bytes.Repeat([]byte("x"), 600)).Code)

	w := ts.do(t, http.MethodDelete, "/delete?tenant=t1&key=a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var del handler.DeleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &del))
	assert.Equal(t, "deleted", del.Status)
	assert.Equal(t, "a", del.Key)

	w = ts.do(t, http.MethodDelete, "/delete?tenant=t1&key=a", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, ts.upload(t, "t1", "b", bytes.Repeat([]byte("y"), 900)).Code)
}

func TestServer_ListPagination(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))
	for _, key := range []string{"docs/1.txt", "docs/2.txt", "docs/3.txt", "img/x.png"} {
		require.Equal(t, http.StatusOK, ts.upload(t, "t1", key, []byte(key)).Code)
	}

	w := ts.do(t, http.MethodGet, "/list?tenant=t1&prefix=docs/&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page handler.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.Truncated)
	assert.Equal(t, "docs/2.txt", page.NextMarker)
	assert.Equal(t, "docs/1.txt", page.Objects[0].Key)
	assert.Equal(t, "docs/2.txt", page.Objects[1].Key)

	w = ts.do(t, http.MethodGet, "/list?tenant=t1&prefix=docs/&limit=2&marker="+page.NextMarker, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = handler.ListResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "docs/3.txt", page.Objects[0].Key)
	assert.False(t, page.Truncated)
	assert.NotContains(t, w.Body.String(), "next_marker")

	w = ts.do(t, http.MethodGet, "/list?tenant=empty", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"objects":[]`)
}

func TestServer_TenantIsolation(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))
	require.Equal(t, http.StatusOK, ts.upload(t, "t1", "secret", []byte("mine")).Code)

	w := ts.do(t, http.MethodGet, "/download?tenant=t2&key=secret", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/list?tenant=t2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestServer_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))

	tests := []struct {
		name   string
		method string
		target string
		body   []byte
	}{
		{"missing tenant", http.MethodPut, "/upload?key=a", []byte("x")},
		{"missing key", http.MethodPut, "/upload?tenant=t1", []byte("x")},
		{"empty body", http.MethodPut, "/upload?tenant=t1&key=a", nil},
		{"too large", http.MethodPut, "/upload?tenant=t1&key=a", bytes.Repeat([]byte("x"), 4097)},
		{"oversized key", http.MethodGet, "/download?tenant=t1&key=" + strings.Repeat("k", 1025), nil},
		{"bad limit", http.MethodGet, "/list?tenant=t1&limit=abc", nil},
		{"negative limit", http.MethodGet, "/list?tenant=t1&limit=-1", nil},
		{"quota without tenant", http.MethodGet, "/quota", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.target, tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decodeError(t, w)
			assert.Equal(t, errors.KindValidation, resp.ErrorKind)
			assert.False(t, resp.Retryable)
			assert.NotEmpty(t, resp.RequestID)
		})
	}

	w := ts.do(t, http.MethodGet, "/quota?tenant=t1", nil, nil)
	var quota handler.QuotaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quota))
	assert.Zero(t, quota.Used)
}

func TestServer_MissingColdContentIsNotFound(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))
	require.Equal(t, http.StatusOK, ts.upload(t, "t1", "a", []byte("abc")).Code)

	require.Eventually(t, func() bool {
		return ts.hot.Stats().Entries == 1
	}, time.Second, 5*time.Millisecond)

	// The hot tier still holds a copy; the cold tier is authoritative.
	removeColdBlobs(t, ts.coldDir)

	w := ts.do(t, http.MethodGet, "/download?tenant=t1&key=a", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_UnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))

	w := ts.do(t, http.MethodGet, "/nope", nil, map[string]string{"X-Request-ID": "req-404"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "req-404", w.Header().Get("X-Request-ID"))
	resp := decodeError(t, w)
	assert.Equal(t, errors.KindNotFound, resp.ErrorKind)
	assert.Equal(t, "req-404", resp.RequestID)

	w = ts.do(t, http.MethodPost, "/upload?tenant=t1&key=a", []byte("x"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), decodeError(t, w).RequestID)

	expected := `
		# HELP objectstore_http_requests_total Total number of HTTP requests
		# TYPE objectstore_http_requests_total counter
		objectstore_http_requests_total{method="GET",route="unmatched",status="404"} 1
		objectstore_http_requests_total{method="POST",route="unmatched",status="405"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(ts.registry, strings.NewReader(expected), "objectstore_http_requests_total"))
}

func TestServer_BodyValidationReasons(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))

	w := ts.upload(t, "t1", "empty", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, errors.KindValidation, resp.ErrorKind)
	assert.Equal(t, errors.ReasonMissingBody, resp.Reason)

	w = ts.upload(t, "t1", "big", make([]byte, 4097))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = decodeError(t, w)
	assert.Equal(t, errors.KindValidation, resp.ErrorKind)
	assert.Equal(t, errors.ReasonObjectTooLarge, resp.Reason)
	assert.Contains(t, w.Body.String(), `"error_kind":"VALIDATION"`)
}

func TestServer_HealthEndpoints(t *testing.T) {
	ts := newTestServer(t, testConfig(1<<20))

	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "healthy", string(report.Status))
	assert.Contains(t, report.Checks, "store.cold")
	assert.Contains(t, report.Checks, "store.hot")

	w = ts.do(t, http.MethodGet, "/minio/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "READY", w.Body.String())

	w = ts.do(t, http.MethodGet, "/minio/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestServer_RateLimited(t *testing.T) {
	cfg := testConfig(1 << 20)
	cfg.RateLimiter = config.RateLimiterConfig{Enabled: true, RequestsPerSecond: 0.01, BurstSize: 2, PerTenant: true}
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodGet, "/list?tenant=t1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(t, http.MethodGet, "/list?tenant=t1", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	resp := decodeError(t, w)
	assert.Equal(t, errors.KindRateLimited, resp.ErrorKind)
	assert.True(t, resp.Retryable)

	// Other tenants and probes keep working
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/list?tenant=t2", nil, nil).Code)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/minio/health/live", nil, nil).Code)
	}
}

func TestServer_OverwriteKeepsUsageExact(t *testing.T) {
	ts := newTestServer(t, testConfig(1000))

	for _, size := range []int{400, 900, 100} {
		w := ts.upload(t, "t1", "a", bytes.Repeat([]byte("x"), size))
		require.Equal(t, http.StatusOK, w.Code, fmt.Sprintf("size %d: %s", size, w.Body.String()))
	}

	w := ts.do(t, http.MethodGet, "/quota?tenant=t1", nil, nil)
	var quota handler.QuotaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quota))
	assert.Equal(t, int64(100), quota.Used)
}

func removeColdBlobs(t *testing.T, dir string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == ".lock" {
			return nil
		}
		return os.Remove(path)
	})
	require.NoError(t, err)
}
