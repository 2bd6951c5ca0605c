package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/health"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm/wasmtest"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
	"github.com/tKwbr999/supabase-toolbox/pkg/observability"
)

type staticChecker struct {
	status core.HealthStatus
}

func (c staticChecker) CheckHealth(context.Context) core.HealthStatus {
	return c.status
}

type panickingChecker struct{}

func (panickingChecker) CheckHealth(context.Context) core.HealthStatus {
	panic("module exploded")
}

func testConfig() Config {
	return Config{Port: "0", MetricsPath: "/metrics", ServiceName: "staging-health-checker"}
}

func serve(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestServer_Health(t *testing.T) {
	status := core.HealthStatus{
		Status:    "healthy",
		Timestamp: "2025-01-01T00:00:00.000Z",
		Version:   "1.0.5",
		Source:    "go-wasm",
		Extra:     map[string]any{"uptime": 12.0},
	}
	s := NewServer(testConfig(), staticChecker{status: status}, nil)

	for _, path := range []string{"/health", "/hc/health"} {
		t.Run(path, func(t *testing.T) {
			rec, body := serve(t, s, path)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))

			assert.Equal(t, "healthy", body["status"])
			assert.Equal(t, "1.0.5", body["version"])
			assert.Equal(t, 12.0, body["uptime"])
			assert.Equal(t, "staging-health-checker", body["service"])
			assert.Equal(t, path, body["endpoint"])

			requestID, _ := body["requestId"].(string)
			_, err := uuid.Parse(requestID)
			assert.NoError(t, err)
			assert.Equal(t, requestID, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestServer_FreshRequestIDs(t *testing.T) {
	s := NewServer(testConfig(), staticChecker{status: core.HealthStatus{Status: "healthy"}}, nil)

	_, first := serve(t, s, "/health")
	_, second := serve(t, s, "/health")
	assert.NotEqual(t, first["requestId"], second["requestId"])
}

func TestServer_NotFound(t *testing.T) {
	s := NewServer(testConfig(), staticChecker{}, nil)

	for _, path := range []string{"/", "/healthz", "/hc", "/health/extra"} {
		rec, body := serve(t, s, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, map[string]any{"error": "Not found"}, body, path)
	}
}

func TestServer_PanicIs500(t *testing.T) {
	s := NewServer(testConfig(), panickingChecker{}, nil)
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec, body := serve(t, s, "/health")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{
		"status":    "error",
		"message":   "Internal server error",
		"timestamp": "2025-03-04T05:06:07.000Z",
	}, body)
}

func TestServer_RateLimit(t *testing.T) {
	config := testConfig()
	config.RateLimit = limiter.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	s := NewServer(config, staticChecker{status: core.HealthStatus{Status: "healthy"}}, nil)

	rec, _ := serve(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := serve(t, s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, map[string]any{"error": "Too many requests"}, body)
}

func TestServer_Metrics(t *testing.T) {
	obs := observability.NewNopManager()
	s := NewServer(testConfig(), staticChecker{status: core.HealthStatus{Status: "healthy"}}, obs)

	serve(t, s, "/health")
	serve(t, s, "/hc/health")
	serve(t, s, "/nope")

	m := obs.GetMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/hc/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("other", "404")))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthcheck_http_requests_total")
}

func TestServer_WithChecker(t *testing.T) {
	ctx := context.Background()
	loader, err := wasm.NewLoader(ctx, wasm.DefaultLoaderConfig())
	require.NoError(t, err)
	defer loader.Close(ctx)

	checker := health.NewChecker(loader)
	s := NewServer(testConfig(), checker, nil)

	// before initialization the fallback answers
	_, body := serve(t, s, "/health")
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, core.SourceFallback, body["source"])

	payload := `{"status":"healthy","timestamp":"2025-01-01T00:00:00.000Z","version":"3.0.0","source":"go-wasm"}`
	require.NoError(t, checker.InitializeBytes(ctx, "health", wasmtest.HealthModule{Payload: []byte(payload), WASI: true}.Bytes()))

	_, body = serve(t, s, "/hc/health")
	assert.Equal(t, "3.0.0", body["version"])
	assert.Equal(t, "go-wasm", body["source"])
	assert.Equal(t, "/hc/health", body["endpoint"])
}

func TestServer_ValidatesAgainstSchema(t *testing.T) {
	s := NewServer(testConfig(), staticChecker{}, nil)
	require.NotNil(t, s.validator)

	valid := core.HealthStatus{Status: "healthy", Timestamp: "2025-01-01T00:00:00.000Z"}
	assert.NoError(t, s.validateStatus(valid))

	var missing core.HealthStatus
	require.NoError(t, json.Unmarshal([]byte(`{"status":"healthy"}`), &missing))
	err := s.validateStatus(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestServer_ServesStatusFailingValidation(t *testing.T) {
	var status core.HealthStatus
	require.NoError(t, json.Unmarshal([]byte(`{"status":"healthy","uptime":1}`), &status))
	s := NewServer(testConfig(), staticChecker{status: status}, nil)

	rec, body := serve(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "timestamp")
}
