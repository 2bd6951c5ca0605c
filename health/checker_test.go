package health

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm/wasmtest"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
	"github.com/tKwbr999/supabase-toolbox/pkg/metrics"
)

const modulePayload = `{"status":"healthy","timestamp":"2025-01-01T00:00:00.000Z","version":"1.0.5","source":"go-wasm","uptime":12}`

// recordingLoader keeps every instance it hands out
type recordingLoader struct {
	*wasm.Loader
	instances []*wasm.Instance
}

func (r *recordingLoader) LoadBytes(ctx context.Context, name string, b []byte) (*wasm.Instance, error) {
	inst, err := r.Loader.LoadBytes(ctx, name, b)
	if err == nil {
		r.instances = append(r.instances, inst)
	}
	return inst, err
}

func newLoader(t *testing.T) *recordingLoader {
	t.Helper()
	ctx := context.Background()
	loader, err := wasm.NewLoader(ctx, wasm.DefaultLoaderConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close(ctx) })
	return &recordingLoader{Loader: loader}
}

func healthModule() []byte {
	return wasmtest.HealthModule{Payload: []byte(modulePayload), WASI: true}.Bytes()
}

func assertFallback(t *testing.T, status core.HealthStatus) {
	t.Helper()
	assert.Equal(t, core.StatusHealthy, status.Status)
	assert.Equal(t, core.FallbackVersion, status.Version)
	assert.Equal(t, core.SourceFallback, status.Source)
	assert.NoError(t, core.Validate(status))
}

func TestFallbackChecker(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123_000_000, time.UTC)
	status := NewFallbackChecker(func() time.Time { return now }).Check()

	assert.Equal(t, core.HealthStatus{
		Status:    "healthy",
		Timestamp: "2025-06-01T12:30:45.123Z",
		Version:   "1.0.0-fallback",
		Source:    "native-go-implementation",
	}, status)
}

func TestChecker_NeverInitialized(t *testing.T) {
	c := NewChecker(newLoader(t))

	assert.Equal(t, Uninitialized, c.State())
	assertFallback(t, c.CheckHealth(context.Background()))
	assert.True(t, c.Binding().Empty())
}

func TestChecker_InitializeFailure(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newLoader(t))

	err := c.Initialize(ctx, filepath.Join(t.TempDir(), "absent.wasm"))
	assert.ErrorIs(t, err, wasm.ErrLoad)
	assert.Equal(t, Degraded, c.State())
	assertFallback(t, c.CheckHealth(ctx))

	err = c.InitializeBytes(ctx, "garbage", []byte{0x00, 0x61, 0x73})
	assert.ErrorIs(t, err, wasm.ErrLoad)
	assert.Equal(t, Degraded, c.State())
	assertFallback(t, c.CheckHealth(ctx))
}

func TestChecker_MissingExportsFallsBack(t *testing.T) {
	ctx := context.Background()
	loader := newLoader(t)
	c := NewChecker(loader)

	// calling either export would trap, so a healthy answer proves neither ran
	module := wasmtest.HealthModule{
		Payload:      []byte(modulePayload),
		BufferExport: "offset",
		HealthExport: "length",
		HealthBody:   wasmtest.Unreachable(),
	}
	require.NoError(t, c.InitializeBytes(ctx, "unnamed", module.Bytes()))

	assert.Equal(t, Degraded, c.State())
	assert.True(t, c.Binding().Empty())
	assertFallback(t, c.CheckHealth(ctx))

	require.Len(t, loader.instances, 1)
	assert.True(t, loader.instances[0].Module.IsClosed(), "unusable instance is released")
}

func TestChecker_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newLoader(t))

	require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, wasm.ExportBinding{BufferPointer: "get_buffer_pointer", HealthCheck: "health_check"}, c.Binding())

	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(modulePayload), &want))
	assert.Equal(t, want, c.CheckHealth(ctx).Map())
}

func TestChecker_Idempotence(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, c *Checker) {
		first := c.CheckHealth(ctx)
		second := c.CheckHealth(ctx)

		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.Version, second.Version)
		assert.Equal(t, first.Source, second.Source)

		t1, err := time.Parse(time.RFC3339Nano, first.Timestamp)
		require.NoError(t, err)
		t2, err := time.Parse(time.RFC3339Nano, second.Timestamp)
		require.NoError(t, err)
		assert.False(t, t2.Before(t1))
	}

	t.Run("fallback", func(t *testing.T) {
		check(t, NewChecker(newLoader(t)))
	})

	t.Run("module", func(t *testing.T) {
		c := NewChecker(newLoader(t))
		require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))
		check(t, c)
	})
}

func TestChecker_ModuleFailureIsErrorStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		module wasmtest.HealthModule
	}{
		{"zero length", wasmtest.HealthModule{Payload: []byte(modulePayload), Length: wasmtest.Int32(0)}},
		{"negative length", wasmtest.HealthModule{Payload: []byte(modulePayload), Length: wasmtest.Int32(-1)}},
		{"garbage bytes", wasmtest.HealthModule{Payload: []byte("not-json")}},
		{"out of bounds", wasmtest.HealthModule{Payload: []byte(modulePayload), Length: wasmtest.Int32(1 << 20)}},
		{"trap", wasmtest.HealthModule{HealthBody: wasmtest.Unreachable()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(newLoader(t), WithClock(func() time.Time { return now }))
			require.NoError(t, c.InitializeBytes(ctx, tt.name, tt.module.Bytes()))
			require.Equal(t, Ready, c.State())

			status := c.CheckHealth(ctx)
			assert.Equal(t, core.StatusError, status.Status)
			assert.Equal(t, core.SourceErrorFallback, status.Source)
			assert.Equal(t, "2025-01-02T03:04:05.000Z", status.Timestamp)
			assert.NotEmpty(t, status.Message)
			assert.Equal(t, Ready, c.State(), "a failed check does not change state")
		})
	}
}

func TestChecker_CallTimeout(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newLoader(t), WithCallTimeout(50*time.Millisecond))

	module := wasmtest.HealthModule{Payload: []byte(modulePayload), HealthBody: wasmtest.LoopForever()}
	require.NoError(t, c.InitializeBytes(ctx, "spin", module.Bytes()))

	status := c.CheckHealth(ctx)
	assert.Equal(t, core.StatusError, status.Status)

	// the guest was closed by the timeout
	status = c.CheckHealth(ctx)
	assert.Equal(t, core.StatusError, status.Status)
}

func TestChecker_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewPrometheusMetrics()

	config := limiter.DefaultCircuitBreakerConfig("health-module")
	config.ConsecutiveFailures = 2
	c := NewChecker(newLoader(t), WithCircuitBreaker(config), WithMetrics(m))

	module := wasmtest.HealthModule{Payload: []byte(modulePayload), Length: wasmtest.Int32(0)}
	require.NoError(t, c.InitializeBytes(ctx, "failing", module.Bytes()))

	for i := 0; i < 2; i++ {
		status := c.CheckHealth(ctx)
		assert.Contains(t, status.Message, wasm.ErrHealthCheck.Error())
	}

	status := c.CheckHealth(ctx)
	assert.Equal(t, core.StatusError, status.Status)
	assert.Equal(t, "circuit breaker is open", status.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitStateChangesTotal.WithLabelValues("open")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues(core.StatusError, core.SourceErrorFallback)))
}

func TestChecker_CancelledCallerKeepsModule(t *testing.T) {
	loader := newLoader(t)
	c := NewChecker(loader)
	require.NoError(t, c.InitializeBytes(context.Background(), "health", healthModule()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, core.StatusHealthy, c.CheckHealth(cancelled).Status)

	status := c.CheckHealth(context.Background())
	assert.Equal(t, core.StatusHealthy, status.Status, status.Message)
	assert.Equal(t, Ready, c.State())
	require.Len(t, loader.instances, 1)
	assert.False(t, loader.instances[0].Module.IsClosed())
}

func TestChecker_ReinitializeResetsCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	config := limiter.DefaultCircuitBreakerConfig("health-module")
	config.ConsecutiveFailures = 1
	c := NewChecker(newLoader(t), WithCircuitBreaker(config))

	failing := wasmtest.HealthModule{Payload: []byte(modulePayload), Length: wasmtest.Int32(0)}
	require.NoError(t, c.InitializeBytes(ctx, "failing", failing.Bytes()))
	c.CheckHealth(ctx)
	require.Equal(t, "circuit breaker is open", c.CheckHealth(ctx).Message)

	require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))
	status := c.CheckHealth(ctx)
	assert.Equal(t, core.StatusHealthy, status.Status, status.Message)
}

func TestChecker_Reinitialize(t *testing.T) {
	ctx := context.Background()
	loader := newLoader(t)
	c := NewChecker(loader)

	require.NoError(t, c.InitializeBytes(ctx, "first", healthModule()))
	require.NoError(t, c.InitializeBytes(ctx, "second", healthModule()))
	assert.Equal(t, Ready, c.State())

	require.Len(t, loader.instances, 2)
	assert.True(t, loader.instances[0].Module.IsClosed())
	assert.False(t, loader.instances[1].Module.IsClosed())
	assert.Equal(t, core.StatusHealthy, c.CheckHealth(ctx).Status)

	// a failed re-initialization drops the working module
	require.Error(t, c.InitializeBytes(ctx, "broken", []byte("nope")))
	assert.Equal(t, Degraded, c.State())
	assert.True(t, loader.instances[1].Module.IsClosed())
	assertFallback(t, c.CheckHealth(ctx))
}

func TestChecker_Close(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newLoader(t))

	require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))
	require.NoError(t, c.Close(ctx))

	assert.Equal(t, Uninitialized, c.State())
	assertFallback(t, c.CheckHealth(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestChecker_Metrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewPrometheusMetrics()
	c := NewChecker(newLoader(t), WithMetrics(m))

	require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))
	c.CheckHealth(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckerState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CheckerState.WithLabelValues("uninitialized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InitializationsTotal.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksTotal.WithLabelValues("healthy", "go-wasm")))
}

func TestChecker_ConcurrentChecks(t *testing.T) {
	ctx := context.Background()
	c := NewChecker(newLoader(t))
	require.NoError(t, c.InitializeBytes(ctx, "health", healthModule()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.Equal(t, core.StatusHealthy, c.CheckHealth(ctx).Status)
				_ = c.State()
			}
		}()
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "state(9)", State(9).String())
}
