// Package health composes the module loader, export discovery and invocation
// into a checker that always answers, falling back to a host-side status when
// no usable module is loaded.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
	"github.com/tKwbr999/supabase-toolbox/pkg/metrics"
	"github.com/tKwbr999/supabase-toolbox/pkg/tracing"
)

// State is the lifecycle state of a Checker
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AllStates lists every state name, for gauges
var AllStates = []string{
	Uninitialized.String(),
	Initializing.String(),
	Ready.String(),
	Degraded.String(),
}

// ModuleLoader is the part of wasm.Loader the checker needs
type ModuleLoader interface {
	Load(ctx context.Context, path string) (*wasm.Instance, error)
	LoadBytes(ctx context.Context, name string, b []byte) (*wasm.Instance, error)
}

// Option configures a Checker
type Option func(*Checker)

// WithLogger sets the checker logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithMetrics records checks, initializations and state
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for initialize and check spans
func WithTracer(t *tracing.Tracer) Option {
	return func(c *Checker) {
		c.tracer = t
	}
}

// WithCircuitBreaker configures the breaker guarding module invocations
func WithCircuitBreaker(config limiter.CircuitBreakerConfig) Option {
	return func(c *Checker) {
		c.breakerConfig = config
	}
}

// WithCallTimeout bounds each export call
func WithCallTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.invoker.CallTimeout = d
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// Checker owns at most one module instance and answers health checks from
// it, or from the fallback when the instance is absent.
type Checker struct {
	loader        ModuleLoader
	invoker       wasm.Invoker
	fallback      *FallbackChecker
	breaker       *limiter.Breaker
	breakerConfig limiter.CircuitBreakerConfig
	logger        *logging.Logger
	metrics       *metrics.PrometheusMetrics
	tracer        *tracing.Tracer
	now           func() time.Time

	state atomic.Int32

	// mu serializes Initialize, CheckHealth and Close
	mu       sync.Mutex
	instance *wasm.Instance
	binding  wasm.ExportBinding
}

// NewChecker creates an uninitialized checker
func NewChecker(loader ModuleLoader, opts ...Option) *Checker {
	c := &Checker{
		loader:        loader,
		breakerConfig: limiter.DefaultCircuitBreakerConfig("health-module"),
		logger:        logging.NewNop(),
		tracer:        tracing.NewNopTracer(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.fallback = NewFallbackChecker(c.now)
	c.breaker = c.newBreaker()
	c.setState(Uninitialized)
	return c
}

// newBreaker builds a closed breaker. Each loaded instance gets its own.
func (c *Checker) newBreaker() *limiter.Breaker {
	return limiter.NewBreaker(c.breakerConfig, func(name, from, to string) {
		c.logger.LogCircuitBreaker(name, from, to)
		if c.metrics != nil {
			c.metrics.RecordCircuitStateChange(to)
		}
	})
}

// State returns the current state without waiting for a running check
func (c *Checker) State() State {
	return State(c.state.Load())
}

// Binding returns the export binding of the current instance
func (c *Checker) Binding() wasm.ExportBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

// Initialize loads the module at path, replacing any previous instance.
// A load failure is returned and leaves the checker Degraded; a module
// without usable exports also leaves it Degraded but is not an error.
func (c *Checker) Initialize(ctx context.Context, path string) error {
	return c.initialize(ctx, path, func(ctx context.Context) (*wasm.Instance, error) {
		return c.loader.Load(ctx, path)
	})
}

// InitializeBytes is Initialize for a module already in memory
func (c *Checker) InitializeBytes(ctx context.Context, name string, b []byte) error {
	return c.initialize(ctx, name, func(ctx context.Context) (*wasm.Instance, error) {
		return c.loader.LoadBytes(ctx, name, b)
	})
}

func (c *Checker) initialize(ctx context.Context, name string, load func(context.Context) (*wasm.Instance, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.StartInitializeSpan(ctx, name)
	defer span.End()

	c.releaseInstance(ctx)
	c.setState(Initializing)

	inst, err := load(ctx)
	if err != nil {
		c.logger.Error("failed to load health module, using fallback", "module", name, "error", err)
		c.finishInitialize(Degraded)
		tracing.RecordSpanError(span, err)
		return err
	}

	binding := wasm.Discover(inst, c.logger)
	if !binding.Complete() {
		if err := inst.Close(ctx); err != nil {
			c.logger.Warn("failed to close unusable module", "module", name, "error", err)
		}
		c.logger.Warn("health module has no usable exports, using fallback", "module", name)
		c.finishInitialize(Degraded)
		tracing.RecordSpanSuccess(span)
		return nil
	}

	c.instance = inst
	c.binding = binding
	c.breaker = c.newBreaker()
	c.logger.Info("health module ready",
		"module", name,
		"buffer_pointer", binding.BufferPointer,
		"health_check", binding.HealthCheck,
	)
	c.finishInitialize(Ready)
	tracing.RecordSpanSuccess(span)
	return nil
}

func (c *Checker) finishInitialize(s State) {
	c.setState(s)
	if c.metrics != nil {
		c.metrics.RecordInitialization(s.String())
	}
}

// CheckHealth always returns a status. A Ready checker asks the module and
// turns any failure into an error-shaped status; otherwise the fallback
// answers.
func (c *Checker) CheckHealth(ctx context.Context) (status core.HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	state := c.State()
	ctx, span := c.tracer.StartCheckSpan(ctx, state.String())
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("health check panicked: %v", r)
			c.logger.Error("recovered from panic in health check", "error", err)
			tracing.RecordSpanError(span, err)
			status = core.NewErrorStatus(err, c.now())
		}
		duration := c.now().Sub(start)
		c.logger.LogCheck(ctx, state.String(), status.Status, status.Source, duration)
		if c.metrics != nil {
			c.metrics.RecordCheck(state.String(), status.Status, status.Source, duration)
		}
	}()

	if state != Ready {
		tracing.RecordSpanSuccess(span)
		return c.fallback.Check()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invoker.Invoke(ctx, c.instance, c.binding)
	})
	if err != nil {
		c.logger.Warn("health module check failed", "module", c.instance.Name, "error", err)
		tracing.RecordSpanError(span, err)
		return core.NewErrorStatus(err, c.now())
	}

	tracing.RecordSpanSuccess(span)
	return result.(core.HealthStatus)
}

// Close releases the instance. The checker answers from the fallback afterwards.
func (c *Checker) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.instance != nil {
		err = c.instance.Close(ctx)
	}
	c.instance = nil
	c.binding = wasm.ExportBinding{}
	c.setState(Uninitialized)
	return err
}

func (c *Checker) releaseInstance(ctx context.Context) {
	if c.instance == nil {
		return
	}
	if err := c.instance.Close(ctx); err != nil {
		c.logger.Warn("failed to close previous module", "module", c.instance.Name, "error", err)
	}
	c.instance = nil
	c.binding = wasm.ExportBinding{}
}

func (c *Checker) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.SetState(s.String(), AllStates)
	}
}
