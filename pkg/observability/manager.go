package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
	"github.com/tKwbr999/supabase-toolbox/pkg/metrics"
	"github.com/tKwbr999/supabase-toolbox/pkg/tracing"
)

// Manager manages all observability components
type Manager struct {
	metrics *metrics.PrometheusMetrics
	tracer  *tracing.Tracer
	logger  *logging.Logger
}

// Config holds observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
	// LogOutput is "stdout" (default) or "stderr"
	LogOutput string
}

// NewManager creates a new observability manager
func NewManager(config Config) (*Manager, error) {
	// Create metrics
	prometheusMetrics := metrics.NewPrometheusMetrics()

	// Create tracer
	tracer, err := tracing.NewTracer(tracing.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		JaegerEndpoint: config.JaegerEndpoint,
		Environment:    config.Environment,
	})
	if err != nil {
		return nil, err
	}

	// Create logger
	logger, err := logging.NewLogger(logging.Config{
		Level:     config.LogLevel,
		Format:    config.LogFormat,
		Output:    config.LogOutput,
		AddCaller: true,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		metrics: prometheusMetrics,
		tracer:  tracer,
		logger:  logger.With("service", config.ServiceName),
	}, nil
}

// NewNopManager returns a manager whose logs and spans go nowhere. Metrics
// are still recorded on a private registry.
func NewNopManager() *Manager {
	return &Manager{
		metrics: metrics.NewPrometheusMetrics(),
		tracer:  tracing.NewNopTracer(),
		logger:  logging.NewNop(),
	}
}

// GetMetrics returns the metrics instance
func (m *Manager) GetMetrics() *metrics.PrometheusMetrics {
	return m.metrics
}

// GetTracer returns the tracer instance
func (m *Manager) GetTracer() *tracing.Tracer {
	return m.tracer
}

// GetLogger returns the logger instance
func (m *Manager) GetLogger() *logging.Logger {
	return m.logger
}

// StartRequestSpan starts a span for an HTTP request and tags it with the request id
func (m *Manager) StartRequestSpan(ctx context.Context, method, path, requestID string) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, "http.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
			attribute.String("request_id", requestID),
		),
	)
	return WithRequestID(ctx, requestID), span
}

// Shutdown flushes spans and logs
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Sync fails on terminals and pipes; nothing useful can be done about it.
	_ = m.logger.Sync()
	return nil
}

type contextKey string

const requestIDKey contextKey = "request_id"

// GetRequestIDFromContext extracts request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
