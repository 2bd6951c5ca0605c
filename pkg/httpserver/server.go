package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
	"github.com/tKwbr999/supabase-toolbox/pkg/observability"
	"github.com/tKwbr999/supabase-toolbox/pkg/schema"
	"github.com/tKwbr999/supabase-toolbox/pkg/tracing"
)

// Health routes. The second one is where the edge-function mount point
// forwards requests.
const (
	HealthPath      = "/health"
	AliasHealthPath = "/hc/health"
)

const cacheControl = "no-cache, no-store, must-revalidate"

// Config holds HTTP server configuration
type Config struct {
	Port         string
	MetricsPath  string
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    limiter.RateLimitConfig
}

// ErrorResponse is the body of 404 and 429 responses
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server represents the HTTP server
type Server struct {
	config     Config
	checker    core.HealthChecker
	obs        *observability.Manager
	logger     *logging.Logger
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	validator  *schema.Validator
	now        func() time.Time
}

// NewServer creates a new HTTP server answering from checker
func NewServer(config Config, checker core.HealthChecker, obs *observability.Manager) *Server {
	if obs == nil {
		obs = observability.NewNopManager()
	}

	s := &Server{
		config:  config,
		checker: checker,
		obs:     obs,
		logger:  obs.GetLogger().With("component", "httpserver"),
		router:  http.NewServeMux(),
		now:     time.Now,
	}
	s.setupRoutes()

	validator, err := schema.NewHealthStatusValidator()
	if err != nil {
		s.logger.Warn("status schema unavailable, payloads are checked by field rules only", "error", err)
	}
	s.validator = validator

	rateLimiter := limiter.NewRateLimiter(config.RateLimit)
	s.handler = s.recoverPanics(rateLimiter.Middleware(s.instrument(s.router), s.handleTooManyRequests))

	s.httpServer = &http.Server{
		Addr:         ":" + config.Port,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc(HealthPath, s.handleHealth)
	s.router.HandleFunc(AliasHealthPath, s.handleHealth)
	if s.config.MetricsPath != "" {
		s.router.Handle(s.config.MetricsPath, s.obs.GetMetrics().Handler())
	}
	s.router.HandleFunc("/", s.handleNotFound)
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "port", s.config.Port, "metrics_path", s.config.MetricsPath)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns the checker's status enriched with request details
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckHealth(r.Context())
	if err := s.validateStatus(status); err != nil {
		s.logger.Warn("health status failed validation", "error", err, "source", status.Source)
	}

	body := status.Map()
	body["service"] = s.config.ServiceName
	body["requestId"] = observability.GetRequestIDFromContext(r.Context())
	body["endpoint"] = r.URL.Path

	s.writeJSON(w, http.StatusOK, body)
}

// validateStatus checks a status against the published schema and the field
// rules. Invalid statuses are still served.
func (s *Server) validateStatus(status core.HealthStatus) error {
	if s.validator != nil {
		if err := s.validator.ValidateStatus(status); err != nil {
			return err
		}
	}
	return core.Validate(status)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found"})
}

func (s *Server) handleTooManyRequests(w http.ResponseWriter, r *http.Request) {
	s.obs.GetMetrics().RecordHTTPRequest(routeLabel(r.URL.Path, s.config.MetricsPath), strconv.Itoa(http.StatusTooManyRequests))
	s.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Too many requests"})
}

// recoverPanics turns a panic anywhere below into the fixed 500 body
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("recovered from panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				s.writeJSON(w, http.StatusInternalServerError, core.HealthStatus{
					Status:    core.StatusError,
					Message:   "Internal server error",
					Timestamp: core.FormatTimestamp(s.now()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument assigns the request id and records span, metrics and access log
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		requestID := uuid.NewString()

		ctx, span := s.obs.StartRequestSpan(r.Context(), r.Method, r.URL.Path, requestID)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := s.now().Sub(start)
		tracing.RecordSpanDuration(span, duration)
		if rec.status >= http.StatusInternalServerError {
			tracing.RecordSpanError(span, fmt.Errorf("HTTP %d", rec.status))
		}
		s.obs.GetMetrics().RecordHTTPRequest(routeLabel(r.URL.Path, s.config.MetricsPath), strconv.Itoa(rec.status))
		s.logger.LogRequest(ctx, r.Method, r.URL.Path, rec.status, duration, requestID)
	})
}

// routeLabel bounds the route label to the known routes
func routeLabel(path, metricsPath string) string {
	switch path {
	case HealthPath, AliasHealthPath:
		return path
	case metricsPath:
		return "metrics"
	default:
		return "other"
	}
}

// writeJSON writes a JSON response with the no-cache headers
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
