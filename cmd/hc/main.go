package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/health"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/pkg/config"
	"github.com/tKwbr999/supabase-toolbox/pkg/httpserver"
	"github.com/tKwbr999/supabase-toolbox/pkg/observability"
)

const usage = `usage: hc <command> [flags]

commands:
  serve        run the health-check HTTP service (default)
  check        load the module, run one check and print the status
  healthcheck  query a running service on localhost, exit 1 when unhealthy
  schema       print the JSON Schema of the status payload
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hc: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		return serve(args)
	case "check":
		return check(args)
	case "healthcheck":
		return healthcheck(args)
	case "schema":
		return printSchema(args)
	case "help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// components is everything a command needs to answer health checks
type components struct {
	config  *config.Config
	obs     *observability.Manager
	loader  *wasm.Loader
	checker *health.Checker
}

func (c *components) Close(ctx context.Context) {
	if err := c.checker.Close(ctx); err != nil {
		c.obs.GetLogger().Warn("failed to close health module", "error", err)
	}
	if err := c.loader.Close(ctx); err != nil {
		c.obs.GetLogger().Warn("failed to close wasm runtime", "error", err)
	}
	_ = c.obs.Shutdown(ctx)
}

// setup loads configuration and wires the checker. The module is not loaded yet.
func setup(ctx context.Context, configPath, logOutput string) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	obs, err := observability.NewManager(observability.Config{
		ServiceName:    cfg.Service.Name(),
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		LogOutput:      logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability: %w", err)
	}
	logger := obs.GetLogger()

	loader, err := wasm.NewLoader(ctx, cfg.Module.LoaderConfig,
		wasm.WithLogger(logger.With("component", "loader")),
		wasm.WithMetrics(obs.GetMetrics()),
	)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	checker := health.NewChecker(loader,
		health.WithLogger(logger.With("component", "checker")),
		health.WithMetrics(obs.GetMetrics()),
		health.WithTracer(obs.GetTracer()),
		health.WithCircuitBreaker(cfg.CircuitBreaker),
		health.WithCallTimeout(cfg.Module.CallTimeout),
	)

	return &components{config: cfg, obs: obs, loader: loader, checker: checker}, nil
}

// initialize loads the module; a failure leaves the checker on its fallback
func (c *components) initialize(ctx context.Context) {
	if err := c.checker.Initialize(ctx, c.config.Module.Path); err != nil {
		c.obs.GetLogger().Warn("health module unavailable, serving fallback status",
			"path", c.config.Module.Path,
			"error", err,
		)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the YAML configuration (default $CONFIG or hc.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := setup(ctx, *configPath, "stdout")
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	c.initialize(ctx)

	var checker core.HealthChecker = c.checker
	if c.config.Server.CoalesceChecks {
		checker = health.NewDeduplicator(c.checker)
	}

	server := httpserver.NewServer(httpserver.Config{
		Port:         c.config.Server.Port,
		MetricsPath:  c.config.Server.MetricsPath,
		ServiceName:  c.config.Service.Name(),
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		RateLimit:    c.config.RateLimit,
	}, checker, c.obs)

	c.obs.GetLogger().Info("starting health-check service",
		"port", c.config.Server.Port,
		"module", c.config.Module.Path,
		"state", c.checker.State().String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.config.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
