package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/health"
	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/pkg/config"
	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration (default $CONFIG or hc.yaml)")
	wasmPath := flag.String("wasm", "", "Module to load instead of the configured one")
	interval := flag.Duration("interval", 5*time.Second, "Time between checks")
	count := flag.Int("count", 10, "Number of checks to run")
	plain := flag.Bool("plain", false, "Print one line per check even on a terminal")
	flag.Parse()

	if err := run(*configPath, *wasmPath, *interval, *count, *plain); err != nil {
		fmt.Fprintf(os.Stderr, "hcwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, wasmPath string, interval time.Duration, count int, plain bool) error {
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if wasmPath != "" {
		cfg.Module.Path = wasmPath
	}

	interactive := !plain && term.IsTerminal(int(os.Stdout.Fd()))

	// the view owns the terminal, so logs are dropped there
	logger := logging.NewNop()
	if !interactive {
		logger, err = logging.NewLogger(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: "stderr",
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, err := wasm.NewLoader(ctx, cfg.Module.LoaderConfig, wasm.WithLogger(logger))
	if err != nil {
		return err
	}
	defer loader.Close(context.Background())

	checker := health.NewChecker(loader,
		health.WithLogger(logger),
		health.WithCircuitBreaker(cfg.CircuitBreaker),
		health.WithCallTimeout(cfg.Module.CallTimeout),
	)
	defer checker.Close(context.Background())

	if err := checker.Initialize(ctx, cfg.Module.Path); err != nil {
		logger.Warn("health module unavailable, reporting fallback status",
			"path", cfg.Module.Path,
			"error", err,
		)
	}

	if interactive {
		m := newWatchModel(ctx, checker, cfg.Module.Path, interval, count)
		_, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	}
	return watchPlain(ctx, os.Stdout, checker, interval, count)
}

// watchPlain prints "[n] timestamp: status" for each check
func watchPlain(ctx context.Context, w io.Writer, checker core.HealthChecker, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; n <= count; n++ {
		status := checker.CheckHealth(ctx)
		line := fmt.Sprintf("[%d] %s: %s", n, status.Timestamp, status.Status)
		if status.Message != "" {
			line += " (" + status.Message + ")"
		}
		fmt.Fprintln(w, line)

		if n == count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
