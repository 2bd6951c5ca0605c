package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
)

// healthcheck queries the local service, for container health checks
func healthcheck(args []string) error {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	port := fs.String("port", "", "Service port (default $HC_PORT or 8080)")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-attempt request timeout")
	retries := fs.Int("retries", 2, "Retries while the service is starting or unavailable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *port == "" {
		*port = os.Getenv("HC_PORT")
	}
	if *port == "" {
		*port = "8080"
	}

	url := fmt.Sprintf("http://localhost:%s/health", *port)

	client := &http.Client{
		Timeout: *timeout,
	}

	retryConfig := limiter.DefaultRetryConfig()
	retryConfig.MaxRetries = *retries
	retrier := limiter.NewRetrier(retryConfig, limiter.IsRetryableStatus)

	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		return fetchStatus(ctx, client, url)
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("Health check passed")
	return nil
}

// fetchStatus fails unless url answers 200 with a healthy status
func fetchStatus(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &limiter.StatusError{StatusCode: resp.StatusCode}
	}

	var status core.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}
	if status.Status != core.StatusHealthy {
		return fmt.Errorf("status %q: %s", status.Status, status.Message)
	}
	return nil
}
