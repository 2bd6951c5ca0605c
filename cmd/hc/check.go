package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"

	"github.com/tKwbr999/supabase-toolbox/core"
	"github.com/tKwbr999/supabase-toolbox/pkg/schema"
)

// errUnhealthy makes the process exit 1 after the status has been printed
var errUnhealthy = errors.New("module reported an error status")

// check runs one health check outside the HTTP service
func check(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the YAML configuration (default $CONFIG or hc.yaml)")
	wasmPath := fs.String("wasm", "", "Module to load instead of the configured one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	// stdout carries the status only
	c, err := setup(ctx, *configPath, "stderr")
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	if *wasmPath != "" {
		c.config.Module.Path = *wasmPath
	}
	c.initialize(ctx)

	status := c.checker.CheckHealth(ctx)

	validator, err := schema.NewHealthStatusValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateStatus(status); err != nil {
		c.obs.GetLogger().Warn("status does not match schema", "error", err)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	fmt.Println(string(out))

	if status.Status == core.StatusError {
		return errUnhealthy
	}
	return nil
}

// printSchema writes the status schema, or the HTTP body schema with -response
func printSchema(args []string) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	response := fs.Bool("response", false, "Print the schema of the HTTP response body instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	generate := schema.HealthStatusSchema
	if *response {
		generate = schema.HealthResponseSchema
	}

	out, err := generate()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
