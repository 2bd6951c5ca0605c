// Package schema publishes and enforces the JSON Schema of health payloads.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tKwbr999/supabase-toolbox/core"
)

const healthStatusURL = "health-status.json"

// HealthResponse documents the body served on the health routes
type HealthResponse struct {
	core.HealthStatus
	Service   string `json:"service"`
	RequestID string `json:"requestId"`
	Endpoint  string `json:"endpoint"`
}

// GenerateSchema creates a JSON schema from a Go struct. Objects accept
// properties beyond the declared ones, since modules may report extra fields.
func GenerateSchema(v interface{}) ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(v)

	jsonBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	return jsonBytes, nil
}

// HealthStatusSchema returns the schema of a status payload
func HealthStatusSchema() ([]byte, error) {
	return GenerateSchema(&core.HealthStatus{})
}

// HealthResponseSchema returns the schema of the HTTP health body
func HealthResponseSchema() ([]byte, error) {
	return GenerateSchema(&HealthResponse{})
}

// Validator checks raw payloads against the status schema
type Validator struct {
	schema *jsonschemav5.Schema
}

// NewHealthStatusValidator compiles the status schema
func NewHealthStatusValidator() (*Validator, error) {
	raw, err := HealthStatusSchema()
	if err != nil {
		return nil, err
	}

	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource(healthStatusURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(healthStatusURL)
	if err != nil {
		return nil, fmt.Errorf("invalid health status schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks a JSON document
func (v *Validator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("payload is not JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

// ValidateStatus checks a decoded status as it would be served
func (v *Validator) ValidateStatus(status core.HealthStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return v.Validate(data)
}
