package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tKwbr999/supabase-toolbox/core"
)

func decode(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func TestHealthStatusSchema(t *testing.T) {
	raw, err := HealthStatusSchema()
	require.NoError(t, err)

	decoded := decode(t, raw)
	assert.ElementsMatch(t, []interface{}{"status", "timestamp"}, decoded["required"])

	properties, ok := decoded["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, field := range []string{"status", "timestamp", "version", "message", "source"} {
		assert.Contains(t, properties, field)
	}
	assert.NotContains(t, properties, "Extra")
}

func TestHealthResponseSchema(t *testing.T) {
	raw, err := HealthResponseSchema()
	require.NoError(t, err)

	assert.Contains(t, string(raw), "requestId")
	assert.Contains(t, string(raw), "endpoint")
	assert.Contains(t, string(raw), "service")
	assert.Contains(t, string(raw), "timestamp")
}

func TestValidator(t *testing.T) {
	v, err := NewHealthStatusValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		valid   bool
	}{
		{"fallback", `{"status":"healthy","timestamp":"2025-01-01T00:00:00.000Z","version":"1.0.0-fallback","source":"native-go-implementation"}`, true},
		{"extra fields", `{"status":"healthy","timestamp":"2025-01-01T00:00:00.000Z","uptime":12,"checks":{"db":"ok"}}`, true},
		{"missing status", `{"timestamp":"2025-01-01T00:00:00.000Z"}`, false},
		{"missing timestamp", `{"status":"healthy"}`, false},
		{"wrong type", `{"status":1,"timestamp":"2025-01-01T00:00:00.000Z"}`, false},
		{"not an object", `["healthy"]`, false},
		{"not json", `healthy`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.payload))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidator_ValidateStatus(t *testing.T) {
	v, err := NewHealthStatusValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateStatus(core.NewErrorStatus(nil, time.Now())))
}
