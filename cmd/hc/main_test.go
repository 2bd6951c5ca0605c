package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
)

func TestRun_UnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")
}

func TestRun_Help(t *testing.T) {
	assert.NoError(t, run([]string{"help"}))
}

func TestRun_Schema(t *testing.T) {
	assert.NoError(t, run([]string{"schema"}))
	assert.NoError(t, run([]string{"schema", "-response"}))
}

func TestFetchStatus(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		wantErr bool
	}{
		{"healthy", http.StatusOK, `{"status":"healthy","timestamp":"2024-01-01T00:00:00.000Z"}`, false},
		{"error status", http.StatusOK, `{"status":"error","message":"down","timestamp":"2024-01-01T00:00:00.000Z"}`, true},
		{"not json", http.StatusOK, `ok`, true},
		{"unavailable", http.StatusServiceUnavailable, `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := fetchStatus(context.Background(), srv.Client(), srv.URL+"/health")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetchStatus_StatusErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := fetchStatus(context.Background(), srv.Client(), srv.URL+"/health")
	var statusErr *limiter.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, limiter.IsRetryableStatus(err))
}
