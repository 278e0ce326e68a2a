package rewrite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

func newClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = server.URL
	cfg.RetryDelay = time.Millisecond
	return NewHTTPClient(cfg, nil), server
}

func TestGenerateReturnsContent(t *testing.T) {
	var gotPrompt string
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(GenerateResponse{Content: "rewritten"})
	})

	content, err := client.Generate(context.Background(), "the verbatim prompt")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", content)
	assert.Equal(t, "the verbatim prompt", gotPrompt)
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Generate(context.Background(), "")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestGenerateRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{Content: "second try"})
	})

	content, err := client.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "second try", content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateSurfacesServiceError(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GenerateResponse{Error: "model overloaded"})
	})
	_, err := client.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUnavailable))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client.cfg.MaxRetries = 0
	client.breaker.maxFailures = 2

	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), "prompt")
		require.Error(t, err)
	}

	// Circuit is open: fail fast without touching the server.
	_, err := client.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestHealth(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, client.Health(context.Background()))
}
