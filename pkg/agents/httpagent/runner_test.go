package httpagent_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stewardhq/steward/pkg/agents/httpagent"
	"github.com/stewardhq/steward/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunner_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := httpagent.NewRunner(map[string]any{})
	require.ErrorIs(t, err, httpagent.ErrEndpointInvalid)
}

func TestRunner_Execute(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("Authorization"))

		var req struct {
			Instructions string         `json:"instructions"`
			Context      map[string]any `json:"context"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "review the diff", req.Instructions)
		assert.Equal(t, "main", req.Context["branch"])

		_ = json.NewEncoder(w).Encode(protocol.AgentResult{
			Success:    true,
			Output:     map[string]any{"verdict": "approve"},
			TokensUsed: 1200,
			Confidence: 0.92,
		})
	}))
	defer server.Close()

	runner, err := httpagent.NewRunner(map[string]any{
		"endpoint": server.URL,
		"headers":  map[string]any{"Authorization": "token"},
	})
	require.NoError(t, err)

	result, err := runner.Execute(t.Context(), "review the diff", map[string]any{"branch": "main"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "approve", result.Output["verdict"])
	assert.Equal(t, 1200, result.TokensUsed)
}

func TestRunner_Execute_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	runner, err := httpagent.NewRunner(map[string]any{"endpoint": server.URL})
	require.NoError(t, err)

	_, err = runner.Execute(t.Context(), "do work", nil, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRunner_Execute_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)

			return
		}

		_ = json.NewEncoder(w).Encode(protocol.AgentResult{Success: true, TokensUsed: 10})
	}))
	defer server.Close()

	runner, err := httpagent.NewRunner(map[string]any{
		"endpoint": server.URL,
		"retry":    map[string]any{"attempts": float64(3), "delay": float64(0)},
	})
	require.NoError(t, err)

	result, err := runner.Execute(t.Context(), "do work", nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunnerFactory(t *testing.T) {
	t.Parallel()

	factory := httpagent.NewRunnerFactory()
	assert.Equal(t, "http", factory.AgentType())

	runner, err := factory.Create(map[string]any{"endpoint": "http://localhost:8080/agent"})
	require.NoError(t, err)
	assert.NotNil(t, runner)
}
