// Package httpagent provides an AgentRunner that delegates step execution to
// an HTTP agent service.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stewardhq/steward/pkg/protocol"
)

const defaultTimeoutSeconds = 300

var ErrEndpointInvalid = errors.New("missing or invalid 'endpoint' in configuration")

// Runner POSTs the step instructions and execution context to an agent
// service endpoint and decodes the agent's result from the response body.
type Runner struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Retry    RetryConfig

	client *http.Client
}

// RetryConfig defines retry behavior for agent invocations.
type RetryConfig struct {
	Attempts int
	Delay    int
}

type invokeRequest struct {
	Instructions string         `json:"instructions"`
	Context      map[string]any `json:"context,omitempty"`
}

// NewRunner creates a Runner from step configuration.
func NewRunner(config map[string]any) (*Runner, error) {
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, ErrEndpointInvalid
	}

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	retry := RetryConfig{Attempts: 1, Delay: 0}

	if retryConfig, exists := config["retry"]; exists {
		retry = parseRetryConfig(retryConfig)
	}

	return &Runner{
		Endpoint: endpoint,
		Headers:  headers,
		Timeout:  timeout,
		Retry:    retry,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func parseRetryConfig(retryConfig any) RetryConfig {
	retry := RetryConfig{Attempts: 1, Delay: 0}

	retryMap, ok := retryConfig.(map[string]any)
	if !ok {
		return retry
	}

	if attempts, ok := retryMap["attempts"].(float64); ok {
		retry.Attempts = int(attempts)
	}

	if delay, ok := retryMap["delay"].(float64); ok {
		retry.Delay = int(delay)
	}

	return retry
}

// Execute sends the instructions to the agent service. A non-2xx response or
// an undecodable body is an invocation error; agent-level failure is reported
// inside the decoded result.
func (r *Runner) Execute(ctx context.Context, instructions string, execContext map[string]any, logger *slog.Logger) (*protocol.AgentResult, error) {
	logger = logger.With("module", "http_agent", "endpoint", r.Endpoint)
	logger.InfoContext(ctx, "Invoking HTTP agent")

	var lastErr error

	for attempt := 1; attempt <= r.Retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, fmt.Sprintf("HTTP agent retry attempt %d/%d", attempt, r.Retry.Attempts))
			time.Sleep(time.Duration(r.Retry.Delay) * time.Second)
		}

		result, err := r.invoke(ctx, instructions, execContext)
		if err != nil {
			lastErr = err

			continue
		}

		return result, nil
	}

	return nil, fmt.Errorf("agent invocation failed after %d attempts: %w", r.Retry.Attempts, lastErr)
}

func (r *Runner) invoke(ctx context.Context, instructions string, execContext map[string]any) (*protocol.AgentResult, error) {
	payload, err := json.Marshal(invokeRequest{
		Instructions: instructions,
		Context:      execContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
	}

	var result protocol.AgentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	return &result, nil
}
