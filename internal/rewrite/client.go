package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

// GenerateRequest is the payload sent to the rewriter API.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// GenerateResponse is the rewriter API response.
type GenerateResponse struct {
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ClientConfig holds configuration for the HTTP rewriter client.
type ClientConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

// DefaultClientConfig returns default rewriter client configuration.
// Rewrite calls are not idempotent, so at most one retry.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             120 * time.Second,
		MaxRetries:          1,
		RetryDelay:          2 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// breaker is a minimal closed/open/half-open circuit breaker guarding the
// rewriter endpoint. Open state fails fast as unavailable.
type breaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	openedAt     time.Time
	open         bool
}

func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if now.Sub(b.openedAt) >= b.resetTimeout {
		// Half-open: let one probe through.
		b.open = false
		b.failures = b.maxFailures - 1
		return true
	}
	return false
}

func (b *breaker) record(success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		b.open = false
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.open = true
		b.openedAt = now
	}
}

// HTTPClient implements core.Rewriter against an HTTP rewriter service.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *breaker
	logger     *slog.Logger
}

// NewHTTPClient creates an HTTP rewriter client.
func NewHTTPClient(cfg ClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: &breaker{
			maxFailures:  cfg.BreakerMaxFailures,
			resetTimeout: cfg.BreakerResetTimeout,
		},
		logger: logger,
	}
}

// Generate sends the verbatim prompt and returns only the rewritten body.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	const op = "rewriter.generate"
	if prompt == "" {
		return "", core.NewError(core.KindValidation, op, "prompt cannot be empty")
	}
	if !c.breaker.allow(time.Now()) {
		return "", core.NewError(core.KindUnavailable, op, "rewriter circuit breaker is open")
	}

	var lastErr error
	delay := c.cfg.RetryDelay
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying rewriter call", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.breaker.record(false, time.Now())
				return "", core.WrapError(core.KindTimeout, op, "context cancelled", ctx.Err())
			}
		}

		content, err := c.generateOnce(ctx, prompt)
		if err == nil {
			c.breaker.record(true, time.Now())
			return content, nil
		}
		lastErr = err
		if core.IsKind(err, core.KindTimeout) && ctx.Err() != nil {
			break
		}
	}
	c.breaker.record(false, time.Now())
	return "", lastErr
}

func (c *HTTPClient) generateOnce(ctx context.Context, prompt string) (string, error) {
	const op = "rewriter.generate"

	payload, err := json.Marshal(GenerateRequest{Prompt: prompt, Model: c.cfg.Model})
	if err != nil {
		return "", core.WrapError(core.KindInternal, op, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return "", core.WrapError(core.KindInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", core.WrapError(core.KindTimeout, op, "rewriter call timed out", err)
		}
		return "", core.WrapError(core.KindUnavailable, op, "rewriter unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", core.WrapError(core.KindUnavailable, op, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", core.NewError(core.KindUnavailable, op,
			fmt.Sprintf("rewriter returned status %d", resp.StatusCode))
	}

	var gen GenerateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return "", core.WrapError(core.KindUnavailable, op, "decode response", err)
	}
	if gen.Error != "" {
		return "", core.NewError(core.KindUnavailable, op, "rewriter error: "+gen.Error)
	}
	if gen.Content == "" {
		return "", core.NewError(core.KindUnavailable, op, "rewriter returned empty content")
	}

	c.logger.Debug("rewriter call succeeded",
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", gen.RequestID)
	return gen.Content, nil
}

// Health probes the rewriter service.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return core.WrapError(core.KindInternal, "rewriter.health", "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.WrapError(core.KindUnavailable, "rewriter.health", "rewriter unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return core.NewError(core.KindUnavailable, "rewriter.health",
			fmt.Sprintf("rewriter health returned status %d", resp.StatusCode))
	}
	return nil
}
