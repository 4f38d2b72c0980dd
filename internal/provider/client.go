package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultMaxTokens   = 4096
)

// Rate limiter defaults: 50 requests per minute shared across operations.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// apiClient is the HTTP plumbing shared by the backends: rate limiting,
// bounded retries with exponential backoff, and status-code classification
// into provider error kinds.
type apiClient struct {
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

func newAPIClient(provider string, cfg Config, logger *zap.Logger) *apiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &apiClient{
		provider:   provider,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: retries,
		logger:     logger.Named(provider),
	}
}

func (c *apiClient) errf(kind ErrorKind, retryable bool, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Provider:  c.provider,
		Message:   fmt.Sprintf(format, args...),
		retryable: retryable,
	}
}

// postJSON sends a JSON payload and returns the response body, retrying
// transient failures. The caller's headers are applied on every attempt.
func (c *apiClient) postJSON(ctx context.Context, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, url, headers, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *apiClient) do(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures (connection refused, DNS, timeout) mean the
		// backend is unreachable right now; worth one more try.
		return nil, &Error{
			Kind:      ErrUnavailable,
			Provider:  c.provider,
			Message:   "request failed",
			Err:       err,
			retryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// postMultipart uploads a file with extra form fields, for transcription
// endpoints. Same retry and classification behavior as postJSON.
func (c *apiClient) postMultipart(ctx context.Context, url string, headers map[string]string, filePath, fileField string, fields map[string]string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, c.errf(ErrInvalidInput, false, "cannot read audio file %s: %v", filePath, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fileField, filepath.Base(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &Error{
				Kind:      ErrUnavailable,
				Provider:  c.provider,
				Message:   "request failed",
				Err:       err,
				retryable: true,
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = c.classifyStatus(resp.StatusCode, respBody)
			if !isRetryable(lastErr) {
				return nil, lastErr
			}
			continue
		}

		return respBody, nil
	}

	return nil, lastErr
}

func (c *apiClient) classifyStatus(status int, body []byte) *Error {
	msg := apiErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return c.errf(ErrRateLimited, true, "rate limited (429): %s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return c.errf(ErrUnavailable, false, "authentication failed (%d): %s", status, msg)
	case status == http.StatusBadRequest ||
		status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity:
		return c.errf(ErrInvalidInput, false, "rejected request (%d): %s", status, msg)
	case status >= 500:
		return c.errf(ErrUnknown, true, "server error (%d): %s", status, msg)
	}
	return c.errf(ErrUnknown, false, "unexpected status (%d): %s", status, msg)
}

// apiErrorMessage pulls a human-readable message out of the error body
// shapes the backends use, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var withError struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &withError); err == nil && withError.Error.Message != "" {
		return withError.Error.Message
	}

	var flat struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Message != "" {
		return flat.Message
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
