package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/framara/what-the-meta-backend/internal/remote"
)

const (
	defaultTimeout             = 10 * time.Second
	maxResponseSizeBytes       = 32 * 1024 * 1024 // leaderboards with many members are large
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 16
	defaultIdleConnTimeout     = 90 * time.Second
)

// HTTPClientConfig holds configuration for HTTP client creation
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPClientConfig returns HTTP client configuration with sensible defaults
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

// NewHTTPClient creates a new HTTP client with the given configuration.
// The overall request deadline comes from the per-attempt context, so only the
// connect + header phase is bounded here.
func NewHTTPClient(cfg *HTTPClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultHTTPClientConfig()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment, // Support HTTP_PROXY, HTTPS_PROXY, NO_PROXY
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
		},
	}
}

// Fetch makes an HTTP GET request and returns the status code and body.
// Non-200 responses are returned as *remote.Error classified by status code,
// carrying the Retry-After hint when the server sends one.
func Fetch(ctx context.Context, client *http.Client, url string, logger *slog.Logger) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := remote.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		apiErr := parseAPIError(body)
		logger.Debug("Upstream returned non-200 status",
			"url", url,
			"status", resp.StatusCode,
			"retry_after", retryAfter,
			"response_preview", safeStringPreview(body, 200),
		)
		return resp.StatusCode, nil, remote.NewStatusError(resp.StatusCode, retryAfter, apiErr)
	}

	return resp.StatusCode, body, nil
}

// FetchJSON fetches url and unmarshals the JSON body into v
func FetchJSON(ctx context.Context, client *http.Client, url string, logger *slog.Logger, v any) (int, error) {
	status, body, err := Fetch(ctx, client, url, logger)
	if err != nil {
		return status, err
	}

	if err := json.Unmarshal(body, v); err != nil {
		logger.Error("Failed to parse JSON response",
			"url", url,
			"error", err,
		)
		return status, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return status, nil
}

func parseAPIError(body []byte) error {
	var apiErr APIError
	if len(body) == 0 || json.Unmarshal(body, &apiErr) != nil || apiErr.Detail == "" {
		if preview := safeStringPreview(body, 200); preview != "" {
			return fmt.Errorf("%s", preview)
		}
		return nil
	}
	return &apiErr
}

// safeStringPreview safely converts bytes to string, handling non-UTF-8 data
// Returns a safe preview of the data, replacing invalid UTF-8 sequences
func safeStringPreview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}

	if len(data) > maxLen {
		data = data[:maxLen]
	}

	// Use fmt.Sprintf with %q to safely escape invalid UTF-8 sequences
	// Then remove the surrounding quotes
	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}
