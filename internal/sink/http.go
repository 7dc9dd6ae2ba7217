package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiseki-ai/kiseki/internal/model"
)

// HTTPError is an error response from a kiseki collector, carrying the HTTP
// status code and the server's error message.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sink: collector returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized returns true if the error is a 401 from the collector.
func IsUnauthorized(err error) bool {
	var e *HTTPError
	return errors.As(err, &e) && e.StatusCode == http.StatusUnauthorized
}

// HTTPConfig holds the settings for an HTTPExporter.
type HTTPConfig struct {
	// BaseURL is the root URL of the collector (e.g. "http://localhost:8326").
	BaseURL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// HTTPClient is an optional custom client. If nil, a default client with
	// Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual export requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// HTTPExporter ships finalized traces to a kiseki collector over HTTP.
// Safe for concurrent use.
type HTTPExporter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPExporter creates an HTTPExporter from the given configuration.
func NewHTTPExporter(cfg HTTPConfig) (*HTTPExporter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sink: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPExporter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// Export implements Exporter by POSTing the batch to /v1/traces.
func (e *HTTPExporter) Export(ctx context.Context, cts []model.CompletedTrace) error {
	if len(cts) == 0 {
		return nil
	}

	body, err := json.Marshal(cts)
	if err != nil {
		return fmt.Errorf("sink: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post traces: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); readErr == nil {
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
