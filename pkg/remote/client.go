// Package remote is the REST client for the financial-modeling service. Every
// call is a JSON POST that carries the bearer token when one is set, is paced
// by a token-bucket limiter and is bounded by a request timeout.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Veraticus/cellsync/pkg/model"
)

// DefaultTimeout bounds every request unless Options.Timeout overrides it.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept in Error.Body.
const maxErrorBody = 4096

// Options configures a Client.
type Options struct {
	// HTTPClient replaces the default client.
	HTTPClient *http.Client

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero or less disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Zero means 1.
	Burst int
}

// Client talks to the service's REST endpoints.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	timeout    time.Duration

	mu    sync.RWMutex
	token string
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
	}
}

// SetToken replaces the bearer token. An empty token disables the header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// GetValue reads one reference from a model.
func (c *Client) GetValue(ctx context.Context, modelPath, reference, version string) (any, error) {
	req := struct {
		ModelPath string `json:"modelPath"`
		Reference string `json:"reference"`
		Version   string `json:"version,omitempty"`
	}{modelPath, reference, version}

	var resp valueResponse
	if err := c.post(ctx, "/get-value", req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// CreateLink registers a linked cell with the service and returns the
// current value of the reference.
func (c *Client) CreateLink(ctx context.Context, modelPath, reference, clientID string) (any, error) {
	req := struct {
		ModelPath string `json:"modelPath"`
		Reference string `json:"reference"`
		ClientID  string `json:"clientId"`
	}{modelPath, reference, clientID}

	var resp valueResponse
	if err := c.post(ctx, "/create-link", req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// ScenarioValue reads one reference evaluated under a named scenario.
func (c *Client) ScenarioValue(ctx context.Context, scenario, reference string) (any, error) {
	req := struct {
		Scenario  string `json:"scenario"`
		Reference string `json:"reference"`
	}{scenario, reference}

	var resp valueResponse
	if err := c.post(ctx, "/scenario-value", req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// SensitivityRequest describes a one-input sensitivity sweep.
type SensitivityRequest struct {
	InputAddress     string  `json:"inputAddress"`
	OutputAddress    string  `json:"outputAddress"`
	Steps            int     `json:"steps"`
	VariationPercent float64 `json:"variationPercent"`
}

// Sensitivity runs a sensitivity sweep and returns the result matrix.
func (c *Client) Sensitivity(ctx context.Context, req SensitivityRequest) ([][]any, error) {
	var resp struct {
		Matrix [][]any `json:"matrix"`
	}
	if err := c.post(ctx, "/sensitivity", req, &resp); err != nil {
		return nil, err
	}
	return resp.Matrix, nil
}

// Audit reads one audit field of a reference.
func (c *Client) Audit(ctx context.Context, reference, field string) (any, error) {
	req := struct {
		Reference string `json:"reference"`
		Field     string `json:"field"`
	}{reference, field}

	var resp valueResponse
	if err := c.post(ctx, "/audit", req, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Comments reads the latest comment on a reference.
func (c *Client) Comments(ctx context.Context, reference string) (any, error) {
	req := struct {
		Reference string `json:"reference"`
	}{reference}

	var resp struct {
		LatestComment any `json:"latestComment"`
	}
	if err := c.post(ctx, "/comments", req, &resp); err != nil {
		return nil, err
	}
	return resp.LatestComment, nil
}

// Sync pushes one local operation. The service acknowledges with any 2xx.
func (c *Client) Sync(ctx context.Context, op model.PendingOperation) error {
	return c.post(ctx, "/sync", op, nil)
}

// Unlink removes a linked cell on the service.
func (c *Client) Unlink(ctx context.Context, localAddress, clientID string) error {
	req := struct {
		LocalAddress string `json:"localAddress"`
		ClientID     string `json:"clientId"`
	}{localAddress, clientID}
	return c.post(ctx, "/unlink", req, nil)
}

type valueResponse struct {
	Value any `json:"value"`
}

// post sends body as JSON to path and decodes the response into out when out
// is non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, ErrNetworkUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	return nil
}
