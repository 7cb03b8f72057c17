package jobtracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 512

// HTTPClient talks to the generation backend over JSON/HTTP. It implements
// StatusFetcher, ArtifactFetcher and Creator:
//   - GET  {base}/jobs/{id}       -> StatusReport
//   - GET  {base}/artifacts/{id}  -> Artifact
//   - POST {base}/jobs            -> CreationResult
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   func(ctx context.Context) (string, error)
	logger  *slog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithTokenSource sets a function returning a bearer token for each request.
func WithTokenSource(fn func(ctx context.Context) (string, error)) HTTPClientOption {
	return func(h *HTTPClient) { h.token = fn }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) HTTPClientOption {
	return func(h *HTTPClient) { h.logger = logger }
}

// NewHTTPClient creates a client for the backend at baseURL.
// The default *http.Client times out requests after 30 seconds.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) (*HTTPClient, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchStatus returns the backend's view of jobID.
func (c *HTTPClient) FetchStatus(ctx context.Context, jobID string) (*StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// FetchArtifact returns the artifact with resultID.
func (c *HTTPClient) FetchArtifact(ctx context.Context, resultID string) (*Artifact, error) {
	var artifact Artifact
	if err := c.do(ctx, http.MethodGet, "/artifacts/"+url.PathEscape(resultID), nil, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Create submits req to the creation endpoint.
func (c *HTTPClient) Create(ctx context.Context, req *CreationRequest) (*CreationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("creation request is nil")
	}
	var result CreationResult
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("HTTPClient: response", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(data))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(data)
		if len(text) > maxErrorBody {
			text = strings.ToValidUTF8(text[:maxErrorBody], "")
		}
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(text)}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s %s: %w", method, path, ErrDecodeRace)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}
