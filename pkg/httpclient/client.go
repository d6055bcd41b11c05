// Package httpclient is a client for the keymesh admin endpoint.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrUnhealthy is returned by GetHealth when the runtime reports itself
// unhealthy. The decoded status is returned alongside it.
var ErrUnhealthy = errors.New("runtime is not healthy")

// Client provides HTTP client for the keymesh admin endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new admin client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid ServerURL: %q has no scheme or host", config.ServerURL)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// GetHealth returns the health status of the runtime. An unhealthy runtime
// yields the status together with ErrUnhealthy.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	status, err := c.doRequest(ctx, "/health", nil, &resp)
	if status == http.StatusServiceUnavailable && resp.ID != "" {
		return &resp, ErrUnhealthy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Routes lists the routing-table resources, keeping only those
// intersecting key when key is not empty.
func (c *Client) Routes(ctx context.Context, key string) (*RoutesResponse, error) {
	query := url.Values{}
	if key != "" {
		query.Set("key", key)
	}
	var resp RoutesResponse
	if _, err := c.doRequest(ctx, "/routes", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return &resp, nil
}

// Peers lists the runtimes with an open link.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var resp PeersResponse
	if _, err := c.doRequest(ctx, "/peers", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return &resp, nil
}

// doRequest performs a GET and decodes the JSON body into respBody. The
// body is decoded for error statuses too when it parses.
func (c *Client) doRequest(ctx context.Context, path string, queryParams url.Values, respBody any) (int, error) {
	u := &url.URL{Path: path}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			return resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(bodyBytes))
		}
		return resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Message)
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// SetToken sets the bearer token sent with every request
func (c *Client) SetToken(token string) {
	c.config.Token = token
}
