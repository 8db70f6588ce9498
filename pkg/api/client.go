package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// Client talks to a running regionctl API server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken sets the bearer token sent with every request.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Regions lists known regions.
func (c *Client) Regions(ctx context.Context) ([]engine.Region, error) {
	var resp RegionsResponse
	if err := c.do(ctx, http.MethodGet, "/regions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Regions, nil
}

// Region returns a region's workspace and latest approval.
func (c *Client) Region(ctx context.Context, region engine.Region) (*RegionResponse, error) {
	var resp RegionResponse
	if err := c.do(ctx, http.MethodGet, "/regions/"+url.PathEscape(string(region)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pending lists change sets awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]engine.PendingApproval, error) {
	var resp ApprovalsResponse
	if err := c.do(ctx, http.MethodGet, "/approvals", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Decide approves or rejects a pending change set.
func (c *Client) Decide(ctx context.Context, pendingID string, req DecisionRequest) (*engine.ApprovalRecord, error) {
	var resp DecisionResponse
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(pendingID), req, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Code: errResp.Code, Msg: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
