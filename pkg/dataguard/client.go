package dataguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a non-2xx response from the DataGuard server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dataguard: API error (status %d): %s", e.StatusCode, e.Message)
}

// Client talks to a DataGuard server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    "http://localhost:8000",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("dataguard: base URL must not be empty")
	}
	return c, nil
}

// Evaluate submits one proposal for evaluation.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*Decision, error) {
	var decision Decision
	if err := c.post(ctx, "/v1/guardian/evaluate", req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// EvaluateBatch submits several proposals; decisions come back in order.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]Decision, error) {
	var decisions []Decision
	if err := c.post(ctx, "/v1/guardian/evaluate-batch", reqs, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// ReportOutcome records the execution result of an evaluated call.
func (c *Client) ReportOutcome(ctx context.Context, outcome Outcome) error {
	return c.post(ctx, "/v1/guardian/report-outcome", outcome, nil)
}

// ResolveApproval approves or rejects a pending decision.
func (c *Client) ResolveApproval(ctx context.Context, decisionID string, approved bool, reviewer string) (*Decision, error) {
	path := fmt.Sprintf("/v1/guardian/approve/%s?approved=%s&reviewer=%s",
		url.PathEscape(decisionID), strconv.FormatBool(approved), url.QueryEscape(reviewer))

	var decision Decision
	if err := c.post(ctx, path, nil, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dataguard: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("dataguard: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dataguard: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dataguard: decoding response: %w", err)
	}
	return nil
}
