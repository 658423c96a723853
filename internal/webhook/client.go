// Package webhook provides the client for the remote system of record,
// a spreadsheet-backed HTTP/JSON webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout = 15 * time.Second

	// maxTries bounds transport retries per call: one initial attempt
	// plus three backoff retries.
	maxTries = 4
)

// envelope is the response wrapper every webhook action returns.
type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client is a webhook API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// retryInterval seeds the exponential backoff. Tests shrink it.
	retryInterval time.Duration
}

// New creates a new webhook client for the given endpoint URL and token.
func New(baseURL, token string) *Client {
	return NewWithTimeout(baseURL, token, defaultTimeout)
}

// NewWithTimeout creates a webhook client with a custom per-call timeout.
func NewWithTimeout(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:       baseURL,
		token:         token,
		httpClient:    &http.Client{Timeout: timeout},
		retryInterval: 250 * time.Millisecond,
	}
}

// SetRetryInterval overrides the initial backoff interval between transport
// retries.
func (c *Client) SetRetryInterval(d time.Duration) {
	c.retryInterval = d
}

// Get performs a read action against the webhook and returns the data payload.
// params may be nil.
func (c *Client) Get(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("action", action)

	reqURL := c.baseURL + "?" + q.Encode()
	return c.call(ctx, action, http.MethodGet, reqURL, nil)
}

// Post performs a write action against the webhook. The body is wrapped in
// the standard {"action": ..., "data": ...} request envelope.
func (c *Client) Post(ctx context.Context, action string, body interface{}) (json.RawMessage, error) {
	payload := map[string]interface{}{
		"action": action,
		"data":   body,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.call(ctx, action, http.MethodPost, c.baseURL, encoded)
}

// Ping performs the cheapest possible remote call, used as the connectivity
// probe at the start of every sync cycle.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Get(ctx, "ping", nil)
	return err
}

// call performs one webhook request with bounded exponential-backoff retries.
// Transport failures (connection errors, timeouts, 5xx, undecodable bodies)
// are retried; application rejections are permanent.
func (c *Client) call(ctx context.Context, action, method, reqURL string, body []byte) (json.RawMessage, error) {
	operation := func() (json.RawMessage, error) {
		return c.attempt(ctx, action, method, reqURL, body)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// attempt performs a single HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, action, method, reqURL string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		// A malformed URL will never succeed on retry.
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{Action: action, Err: fmt.Errorf("webhook returned %s", resp.Status)}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(&AppError{
			Action:  action,
			Message: fmt.Sprintf("%s - %s", resp.Status, string(respBody)),
		})
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// Truncated or garbled bodies come from flaky connections and
		// proxies, so they are treated as transport failures.
		return nil, &TransportError{Action: action, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if env.Status != "ok" {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %q", env.Status)
		}
		return nil, backoff.Permanent(&AppError{Action: action, Message: msg})
	}

	return env.Data, nil
}
