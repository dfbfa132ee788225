// Package remote implements the HTTP delivery client for the point-of-sale
// backend API.
package remote

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

	"github.com/tableside/outbox"
)

const healthTimeout = 5 * time.Second

// Client posts outbox operations to the backend API, tagging every request
// with its idempotency key so retries collapse server-side.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	cl := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// CreateOrder implements outbox.DeliveryClient.
func (c *Client) CreateOrder(ctx context.Context, payload outbox.OrderPayload, idempotencyKey string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/orders", idempotencyKey, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("remote: order response missing id")
	}
	return out.ID, nil
}

// UpdateOrderStatus implements outbox.DeliveryClient.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID, status, idempotencyKey string) error {
	body := struct {
		Status string `json:"status"`
	}{Status: status}
	return c.post(ctx, "/orders/"+url.PathEscape(orderID)+"/status", idempotencyKey, body, nil)
}

// CreatePayment implements outbox.DeliveryClient.
func (c *Client) CreatePayment(ctx context.Context, orderID string, payload outbox.PaymentPayload, idempotencyKey string) error {
	return c.post(ctx, "/orders/"+url.PathEscape(orderID)+"/payments", idempotencyKey, payload, nil)
}

// Health probes the backend; it doubles as a reachability check and is
// bounded by a 5 second timeout regardless of the configured client.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: health: %w", err)
	}
	defer func(body io.ReadCloser) { _ = body.Close() }(resp.Body)
	if resp.StatusCode >= 300 {
		return &outbox.StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("remote: marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	defer func(body io.ReadCloser) { _ = body.Close() }(resp.Body)

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &outbox.StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(excerpt)),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}
