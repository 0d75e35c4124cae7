// Package client provides an HTTP client for the microsaas gateway API.
package client

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

// Client is an HTTP client for the gateway API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the gateway.
	BaseURL string

	// Timeout is the request timeout. It should exceed the gateway's
	// slow-call budget so that send requests are not cut off client-side.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		MaxConnsPerHost: 100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new gateway client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost / 5,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableCompression:  false,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// LineItem is one billable line on an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount,omitempty"`
}

// Payment is a recorded payment against an invoice.
type Payment struct {
	ID         string    `json:"id"`
	InvoiceID  string    `json:"invoice_id"`
	Amount     float64   `json:"amount"`
	Method     string    `json:"method,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Invoice mirrors the gateway's invoice representation.
type Invoice struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	AccountID   string     `json:"account_id"`
	ClientID    string     `json:"customer_id"`
	ClientEmail string     `json:"customer_email,omitempty"`
	Items       []LineItem `json:"items"`
	Currency    string     `json:"currency"`
	TaxRate     float64    `json:"tax_rate"`
	Subtotal    float64    `json:"subtotal"`
	Tax         float64    `json:"tax"`
	Total       float64    `json:"total_amount"`
	Status      string     `json:"status"`
	IssuedAt    time.Time  `json:"issued_at"`
	DueAt       time.Time  `json:"due_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	Payments    []Payment  `json:"payments,omitempty"`
}

// CreateInvoiceRequest is the body for POST /v1/invoices.
type CreateInvoiceRequest struct {
	AccountID   string     `json:"account_id"`
	ClientID    string     `json:"customer_id,omitempty"`
	ClientEmail string     `json:"customer_email,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Items       []LineItem `json:"items"`
	NetDays     int        `json:"net_days,omitempty"`
}

// SendResult is the body returned by POST /v1/invoices/{id}/send.
type SendResult struct {
	InvoiceID  string    `json:"invoice_id"`
	DeliveryID string    `json:"delivery_id"`
	Status     string    `json:"status"`
	SentAt     time.Time `json:"sent_at"`
}

// PaymentRequest is the body for POST /v1/payments.
type PaymentRequest struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty"`
}

// PaymentResult is the body returned by POST /v1/payments.
type PaymentResult struct {
	Payment
	InvoiceStatus string  `json:"invoice_status"`
	Outstanding   float64 `json:"outstanding"`
}

// HealthResponse is the body returned by GET /healthz and GET /readyz.
type HealthResponse struct {
	Status string `json:"status"`
}

// APIError is the gateway's error body, decoded from any non-2xx response.
type APIError struct {
	HTTPStatus int               `json:"-"`
	Reason     string            `json:"error"`
	Code       string            `json:"code"`
	Message    string            `json:"message,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Health checks if the gateway is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready reports whether the gateway is accepting work. A gateway that is
// still starting answers 503, surfaced here as (false, nil).
func (c *Client) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// CreateInvoice creates an invoice.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	var inv Invoice
	if err := c.post(ctx, "/v1/invoices", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoice fetches an invoice by id.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var inv Invoice
	if err := c.get(ctx, fmt.Sprintf("/v1/invoices/%s", id), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// SendInvoice renders and emails an invoice. This is the slow call; the
// gateway holds the request until the delivery result comes back.
func (c *Client) SendInvoice(ctx context.Context, id string) (*SendResult, error) {
	var result SendResult
	if err := c.post(ctx, fmt.Sprintf("/v1/invoices/%s/send", id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePayment records a payment against an invoice.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	var result PaymentResult
	if err := c.post(ctx, "/v1/payments", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats fetches the gateway's operational snapshot.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	if err := c.get(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// JournalEntry is one bus message as recorded by the gateway's journal.
type JournalEntry struct {
	Subject   string          `json:"subject"`
	Reply     string          `json:"reply,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Journal fetches journaled bus messages from the gateway's debug
// endpoint. A zero since means everything; limit <= 0 means no limit.
func (c *Client) Journal(ctx context.Context, since time.Time, limit int) ([]JournalEntry, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/debug/journal"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var body struct {
		Entries []JournalEntry `json:"entries"`
	}
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request.
func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
