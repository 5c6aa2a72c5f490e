// Package agentpay provides a lightweight Go client for the AgentPay Chain
// REST API. It covers the full payment lifecycle: creating escrow payment
// requests, reconciling their on-chain state, submitting result hashes, and
// authorizing refunds.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PaymentCreation represents the payload required to create a payment request.
type PaymentCreation struct {
	IdentifierFromPurchaser string         `json:"identifier_from_purchaser"`
	InputData               any            `json:"input_data,omitempty"`
	PayByTime               *time.Time     `json:"pay_by_time,omitempty"`
	SubmitResultTime        *time.Time     `json:"submit_result_time,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

// Payment mirrors the payment entry returned by the service.
type Payment struct {
	BlockchainIdentifier    string         `json:"blockchain_identifier"`
	IdentifierFromPurchaser string         `json:"identifier_from_purchaser"`
	OnChainState            string         `json:"on_chain_state,omitempty"`
	PayByTime               time.Time      `json:"pay_by_time"`
	SubmitResultTime        time.Time      `json:"submit_result_time"`
	InputHash               string         `json:"input_hash,omitempty"`
	ResultHash              string         `json:"result_hash,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	CreatedAt               int64          `json:"created_at"`
	UpdatedAt               int64          `json:"updated_at"`
}

// Stats summarizes the tracked payment entries.
type Stats struct {
	Total       int `json:"total"`
	NonTerminal int `json:"non_terminal"`
	Terminal    int `json:"terminal"`
}

// ListOptions controls pagination when listing payments.
type ListOptions struct {
	Limit  int
	Cursor string
	Filter string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreatePayment registers a new escrow payment request.
func (c *Client) CreatePayment(ctx context.Context, creation PaymentCreation) (Payment, error) {
	var created Payment
	if err := c.post(ctx, "/api/v1/payments", creation, &created); err != nil {
		return Payment{}, err
	}
	return created, nil
}

// GetPayment returns the locally cached payment entry.
func (c *Client) GetPayment(ctx context.Context, blockchainIdentifier string) (Payment, error) {
	var entry Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(blockchainIdentifier)
	if err := c.get(ctx, endpoint, &entry); err != nil {
		return Payment{}, err
	}
	return entry, nil
}

// RefreshPayment forces a reconciliation against the remote ledger.
func (c *Client) RefreshPayment(ctx context.Context, blockchainIdentifier string) (Payment, error) {
	var entry Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(blockchainIdentifier) + "/refresh"
	if err := c.post(ctx, endpoint, nil, &entry); err != nil {
		return Payment{}, err
	}
	return entry, nil
}

// SubmitResult hashes the output data server side and submits it on-chain.
func (c *Client) SubmitResult(ctx context.Context, blockchainIdentifier string, outputData any) (Payment, error) {
	var entry Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(blockchainIdentifier) + "/submit-result"
	payload := map[string]any{"output_data": outputData}
	if err := c.post(ctx, endpoint, payload, &entry); err != nil {
		return Payment{}, err
	}
	return entry, nil
}

// AuthorizeRefund releases the escrowed funds back to the purchaser.
func (c *Client) AuthorizeRefund(ctx context.Context, blockchainIdentifier string) (Payment, error) {
	var entry Payment
	endpoint := "/api/v1/payments/" + url.PathEscape(blockchainIdentifier) + "/authorize-refund"
	if err := c.post(ctx, endpoint, nil, &entry); err != nil {
		return Payment{}, err
	}
	return entry, nil
}

// ListPayments pages through the payments visible to the agent.
func (c *Client) ListPayments(ctx context.Context, opts ListOptions) ([]Payment, string, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	endpoint := "/api/v1/payments"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var result struct {
		Data       []Payment `json:"data"`
		NextCursor string    `json:"nextCursor"`
	}
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, "", err
	}
	return result.Data, result.NextCursor, nil
}

// GetStats returns the tracked entry distribution.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	pathPart, rawQuery, _ := bytes.Cut([]byte(endpoint), []byte("?"))
	rel := &url.URL{Path: path.Join(c.baseURL.Path, string(pathPart)), RawQuery: string(rawQuery)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
