package deallinesdk

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
)

// Client is a minimal Dealline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deal represents the API deal model (partial; process is kept raw).
type Deal struct {
	Name      string          `json:"deal_name"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Process   json.RawMessage `json:"buying_process"`
	Updates   int             `json:"updates"`
}

// DealListing is one row of the deals listing.
type DealListing struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Steps     int    `json:"steps"`
	Updates   int    `json:"updates"`
}

// Violation is a validation finding attached to an update result.
type Violation struct {
	Kind    string   `json:"kind"`
	Step    string   `json:"step,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Cycle   []string `json:"cycle,omitempty"`
	Message string   `json:"message"`
}

// UpdateResult is the accepted-update response.
type UpdateResult struct {
	Deal     Deal        `json:"deal"`
	Warnings []Violation `json:"warnings"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	DealName   string `json:"deal_name,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDeal registers a new deal.
func (c *Client) CreateDeal(ctx context.Context, name string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals", map[string]any{"name": name}, &resp)
	return resp, err
}

// ListDeals returns all deals.
func (c *Client) ListDeals(ctx context.Context) ([]DealListing, error) {
	var resp []DealListing
	err := c.do(ctx, http.MethodGet, "v0/deals", nil, &resp)
	return resp, err
}

// GetDeal fetches one deal by name.
func (c *Client) GetDeal(ctx context.Context, name string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, c.dealPath(name, ""), nil, &resp)
	return resp, err
}

// DeleteDeal removes a deal and its history.
func (c *Client) DeleteDeal(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.dealPath(name, ""), nil, nil)
}

// ApplyUpdate sends raw update text through the server's extraction
// pipeline and merges the result.
func (c *Client) ApplyUpdate(ctx context.Context, name, rawText string) (UpdateResult, error) {
	var resp UpdateResult
	err := c.do(ctx, http.MethodPost, c.dealPath(name, "updates"), map[string]any{"raw_text": rawText}, &resp)
	return resp, err
}

// ApplyExtracted merges a pre-extracted process document.
func (c *Client) ApplyExtracted(ctx context.Context, name string, doc json.RawMessage) (UpdateResult, error) {
	var resp UpdateResult
	err := c.do(ctx, http.MethodPost, c.dealPath(name, "updates"), map[string]any{"extracted": doc}, &resp)
	return resp, err
}

// Summary returns the deterministic text summary.
func (c *Client) Summary(ctx context.Context, name string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.do(ctx, http.MethodGet, c.dealPath(name, "summary"), nil, &resp)
	return resp.Summary, err
}

// Diagram returns the Mermaid source for the deal's dependency graph.
func (c *Client) Diagram(ctx context.Context, name string) (string, error) {
	var resp struct {
		Mermaid string `json:"mermaid"`
	}
	err := c.do(ctx, http.MethodGet, c.dealPath(name, "diagram"), nil, &resp)
	return resp.Mermaid, err
}

// Events returns recent events, optionally filtered by deal.
func (c *Client) Events(ctx context.Context, deal string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if deal != "" {
		q.Set("deal", deal)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) dealPath(name, sub string) string {
	p := fmt.Sprintf("v0/deals/%s", url.PathEscape(name))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
