package lpchain

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

// Client wraps the HTTP interactions with the OpenLP Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PriceRange bounds a liquidity position, quoted as asset-Y per asset-X.
type PriceRange struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// OperationRequest represents the payload required to submit an operation.
type OperationRequest struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind"`
	Owner       string         `json:"owner"`
	Pool        string         `json:"pool,omitempty"`
	AssetX      string         `json:"asset_x,omitempty"`
	AssetY      string         `json:"asset_y,omitempty"`
	SourceAsset string         `json:"source_asset,omitempty"`
	Amount      string         `json:"amount,omitempty"`
	Range       *PriceRange    `json:"range,omitempty"`
	Position    string         `json:"position,omitempty"`
	NewRange    *PriceRange    `json:"new_range,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExecutionRecord describes the outcome of an executed operation, including
// partial outcomes where only some steps landed.
type ExecutionRecord struct {
	Outcome      string   `json:"outcome,omitempty"`
	Verdict      string   `json:"verdict,omitempty"`
	BundleID     string   `json:"bundle_id,omitempty"`
	Signatures   []string `json:"signatures,omitempty"`
	LandedSteps  int      `json:"landed_steps"`
	FundsMoved   bool     `json:"funds_moved"`
	RecoveryHint string   `json:"recovery_hint,omitempty"`
}

// Operation is the server-side view of a submitted operation.
type Operation struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	Owner      string           `json:"owner"`
	Request    OperationRequest `json:"request"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionRecord `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// OperationStats aggregates operation counts by status.
type OperationStats struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	OldestAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestAt  int64 `json:"newest_updated_at,omitempty"`
}

// PlanStep is one transaction step of a previewed plan.
type PlanStep struct {
	Label       string `json:"label"`
	NeedsRepair bool   `json:"needs_repair"`
}

// PlanPreview is the dry-run view of an operation plan. It never contains
// signable message bytes.
type PlanPreview struct {
	Kind  string     `json:"kind"`
	Mode  string     `json:"mode"`
	Steps []PlanStep `json:"steps"`
}

// ListOptions filters ListOperations calls.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Kinds    []string
	Owner    string
	Query    string
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
		return fmt.Sprintf("lpchain api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("lpchain api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenLP Chain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitOperation enqueues a new operation and returns the accepted record.
func (c *Client) SubmitOperation(ctx context.Context, req OperationRequest) (Operation, error) {
	var op Operation
	if err := c.post(ctx, "/api/v1/operations", req, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// GetOperation fetches a single operation by identifier.
func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	var op Operation
	if err := c.get(ctx, "/api/v1/operations/"+url.PathEscape(id), &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ListOperations fetches operations matching the filter.
func (c *Client) ListOperations(ctx context.Context, opts ListOptions) ([]Operation, error) {
	var ops []Operation
	if err := c.get(ctx, "/api/v1/operations"+opts.encode(), &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Stats fetches aggregate operation counts.
func (c *Client) Stats(ctx context.Context) (OperationStats, error) {
	var stats OperationStats
	if err := c.get(ctx, "/api/v1/operations/stats", &stats); err != nil {
		return OperationStats{}, err
	}
	return stats, nil
}

// PreviewPlan builds the operation plan without touching the ledger.
func (c *Client) PreviewPlan(ctx context.Context, req OperationRequest) (PlanPreview, error) {
	var preview PlanPreview
	if err := c.post(ctx, "/api/v1/plans", req, &preview); err != nil {
		return PlanPreview{}, err
	}
	return preview, nil
}

// WaitForOperation polls until the operation reaches a terminal status or ctx
// expires.
func (c *Client) WaitForOperation(ctx context.Context, id string, interval time.Duration) (Operation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return Operation{}, err
		}
		if op.Status == "succeeded" || op.Status == "failed" {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o ListOptions) encode() string {
	values := url.Values{}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	for _, s := range o.Statuses {
		values.Add("status", s)
	}
	for _, k := range o.Kinds {
		values.Add("kind", k)
	}
	if o.Owner != "" {
		values.Set("owner", o.Owner)
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
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
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
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
				// try direct decode into apiErr if server returned flat payload
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
