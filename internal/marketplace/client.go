package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
)

// Client talks to the marketplace seller API: paged order reads on the sync
// side and claim filing on the submission side. Callers pace requests through
// the shared rate gate; the client itself does no throttling.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
}

func NewClient(cfg config.Config) *Client {
	pageSize := cfg.MarketplacePageSize
	if pageSize < 1 {
		pageSize = 100
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.MarketplaceURL, "/"),
		token:      cfg.MarketplaceToken,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type ordersResponse struct {
	Orders     []map[string]any `json:"orders"`
	NextCursor string           `json:"next_cursor"`
}

// FetchPage reads one page of orders for the tenant starting at cursor.
func (c *Client) FetchPage(ctx context.Context, tenantID, cursor string) (pipeline.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/v1/%s/orders?%s", c.baseURL, url.PathEscape(tenantID), q.Encode())

	var resp ordersResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return pipeline.Page{}, err
	}

	page := pipeline.Page{NextCursor: resp.NextCursor}
	for _, o := range resp.Orders {
		page.Records = append(page.Records, pipeline.Record(o))
	}
	return page, nil
}

type claimResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// SubmitClaim files one claim and reports whether the marketplace accepted it.
func (c *Client) SubmitClaim(ctx context.Context, claim models.Claim) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/claims", c.baseURL, url.PathEscape(claim.TenantID))
	body := map[string]any{
		"order_id":     claim.OrderID,
		"claim_type":   claim.ClaimType,
		"amount_cents": claim.AmountCents,
		"evidence_ref": claim.EvidenceRef,
	}
	var resp claimResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
