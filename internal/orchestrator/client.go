package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketplace-sync-orchestrator/internal/models"
)

// WebhookClient delivers step-completion events to a remote orchestrator
// over HTTP. Delivery is at-least-once: callers retry on error, and the
// receiving side absorbs duplicates.
type WebhookClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebhookClient(baseURL string, timeout time.Duration) *WebhookClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify posts the event to the remote /events endpoint.
func (c *WebhookClient) Notify(ctx context.Context, evt models.WorkflowEvent) error {
	body, err := json.Marshal(map[string]any{
		"tenant_id": evt.TenantID,
		"run_id":    evt.RunID,
		"payload":   evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := c.baseURL + "/events/" + evt.EventType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", evt.EventType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deliver %s: status %d: %s", evt.EventType, resp.StatusCode, string(snippet))
	}
	return nil
}
