package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// webhookEndpoint is the platform's webhook endpoint object.
type webhookEndpoint struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// EnsureWebhookEndpoint registers url as a push-notification endpoint on the
// platform unless one already exists for it. Callers serialize invocations
// through the store's advisory lock; the platform-side list check here is
// only best-effort against endpoints created out of band.
func (c *Client) EnsureWebhookEndpoint(ctx context.Context, endpointURL string) error {
	existing, err := c.get(ctx, "/v1/webhook_endpoints", nil)
	if err != nil {
		return fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	var envelope struct {
		Data []webhookEndpoint `json:"data"`
	}
	if err := json.Unmarshal(existing, &envelope); err != nil {
		return fmt.Errorf("failed to parse webhook endpoints: %w", err)
	}
	for _, ep := range envelope.Data {
		if ep.URL == endpointURL {
			return nil
		}
	}

	payload, err := json.Marshal(map[string]any{
		"url":            endpointURL,
		"enabled_events": []string{"*"},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/webhook_endpoints", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create webhook endpoint: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
