package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal REST client for the asset service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs an asset client.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("assets: empty base url")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateAssetStatus changes an asset's status. The idempotency key travels
// in a header so retried requests collapse into one update.
func (c *Client) UpdateAssetStatus(ctx context.Context, assetID, status, idempotencyKey string) error {
	if c == nil {
		return errors.New("assets: nil client")
	}
	if assetID == "" {
		return errors.New("assets: empty asset id")
	}
	data, err := json.Marshal(statusRequest{Status: status})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/api/assets/"+assetID+"/status", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("assets: status update for %s returned %d", assetID, resp.StatusCode)
	}
	return nil
}
