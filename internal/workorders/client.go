package workorders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cmms-automation/internal/automation/application"
)

// Client is a minimal REST client for the work-order service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs a work-order client.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("workorders: empty base url")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type createRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Priority     string `json:"priority,omitempty"`
	AssigneeID   string `json:"assigneeId,omitempty"`
	AssetID      string `json:"assetId,omitempty"`
	AutomationID string `json:"automationId"`
	TriggerID    string `json:"triggerId"`
}

type workOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateWorkOrder creates a work order. The idempotency key travels in a
// header so the service can deduplicate retried requests.
func (c *Client) CreateWorkOrder(ctx context.Context, spec application.WorkOrderSpec, idempotencyKey string) (string, error) {
	if c == nil {
		return "", errors.New("workorders: nil client")
	}
	body := createRequest{
		Title:        spec.Title,
		Description:  spec.Description,
		Priority:     spec.Priority,
		AssigneeID:   spec.AssigneeID,
		AssetID:      spec.AssetID,
		AutomationID: spec.AutomationID,
		TriggerID:    spec.TriggerID,
	}
	var resp workOrderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/work-orders", idempotencyKey, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("workorders: create returned no id")
	}
	return resp.ID, nil
}

// FindOpenWorkOrder looks up an open work order previously created by the
// same (automation, trigger, asset) tuple.
func (c *Client) FindOpenWorkOrder(ctx context.Context, automationID, triggerID, assetID string) (string, bool, error) {
	if c == nil {
		return "", false, errors.New("workorders: nil client")
	}
	query := url.Values{}
	query.Set("automationId", automationID)
	query.Set("triggerId", triggerID)
	query.Set("assetId", assetID)
	query.Set("status", "open")

	var resp []workOrderResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/work-orders?"+query.Encode(), "", nil, &resp); err != nil {
		return "", false, err
	}
	if len(resp) == 0 {
		return "", false, nil
	}
	return resp[0].ID, true, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
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
		return fmt.Errorf("workorders: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
