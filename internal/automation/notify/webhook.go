package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"cmms-automation/internal/automation/application"
)

// WebhookNotifier posts firing lifecycle events to a maintenance-team chat
// webhook. Delivery is best effort; a dead webhook never blocks dispatch.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *log.Logger
	// events filters what gets posted; empty means everything.
	events map[string]struct{}
}

// WebhookOption configures the webhook notifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithEventFilter restricts notifications to the given event types.
func WithEventFilter(types ...string) WebhookOption {
	return func(n *WebhookNotifier) {
		n.events = make(map[string]struct{}, len(types))
		for _, t := range types {
			n.events[t] = struct{}{}
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, opts ...WebhookOption) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook notifier: empty url")
	}
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// Notify implements application.FiringNotifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event application.FiringEvent) {
	if n == nil || n.url == "" {
		return
	}
	if len(n.events) > 0 {
		if _, ok := n.events[event.Type]; !ok {
			return
		}
	}
	if err := n.send(ctx, renderEvent(event)); err != nil {
		n.logger.Printf("webhook notifier: send error: %v", err)
	}
}

func (n *WebhookNotifier) send(ctx context.Context, content string) error {
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

func renderEvent(event application.FiringEvent) string {
	f := event.Firing
	switch event.Type {
	case application.FiringEventFired:
		return fmt.Sprintf("[automation] %s fired: trigger %s on asset %s (meter %s, value %.4g) at %s",
			f.AutomationName, f.TriggerID, f.AssetID, f.MeterID, f.Value, f.FiredAt.Format(time.RFC3339))
	case application.FiringEventSuppressed:
		return fmt.Sprintf("[automation] %s suppressed %s for asset %s: %s",
			f.AutomationName, event.Action, f.AssetID, event.Detail)
	case application.FiringEventFailed:
		return fmt.Sprintf("[automation] %s action %s FAILED for asset %s: %s",
			f.AutomationName, event.Action, f.AssetID, event.Detail)
	case application.FiringEventDispatched:
		return fmt.Sprintf("[automation] %s action %s completed for asset %s",
			f.AutomationName, event.Action, f.AssetID)
	default:
		return fmt.Sprintf("[automation] %s event %s for asset %s", f.AutomationName, event.Type, f.AssetID)
	}
}

// MultiNotifier fans a firing event out to several notifiers.
type MultiNotifier []application.FiringNotifier

// Notify implements application.FiringNotifier.
func (m MultiNotifier) Notify(ctx context.Context, event application.FiringEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}
