package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mendhq/mend/internal/config"
)

// NotificationEvent identifies a lifecycle moment worth telling the
// outside world about.
type NotificationEvent string

const (
	EventIncidentCreated NotificationEvent = "incident_created"
	EventPRCreated       NotificationEvent = "pr_created"
	EventResolved        NotificationEvent = "resolved"
	EventAnalysisFailed  NotificationEvent = "analysis_failed"
	EventAppReady        NotificationEvent = "app_ready"
)

// NotificationPayload is the JSON body posted to the notify webhook.
type NotificationPayload struct {
	Event       NotificationEvent `json:"event"`
	App         string            `json:"app,omitempty"`
	Incident    string            `json:"incident,omitempty"`
	Message     string            `json:"message,omitempty"`
	URL         string            `json:"url,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Occurrences int               `json:"occurrences,omitempty"`
}

// Notifier posts lifecycle events to the configured webhook. With no URL
// configured every send is a no-op.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

// NewNotifier creates a Notifier with a dedicated HTTP client so webhook
// latency never ties up the server's other outbound calls.
func NewNotifier(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.ParseTimeout(),
		},
	}
}

// Send posts one event and waits for the response. Events outside the
// configured filter are dropped; an empty filter allows everything.
func (n *Notifier) Send(ctx context.Context, payload NotificationPayload) error {
	if n.cfg.URL == "" {
		return nil
	}

	if len(n.cfg.Events) > 0 {
		allowed := false
		for _, e := range n.cfg.Events {
			if e == string(payload.Event) {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Debug("notification filtered out", "event", payload.Event)
			return nil
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ParseTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	slog.Debug("notification sent", "event", payload.Event)
	return nil
}

// Post fires Send in the background and logs any failure. Hot paths use
// this so a slow webhook never blocks the pipeline.
func (n *Notifier) Post(payload NotificationPayload) {
	if n.cfg.URL == "" {
		return
	}
	go func() {
		if err := n.Send(context.Background(), payload); err != nil {
			slog.Warn("failed to send notification", "event", payload.Event, "error", err)
		}
	}()
}
