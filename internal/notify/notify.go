// Package notify delivers outbound notifications: the synchronous
// Sender used by the notifying stage and the background webhook
// dispatcher that streams audit events to configured endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"shipline/internal/config"
)

// Notification is one delivery announcement.
type Notification struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id,omitempty"`
	Subject   string `json:"subject"`
	Message   string `json:"message,omitempty"`
	SentAt    string `json:"sent_at"`
}

// Sender pushes one notification to its destination.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the process log. Used when no
// webhooks are configured so the notifying stage still has a sink.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, n Notification) error {
	log.Printf("notify: [%s] %s: %s", n.ProjectID, n.Subject, n.Message)
	return nil
}

// WebhookSender posts notifications to every enabled webhook target.
type WebhookSender struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client
}

func NewWebhookSender(hooks []config.WebhookConfig) WebhookSender {
	return WebhookSender{Webhooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (s WebhookSender) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	for _, hook := range s.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := postJSON(ctx, s.Client, hook, data, map[string]string{
			"X-Shipline-Notification": n.Subject,
			"X-Shipline-Project":      n.ProjectID,
		}); err != nil {
			return fmt.Errorf("notify %s: %w", hook.URL, err)
		}
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, hook config.WebhookConfig, data []byte, headers map[string]string) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if timeout != client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shipline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
