package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gsscan/internal/config"
	"gsscan/internal/queue"
)

const userAgent = "gsscan/0.1.0"

// Service defines the notification surface used by the CLI and the registry.
type Service interface {
	Observe(ctx context.Context, event queue.Event) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) Observe(ctx context.Context, event queue.Event) error {
	model := event.Model
	switch {
	case event.Kind == queue.EventArtifactReady && n.completed:
		return n.send(ctx, payload{
			title:    "gsscan - Model Ready",
			message:  fmt.Sprintf("✅ Ready to view: %s", displayName(model)),
			tags:     []string{"gsscan", "model", string(model.Type)},
			priority: "high",
		})
	case event.Kind == queue.EventStatusChanged && event.Transition.To == queue.StatusFailed && n.failed:
		reason := strings.TrimSpace(model.ErrorMessage)
		if reason == "" {
			reason = "unknown error"
		}
		return n.send(ctx, payload{
			title:    "gsscan - Reconstruction Failed",
			message:  fmt.Sprintf("❌ %s failed: %s", displayName(model), reason),
			tags:     []string{"gsscan", "error", "alert"},
			priority: "high",
		})
	default:
		return nil
	}
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "gsscan - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"gsscan", "test"},
		priority: "low",
	})
}

func displayName(model queue.Model) string {
	if name := strings.TrimSpace(model.Name); name != "" {
		return name
	}
	return model.TaskID
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Observe(context.Context, queue.Event) error { return nil }
func (noopService) TestNotification(context.Context) error     { return nil }
