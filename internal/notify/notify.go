// Package notify delivers capacity alerts. Delivery is best effort: callers
// log Emit failures and move on, the lifecycle never blocks on alerting.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keepsakehq/keepsake/config"
)

// Event kinds emitted by the lifecycle daemons.
const (
	KindCapacityEviction = "capacity_eviction"
)

// Event is one alert.
type Event struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Notifier delivers one alert. Implementations must be safe for concurrent use.
type Notifier interface {
	Emit(ctx context.Context, ev Event) error
}

// New builds the notifier selected by notify.mode.
func New(cfg config.NotifyConfig, rdb *redis.Client) (Notifier, error) {
	cfg = cfg.Normalize()
	switch cfg.Mode {
	case "log":
		return NewLogNotifier(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("notify.mode redis requires a redis connection")
		}
		return NewRedisNotifier(rdb, cfg.Channel), nil
	case "webhook":
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("notify.mode must be log, redis or webhook, got %q", cfg.Mode)
}

// LogNotifier writes alerts to the process log. Always available, never fails.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags)}
}

func (n *LogNotifier) Emit(_ context.Context, ev Event) error {
	n.logger.Printf("%s: %s", ev.Kind, ev.Message)
	return nil
}

// RedisNotifier publishes alerts to a pub/sub channel for external listeners.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
)
