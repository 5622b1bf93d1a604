package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Notification 封装同步失败告警的上下文。
type Notification struct {
	At             time.Time
	SnapshotID     string
	Outcome        string
	Error          string
	Attempts       int
	LatestSnapshot string
	Environment    string
	AdditionalMsg  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("snapshot_id", note.SnapshotID).
		Str("outcome", note.Outcome).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[ratelock] rate sync failed\n")
	if note.Environment != "" {
		builder.WriteString(fmt.Sprintf("Env: %s\n", note.Environment))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.SnapshotID != "" {
		builder.WriteString(fmt.Sprintf("Snapshot: %s\n", note.SnapshotID))
	}
	builder.WriteString(fmt.Sprintf("Outcome: %s\n", note.Outcome))
	if note.Attempts > 0 {
		builder.WriteString(fmt.Sprintf("Attempts: %d\n", note.Attempts))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	latest := note.LatestSnapshot
	if latest == "" {
		latest = "none"
	}
	builder.WriteString(fmt.Sprintf("Serving: %s\n", latest))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Cooldown 在冷却期内吞掉重复告警。
type Cooldown struct {
	next   Notifier
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewCooldown wraps next so at most one notification passes per period.
func NewCooldown(next Notifier, period time.Duration) *Cooldown {
	return &Cooldown{next: next, period: period, now: time.Now}
}

// Notify forwards the notification unless one was sent within the period.
// A failed delivery does not start the cooldown.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	c.mu.Lock()
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.period {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.next.Notify(ctx, note); err != nil {
		return err
	}

	c.mu.Lock()
	c.last = now
	c.mu.Unlock()
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Cooldown)(nil)
)
