package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		At:             time.Date(2025, 10, 7, 1, 30, 0, 0, time.UTC),
		SnapshotID:     "20251007-013000UTC",
		Outcome:        "failed",
		Error:          "ProviderUnavailable: rate provider unavailable",
		Attempts:       3,
		LatestSnapshot: "20251007-003000UTC",
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"20251007-013000UTC", "Attempts: 3", "Serving: 20251007-003000UTC", "ProviderUnavailable"} {
		if !strings.Contains(text, want) {
			t.Fatalf("告警文本应包含 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{At: time.Now(), Outcome: "failed"}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageWithoutLatest(t *testing.T) {
	text := renderMessage(Notification{At: time.Now(), Outcome: "failed"})
	if !strings.Contains(text, "Serving: none") {
		t.Fatalf("没有可用快照时应提示 none: %s", text)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	inner := &countingNotifier{}
	cd := NewCooldown(inner, time.Hour)
	now := time.Date(2025, 10, 7, 1, 0, 0, 0, time.UTC)
	cd.now = func() time.Time { return now }

	_ = cd.Notify(context.Background(), Notification{})
	now = now.Add(30 * time.Minute)
	_ = cd.Notify(context.Background(), Notification{})
	if inner.calls != 1 {
		t.Fatalf("冷却期内应只发送一次, 实际 %d", inner.calls)
	}

	now = now.Add(31 * time.Minute)
	_ = cd.Notify(context.Background(), Notification{})
	if inner.calls != 2 {
		t.Fatalf("冷却期结束后应再次发送, 实际 %d", inner.calls)
	}
}

func TestCooldownIgnoresFailedDelivery(t *testing.T) {
	inner := &countingNotifier{err: errors.New("telegram down")}
	cd := NewCooldown(inner, time.Hour)

	if err := cd.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("下游失败应返回错误")
	}
	inner.err = nil
	if err := cd.Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("失败的发送不应开启冷却: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("应调用两次, 实际 %d", inner.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
