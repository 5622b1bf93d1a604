package app

import (
	"context"
	"errors"
	"time"

	"ratelock/internal/alerting"
)

// SimulateAlert 通过已配置的告警通道发送一条模拟的同步失败通知, 用于验证 Telegram 配置。
// 不经过冷却, 也不访问存储。
func (a *App) SimulateAlert(ctx context.Context, reason string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if !a.Config.Alerting.Telegram.Enabled {
		return errors.New("未配置任何告警通道")
	}
	if reason == "" {
		reason = "simulated provider outage"
	}

	cfg := a.Config.Alerting.Telegram
	notifier := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)

	return notifier.Notify(ctx, alerting.Notification{
		At:            time.Now().UTC(),
		Outcome:       "failed",
		Error:         reason,
		Attempts:      a.Config.Provider.MaxAttempts,
		Environment:   a.Config.App.Environment,
		AdditionalMsg: "This is a test alert.",
	})
}
