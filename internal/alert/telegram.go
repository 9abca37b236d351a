package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"control_plane/internal/config"
	"control_plane/internal/core"
	"control_plane/internal/models"
)

// TelegramNotifier delivers critical alerts to a Telegram chat via the
// bot API.
type TelegramNotifier struct {
	http   *resty.Client
	token  config.Secret
	chatID string
	logger core.ILogger
}

// NewTelegramNotifier builds the channel; returns nil when the bot is
// not configured so callers can skip registration.
func NewTelegramNotifier(token config.Secret, chatID string, logger core.ILogger) *TelegramNotifier {
	if token.Value() == "" || chatID == "" {
		return nil
	}
	return &TelegramNotifier{
		http:   resty.New().SetBaseURL("https://api.telegram.org"),
		token:  token,
		chatID: chatID,
		logger: logger.WithField("channel", "telegram"),
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Send posts the alert as a formatted message.
func (t *TelegramNotifier) Send(ctx context.Context, alert *models.SystemAlert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", alert.Severity, alert.Title, alert.Message)
	if alert.InstanceID != 0 {
		fmt.Fprintf(&b, "\ninstance: %d", alert.InstanceID)
	}
	for k, v := range alert.Details {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    b.String(),
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token.Value()))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("telegram api returned %d", resp.StatusCode())
	}
	return nil
}
