package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to a single chat through the Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot token against the default Bot API host.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, chatID, tgbotapi.APIEndpoint)
}

// NewTelegramWithEndpoint is NewTelegram against a custom endpoint format
// ("https://host/bot%s/%s").
func NewTelegramWithEndpoint(token string, chatID int64, endpoint string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		prefix = "⚠️"
	case AlertCritical:
		prefix = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*", prefix, tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, alert.Title))
	if alert.Slug != "" {
		fmt.Fprintf(&b, " \\(%s\\)", tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, alert.Slug))
	}
	b.WriteString("\n\n")
	b.WriteString(tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, alert.Message))

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}
