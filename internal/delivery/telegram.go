package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram delivers reminders as messages to a chat (group or DM).
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Send-only: no poller. NewBot still verifies the token via getMe.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	chatID := t.cfg.ChatID
	if v := strings.TrimSpace(n.Recipient); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("bad telegram recipient %q: %w", n.Recipient, err)
		}
		chatID = id
	}

	text := formatReminder(n)
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("telegram notification sent", logx.String("id", n.ReminderID), logx.Int64("chat_id", chatID))
	return nil
}

const telegramTextLimit = 4096

func formatReminder(n Notification) string {
	text := "⏰ " + n.Message
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit-3] + "..."
	}
	return text
}
