// Package delivery sends reminder notifications over an outbound channel.
//
// The dispatcher only sees the Sender interface; concrete channels are
// selected by config (Telegram for real notifications, log for dev runs).
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

// Notification is one occurrence to deliver.
type Notification struct {
	ReminderID string
	Message    string
	// Recipient optionally overrides the channel's default destination
	// (Telegram: a chat id in decimal form).
	Recipient string
	DueAt     time.Time
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type Config struct {
	Channel  string
	Telegram TelegramConfig
}

// New builds the configured Sender.
func New(cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Channel)) {
	case "", "log":
		return NewLogSender(log), nil
	case "telegram":
		return NewTelegram(cfg.Telegram, log)
	default:
		return nil, errors.New("unknown delivery channel: " + cfg.Channel)
	}
}

// LogSender writes notifications to the log. Useful in development and as a
// fallback channel.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.log.Info("reminder notification",
		logx.String("id", n.ReminderID),
		logx.String("message", n.Message),
		logx.Time("due_at", n.DueAt),
	)
	return nil
}
