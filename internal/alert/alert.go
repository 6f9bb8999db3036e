// Package alert delivers operator notifications over Telegram. It backs the
// logging service's alert sink, so terminal publish failures reach a human
// without anyone watching the logs.
package alert

import (
	"context"
	"time"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/config"
)

type Sender struct {
	bot    *tele.Bot
	chatID int64
}

// New builds the sender without long polling: the bot only pushes messages,
// it never consumes updates.
func New(cfg config.AlertConfig) (*Sender, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, chatID: cfg.ChatID}, nil
}

// Send implements logx.Sender.
func (s *Sender) Send(ctx context.Context, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text, &tele.SendOptions{
			DisableWebPagePreview: true,
		})
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return context.DeadlineExceeded
	}
}
