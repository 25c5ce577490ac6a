// Package notifier delivers scan results to a Telegram chat.
package notifier

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotificationFailure wraps every failed delivery. Callers log it and move on.
var ErrNotificationFailure = errors.New("notification failed")

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot sender
	log *zap.Logger
}

// NewTelegram connects to the Bot API at endpoint, a format string taking the
// token and the method name. An empty endpoint uses api.telegram.org.
func NewTelegram(token, endpoint string, log *zap.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "connect telegram")
	}
	bot.Debug = false
	log.Info("telegram connected", zap.String("bot", bot.Self.UserName))
	return &Telegram{bot: bot, log: log}, nil
}

func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(ErrNotificationFailure, "text to %s: %v", chatID, err)
	}
	var msg tgbotapi.MessageConfig
	if id, ok := numericChat(chatID); ok {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return t.send(msg, chatID, "text")
}

func (t *Telegram) SendImage(ctx context.Context, chatID string, png []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(ErrNotificationFailure, "image to %s: %v", chatID, err)
	}
	file := tgbotapi.FileBytes{Name: "chart.png", Bytes: png}
	var photo tgbotapi.PhotoConfig
	if id, ok := numericChat(chatID); ok {
		photo = tgbotapi.NewPhoto(id, file)
	} else {
		photo = tgbotapi.NewPhotoToChannel(chatID, file)
	}
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML
	return t.send(photo, chatID, "image")
}

func (t *Telegram) send(c tgbotapi.Chattable, chatID, kind string) error {
	if _, err := t.bot.Send(c); err != nil {
		t.log.Warn("telegram send failed", zap.String("chat_id", chatID), zap.String("kind", kind), zap.Error(err))
		return errors.Wrapf(ErrNotificationFailure, "%s to %s: %v", kind, chatID, err)
	}
	t.log.Debug("telegram sent", zap.String("chat_id", chatID), zap.String("kind", kind))
	return nil
}

// numericChat parses chat ids such as "12345" or "-100123"; anything else
// is treated as a channel username.
func numericChat(chatID string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
