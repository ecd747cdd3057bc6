package delivery

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMessage = 4096

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramDeliverer sends notifications to a Telegram chat chosen by the
// agent's session key.
type TelegramDeliverer struct {
	sender        telegramSender
	chatIDs       map[string]int64
	defaultChatID int64
}

// NewTelegramDeliverer authenticates the bot token against the Bot API.
func NewTelegramDeliverer(token string, chatIDs map[string]int64, defaultChatID int64) (*TelegramDeliverer, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return newTelegramDeliverer(bot, chatIDs, defaultChatID), nil
}

func newTelegramDeliverer(sender telegramSender, chatIDs map[string]int64, defaultChatID int64) *TelegramDeliverer {
	ids := make(map[string]int64, len(chatIDs))
	for k, v := range chatIDs {
		ids[k] = v
	}
	return &TelegramDeliverer{sender: sender, chatIDs: ids, defaultChatID: defaultChatID}
}

func (d *TelegramDeliverer) chatFor(address string) (int64, error) {
	if id, ok := d.chatIDs[address]; ok && id != 0 {
		return id, nil
	}
	if d.defaultChatID != 0 {
		return d.defaultChatID, nil
	}
	return 0, fmt.Errorf("no telegram chat mapped for session %q", address)
}

// Deliver sends content as a plain-text message. The Bot API call is not
// cancelable, so a canceled ctx abandons the wait but not the request.
func (d *TelegramDeliverer) Deliver(ctx context.Context, address, content string) error {
	chatID, err := d.chatFor(address)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, clipMessage(fmt.Sprintf("[%s]\n%s", address, content)))
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := d.sender.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) {
				return fmt.Errorf("telegram api %d: %s", apiErr.Code, apiErr.Message)
			}
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

func clipMessage(s string) string {
	if utf8.RuneCountInString(s) <= telegramMaxMessage {
		return s
	}
	r := []rune(s)
	return string(r[:telegramMaxMessage-1]) + "…"
}
