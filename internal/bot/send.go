package bot

import (
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/security"
)

// Sender はTelegram Bot APIへの送信インターフェース。*tgbotapi.BotAPI が満たす。
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// sendHTML はHTMLパースモードでメッセージを送信する。markupがnilでなければ添付する。
func sendHTML(sender Sender, sanitizer *security.TextSanitizer, chatID int64, text string, markup any) error {
	msg := tgbotapi.NewMessage(chatID, sanitizer.Message(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := sender.Send(msg); err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError は送信エラーを分類する。
// レート制限・サーバーエラー・通信エラーはErrUpstreamUnavailable（再試行対象）、
// ブロックや不正なチャットなどのAPIエラーはそのまま返す（再試行しない）。
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: send message: %w", model.ErrUpstreamUnavailable, err)
		}
		return fmt.Errorf("send message: %w", err)
	}
	return fmt.Errorf("%w: send message: %w", model.ErrUpstreamUnavailable, err)
}
