package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/gatekeeper/internal/middleware"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

const (
	// maxUpdateBody はTelegram更新本文の上限サイズ。
	maxUpdateBody = 1 << 20
	// defaultSubmitTimeout は更新をプールへ投入するまでの待機上限。
	defaultSubmitTimeout = 2 * time.Second
)

// TelegramSecretHeader はsetWebhookで登録したsecret_tokenをTelegramが付与するヘッダー名。
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateTasker は更新を処理するタスクを生成する。*bot.Bot が満たす。
type UpdateTasker interface {
	UpdateTask(update tgbotapi.Update) queue.Task
}

// TelegramWebhookHandler はTelegramからの更新を受け取り、更新処理プールへ投入する。
// 処理結果は待たずに応答する。
type TelegramWebhookHandler struct {
	bot           UpdateTasker
	secret        string
	tasks         TaskSubmitter
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewTelegramWebhookHandler はTelegramWebhookHandlerを生成する。
// secretが空でなければ、TelegramSecretHeaderが一致しない更新を401で拒否する。
func NewTelegramWebhookHandler(bot UpdateTasker, tasks TaskSubmitter, secret string, logger *slog.Logger) *TelegramWebhookHandler {
	return &TelegramWebhookHandler{
		bot:           bot,
		secret:        secret,
		tasks:         tasks,
		submitTimeout: defaultSubmitTimeout,
		logger:        logger,
	}
}

// ServeHTTP は更新を受け付ける。
// POST /webhook/telegram
func (h *TelegramWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("シークレットが一致しない更新を拒否しました",
			slog.String("remote_ip", r.RemoteAddr),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&update); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.submitTimeout)
	defer cancel()

	if err := h.tasks.Submit(ctx, h.bot.UpdateTask(update)); err != nil {
		h.logger.Warn("更新をプールに投入できませんでした",
			slog.Int("update_id", update.UpdateID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, model.ErrQueueFull) || errors.Is(err, queue.ErrStopped) {
			// Telegramに再送させる
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewQueueFullError())
			return
		}
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *TelegramWebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get(TelegramSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
