package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/middleware"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

// maxWebhookBody はIPN通知本文の上限サイズ。
const maxWebhookBody = 64 << 10

// SignatureChecker はIPN通知の署名検証インターフェース。*security.Verifier が満たす。
type SignatureChecker interface {
	Check(rawBody []byte, signature string) error
}

// PaymentConfirmer は支払い確定を反映するインターフェース。*membership.Engine が満たす。
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, userID int64, paymentRef string, period time.Duration) (membership.ConfirmResult, error)
	Period() time.Duration
}

// ConfirmationNotifier は支払い確定通知タスクを生成する。*bot.Notifier が満たす。
type ConfirmationNotifier interface {
	PaymentConfirmedTask(userID int64, endDate time.Time) queue.Task
}

// TaskSubmitter はタスクプールへの投入インターフェース。*queue.Pool が満たす。
type TaskSubmitter interface {
	Submit(ctx context.Context, task queue.Task) error
}

// PaymentWebhookHandler はNOWPaymentsからのIPN通知を処理する。
type PaymentWebhookHandler struct {
	verifier  SignatureChecker
	confirmer PaymentConfirmer
	notifier  ConfirmationNotifier
	tasks     TaskSubmitter
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewPaymentWebhookHandler はPaymentWebhookHandlerを生成する。
func NewPaymentWebhookHandler(
	verifier SignatureChecker,
	confirmer PaymentConfirmer,
	notifier ConfirmationNotifier,
	tasks TaskSubmitter,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *PaymentWebhookHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &PaymentWebhookHandler{
		verifier:  verifier,
		confirmer: confirmer,
		notifier:  notifier,
		tasks:     tasks,
		metrics:   mc,
		logger:    logger,
	}
}

// ipnPayload はIPN通知のうち処理に使う項目。
type ipnPayload struct {
	PaymentID     payment.ID `json:"payment_id"`
	InvoiceID     payment.ID `json:"invoice_id"`
	PaymentStatus string     `json:"payment_status"`
	OrderID       string     `json:"order_id"`
}

// reference は冪等性判定に使う支払い参照を返す。payment_idがなければinvoice_id。
func (p ipnPayload) reference() string {
	if p.PaymentID != "" {
		return string(p.PaymentID)
	}
	return string(p.InvoiceID)
}

// ServeHTTP はIPN通知を処理する。
// POST /webhook/nowpayments
//
// 署名を検証してから本文を解釈する。finished以外の通知は受領のみ応答し、何も書き込まない。
func (h *PaymentWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidPayloadError("body too large"))
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError("failed to read body"))
		return
	}

	if err := h.verifier.Check(body, r.Header.Get(security.SignatureHeader)); err != nil {
		h.writeVerifyError(w, r, err)
		return
	}

	var payload ipnPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError(err.Error()))
		return
	}

	logger := h.logger.With(
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.String("order_id", payload.OrderID),
		slog.String("payment_status", payload.PaymentStatus),
	)

	if !payment.MapStatus(payload.PaymentStatus).IsFinished() {
		logger.Info("未確定の支払い通知を受信しました")
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	userID, err := model.ParseOrderToken(payload.OrderID)
	if err != nil {
		logger.Warn("注文IDからユーザーを特定できません", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOrderTokenError(payload.OrderID))
		return
	}

	res, err := h.confirmer.ConfirmPayment(r.Context(), userID, payload.reference(), h.confirmer.Period())
	if err != nil {
		logger.Error("支払いの確定に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		// プロバイダに再送させる
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
		return
	}

	if !res.Applied {
		h.metrics.RecordDuplicatePayment(metrics.SourceWebhook)
		logger.Info("確定済みの支払い通知です", slog.Int64("user_id", userID))
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}
	h.metrics.RecordPaymentConfirmed(metrics.SourceWebhook)

	// 書き込みは確定済み。通知の投入失敗はロールバックせず記録のみ行う。
	task := h.notifier.PaymentConfirmedTask(userID, res.Membership.EndDate)
	if err := h.tasks.Submit(r.Context(), task); err != nil {
		h.metrics.RecordNotificationDeadLettered(task.Kind)
		logger.Error("確定通知を投入できませんでした",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	logger.Info("支払いを確定しました",
		slog.Int64("user_id", userID),
		slog.Time("end_date", res.Membership.EndDate),
	)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *PaymentWebhookHandler) writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrAuthenticationFailure):
		h.metrics.RecordSignatureRejected()
		h.logger.Warn("署名が一致しないIPN通知を拒否しました",
			slog.String("remote_ip", r.RemoteAddr),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSignatureError())
	case r.Header.Get(security.SignatureHeader) == "":
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingSignatureError())
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError(err.Error()))
	}
}
