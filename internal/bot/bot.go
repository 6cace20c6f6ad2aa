// Package bot はTelegramボットのコマンド処理と利用者への通知を提供する。
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/gatekeeper/internal/access"
	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/upstream"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

const (
	// callbackCheckPrefix は「Verificar pago」ボタンのコールバックデータの接頭辞。
	callbackCheckPrefix = "check:"
	// TaskKindUpdate はTelegram更新処理タスクの種類。
	TaskKindUpdate = "telegram_update"
)

// MembershipService はボットが利用するメンバーシップ操作。
type MembershipService interface {
	GetStatus(ctx context.Context, userID int64) (model.MembershipState, error)
	RequestMembership(ctx context.Context, userID int64) (*payment.Invoice, error)
	ConfirmPayment(ctx context.Context, userID int64, paymentRef string, period time.Duration) (membership.ConfirmResult, error)
	Period() time.Duration
}

// Granter はグループへの招待リンクを発行する。
type Granter interface {
	Grant(ctx context.Context, userID int64) (*access.Invitation, error)
}

// PaymentPoller は請求書IDから支払い状態を照会する。
type PaymentPoller interface {
	PollStatus(ctx context.Context, invoiceID string) (*payment.PaymentInfo, error)
}

// TaskSubmitter は通知タスクの投入先。
type TaskSubmitter interface {
	Submit(ctx context.Context, task queue.Task) error
}

// Limiter はキーごとのレート制限。
type Limiter interface {
	Allow(key string) bool
}

// Config はボットの表示とリトライの設定。
type Config struct {
	Price    decimal.Decimal
	Currency string
	// Retry は状態照会のリトライ設定。
	Retry upstream.Policy
	// VerifyButton は「Verificar pago」ボタンを表示するか。請求書IDで照会できる場合のみ有効にする。
	VerifyButton bool
}

// Deps はBotの依存コンポーネント。
type Deps struct {
	Engine    MembershipService
	Granter   Granter
	Poller    PaymentPoller
	Sender    Sender
	Notifier  *Notifier
	Tasks     TaskSubmitter
	Limiter   Limiter
	Sanitizer *security.TextSanitizer
	Metrics   metrics.MetricsCollector
}

// Bot はTelegramの更新を処理する。
type Bot struct {
	engine    MembershipService
	granter   Granter
	poller    PaymentPoller
	sender    Sender
	notifier  *Notifier
	tasks     TaskSubmitter
	limiter   Limiter
	sanitizer *security.TextSanitizer
	metrics   metrics.MetricsCollector
	cfg       Config
	logger    *slog.Logger
}

// New はBotを生成する。
func New(deps Deps, cfg Config, logger *slog.Logger) *Bot {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewTextSanitizer()
	}
	return &Bot{
		engine:    deps.Engine,
		granter:   deps.Granter,
		poller:    deps.Poller,
		sender:    deps.Sender,
		notifier:  deps.Notifier,
		tasks:     deps.Tasks,
		limiter:   deps.Limiter,
		sanitizer: deps.Sanitizer,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// UpdateTask は更新処理をタスクプールで実行するためのタスクを返す。
func (b *Bot) UpdateTask(update tgbotapi.Update) queue.Task {
	return queue.Task{
		Kind: TaskKindUpdate,
		Run: func(ctx context.Context) error {
			return b.HandleUpdate(ctx, update)
		},
	}
}

// HandleUpdate は1件の更新を処理する。
// 利用者への応答は処理内で完結させ、返すエラーはログ用。
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	switch {
	case update.CallbackQuery != nil:
		return b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		return b.handleMessage(ctx, update.Message)
	default:
		return nil
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	// 応答は本人との個別チャットに限る。招待リンクを送信者以外のチャットへ送らない。
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() || msg.Chat.ID != msg.From.ID {
		return nil
	}

	switch {
	case msg.IsCommand() && msg.Command() == "start":
		return b.handleStart(ctx, msg)
	case msg.IsCommand() && msg.Command() == "status":
		return b.handleStatus(ctx, msg)
	default:
		return b.reply(msg.Chat.ID, textUseStart, nil)
	}
}

// handleStart は有効なメンバーには招待リンクを、それ以外には支払いリンクを返す。
func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	userID, chatID := msg.From.ID, msg.Chat.ID
	logger := b.logger.With(slog.Int64("user_id", userID))

	if !b.limiter.Allow(strconv.FormatInt(userID, 10)) {
		return b.reply(chatID, textRateLimited, nil)
	}

	state, err := b.getStatus(ctx, userID)
	if err != nil {
		logger.Error("メンバーシップ状態の取得に失敗しました", slog.String("error", err.Error()))
		return errors.Join(err, b.reply(chatID, textInternalError, nil))
	}

	if state.State == model.StateActive {
		return b.sendInvitation(ctx, msg, state)
	}

	inv, err := b.engine.RequestMembership(ctx, userID)
	if errors.Is(err, model.ErrAlreadyActive) {
		// 状態取得後に支払いが確定していた
		state, err = b.getStatus(ctx, userID)
		if err != nil {
			return errors.Join(err, b.reply(chatID, textInternalError, nil))
		}
		return b.sendInvitation(ctx, msg, state)
	}
	if err != nil {
		b.metrics.RecordInvoiceFailed()
		logger.Error("請求書の発行に失敗しました", slog.String("error", err.Error()))
		return errors.Join(err, b.reply(chatID, textPaymentLinkError, nil))
	}
	b.metrics.RecordInvoiceCreated()

	logger.Info("請求書を発行しました",
		slog.String("invoice_id", inv.ID),
		slog.String("order_id", inv.OrderID),
	)

	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(buttonPay, inv.PayURL)),
	}
	if b.cfg.VerifyButton {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(buttonVerify, callbackCheckPrefix+inv.ID),
		))
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return b.reply(chatID, b.welcomeText(displayName(msg.From), inv), keyboard)
}

// sendInvitation は有効なメンバーに招待リンクを発行して送る。発行失敗はその場で伝える。
func (b *Bot) sendInvitation(ctx context.Context, msg *tgbotapi.Message, state model.MembershipState) error {
	userID, chatID := msg.From.ID, msg.Chat.ID

	inv, err := b.granter.Grant(ctx, userID)
	if err != nil {
		b.logger.Error("招待リンクの発行に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return errors.Join(err, b.reply(chatID, textGrantError, nil))
	}
	return b.reply(chatID, b.alreadyActiveText(displayName(msg.From), state.EndDate, inv.Link), nil)
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) error {
	if !b.limiter.Allow(strconv.FormatInt(msg.From.ID, 10)) {
		return b.reply(msg.Chat.ID, textRateLimited, nil)
	}

	state, err := b.getStatus(ctx, msg.From.ID)
	if err != nil {
		return errors.Join(err, b.reply(msg.Chat.ID, textInternalError, nil))
	}
	return b.reply(msg.Chat.ID, statusText(state), nil)
}

// handleCallback は「Verificar pago」ボタンを処理する。
// 照会結果の注文トークンが押したユーザーのものである場合に限り支払いを確定する。
func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) error {
	if cq.From == nil {
		return nil
	}
	// ボタンの読み込み表示を止める。失敗しても処理は続ける。
	if _, err := b.sender.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Warn("コールバックへの応答に失敗しました", slog.String("error", err.Error()))
	}

	invoiceID, ok := strings.CutPrefix(cq.Data, callbackCheckPrefix)
	if !ok || invoiceID == "" {
		return nil
	}

	// 応答はボタンを押したユーザー本人に送る
	userID := cq.From.ID
	chatID := userID
	logger := b.logger.With(
		slog.Int64("user_id", userID),
		slog.String("invoice_id", invoiceID),
	)

	if !b.limiter.Allow(strconv.FormatInt(userID, 10)) {
		return b.reply(chatID, textRateLimited, nil)
	}

	info, err := upstream.Do(ctx, b.cfg.Retry, func() (*payment.PaymentInfo, error) {
		return b.poller.PollStatus(ctx, invoiceID)
	})
	if err != nil {
		logger.Error("支払い状態の照会に失敗しました", slog.String("error", err.Error()))
		return errors.Join(err, b.reply(chatID, textPollError, nil))
	}

	// 支払いがまだない請求書には注文トークンがない
	if info.OrderID == "" && !info.Status.IsFinished() {
		return b.reply(chatID, pendingText(info.Status), nil)
	}

	owner, err := model.ParseOrderToken(info.OrderID)
	if err != nil || owner != userID {
		logger.Warn("他のユーザーの支払いの確認要求を拒否しました",
			slog.String("order_id", info.OrderID),
		)
		return b.reply(chatID, textPaymentNotYours, nil)
	}

	if !info.Status.IsFinished() {
		logger.Info("支払いは未確定です", slog.String("payment_status", info.RawStatus))
		return b.reply(chatID, pendingText(info.Status), nil)
	}

	res, err := b.engine.ConfirmPayment(ctx, userID, info.Reference, b.engine.Period())
	if err != nil {
		logger.Error("支払いの確定に失敗しました", slog.String("error", err.Error()))
		return errors.Join(err, b.reply(chatID, textInternalError, nil))
	}

	if !res.Applied {
		b.metrics.RecordDuplicatePayment(metrics.SourcePoll)
		return b.reply(chatID, textAlreadyConfirmed, nil)
	}
	b.metrics.RecordPaymentConfirmed(metrics.SourcePoll)

	if err := b.tasks.Submit(ctx, b.notifier.PaymentConfirmedTask(userID, res.Membership.EndDate)); err != nil {
		// 確定済みのため、利用者は/startで招待リンクを受け取れる
		b.metrics.RecordNotificationDeadLettered(TaskKindPaymentConfirmed)
		logger.Error("確定通知を投入できませんでした", slog.String("error", err.Error()))
		return b.reply(chatID, textAlreadyConfirmed, nil)
	}
	return b.reply(chatID, textConfirmedPending, nil)
}

// getStatus は一時的な障害に限りリトライして状態を取得する。
func (b *Bot) getStatus(ctx context.Context, userID int64) (model.MembershipState, error) {
	return upstream.Do(ctx, b.cfg.Retry, func() (model.MembershipState, error) {
		return b.engine.GetStatus(ctx, userID)
	})
}

func (b *Bot) reply(chatID int64, text string, markup any) error {
	if err := sendHTML(b.sender, b.sanitizer, chatID, text, markup); err != nil {
		return fmt.Errorf("reply to %d: %w", chatID, err)
	}
	return nil
}

// displayName はユーザー名、なければ名前を返す。
func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return "Sin username"
}
