package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

// TaskKindPaymentConfirmed は支払い確定通知タスクの種類。
const TaskKindPaymentConfirmed = "payment_confirmed"

// Notifier は支払い確定と期限切れを利用者に通知する。
// 通知の失敗はメンバーシップの状態を巻き戻さない。
type Notifier struct {
	sender    Sender
	granter   Granter
	sanitizer *security.TextSanitizer
	logger    *slog.Logger
}

// NewNotifier はNotifierを生成する。
func NewNotifier(sender Sender, granter Granter, sanitizer *security.TextSanitizer, logger *slog.Logger) *Notifier {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Notifier{
		sender:    sender,
		granter:   granter,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// PaymentConfirmed は招待リンクを発行し、確定メッセージと一緒に送る。
// 招待リンクの発行と送信はどちらも再試行され得るため、呼び出しごとに新しいリンクを発行する。
func (n *Notifier) PaymentConfirmed(ctx context.Context, userID int64, endDate time.Time) error {
	inv, err := n.granter.Grant(ctx, userID)
	if err != nil {
		return fmt.Errorf("招待リンクの発行に失敗: %w", err)
	}

	text := paymentConfirmedText(n.sanitizer.PlainText(inv.Link), inv.ExpiresAt, endDate)
	if err := sendHTML(n.sender, n.sanitizer, userID, text, nil); err != nil {
		return err
	}

	n.logger.Info("支払い確定を通知しました", slog.Int64("user_id", userID))
	return nil
}

// MembershipExpired は期限切れを通知する。
func (n *Notifier) MembershipExpired(ctx context.Context, userID int64, endDate time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sendHTML(n.sender, n.sanitizer, userID, membershipExpiredText(endDate), nil); err != nil {
		return err
	}

	n.logger.Info("期限切れを通知しました", slog.Int64("user_id", userID))
	return nil
}

// PaymentConfirmedTask は支払い確定通知のタスクを返す。
func (n *Notifier) PaymentConfirmedTask(userID int64, endDate time.Time) queue.Task {
	return queue.Task{
		Kind: TaskKindPaymentConfirmed,
		Run: func(ctx context.Context) error {
			return n.PaymentConfirmed(ctx, userID, endDate)
		},
	}
}
