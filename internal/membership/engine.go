// Package membership はメンバーシップのライフサイクル（購入、支払い確定、期限切れ）を管理する。
//
// 状態遷移は (なし) → active → expired → active → … のみ。
// Engineはメンバーシップの唯一の書き込み主体であり、リトライは行わない。
// リトライとバックオフは呼び出し側（ボット、通知ワーカー、スイープ）の責務。
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/repository"
)

// InvoiceIssuer は請求書発行のインターフェース。
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*payment.Invoice, error)
}

// AccessRevoker はグループからの除外と除外取り消しのインターフェース。
type AccessRevoker interface {
	Revoke(ctx context.Context, userID int64) error
	Restore(ctx context.Context, userID int64) error
}

// Config はメンバーシップの価格と期間。
type Config struct {
	Price    decimal.Decimal
	Currency string
	Period   time.Duration
	// SweepConcurrency はスイープで同時に除外処理するユーザー数の上限。
	SweepConcurrency int
}

// ConfirmResult は支払い確定の結果。
type ConfirmResult struct {
	Membership *model.Membership
	// Applied は今回の呼び出しで書き込みが行われたか。
	// 確定済みの支払い参照であればfalse。
	Applied bool
}

// ExpiredMember はスイープで期限切れにしたユーザー。
type ExpiredMember struct {
	UserID  int64
	EndDate time.Time
}

// SweepResult はスイープ1回分の結果。
type SweepResult struct {
	// Expired は除外に成功し、期限切れに更新したユーザー。
	Expired []ExpiredMember
	// Failed は除外または更新に失敗し、次回のスイープで再試行するユーザー。
	Failed []int64
	// Restored は除外後に再購入が判明し、除外を取り消したユーザー。
	Restored []int64
}

// ExpiredUserIDs は期限切れにしたユーザーIDの一覧を返す。
func (r SweepResult) ExpiredUserIDs() []int64 {
	ids := make([]int64, len(r.Expired))
	for i, m := range r.Expired {
		ids[i] = m.UserID
	}
	return ids
}

// Option はEngineの任意設定。
type Option func(*Engine)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine はメンバーシップのライフサイクルエンジン。
type Engine struct {
	repo    repository.MembershipRepository
	issuer  InvoiceIssuer
	revoker AccessRevoker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	repo repository.MembershipRepository,
	issuer InvoiceIssuer,
	revoker AccessRevoker,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 1
	}
	e := &Engine{
		repo:    repo,
		issuer:  issuer,
		revoker: revoker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Period は支払い1回あたりのメンバーシップ期間を返す。
func (e *Engine) Period() time.Duration {
	return e.cfg.Period
}

// Now はエンジンの時計で現在時刻を返す。
func (e *Engine) Now() time.Time {
	return model.NormalizeInstant(e.now())
}

// GetStatus はユーザーのメンバーシップ状態を返す。書き込みは行わない。
// ストアに到達できない場合はErrStoreUnavailableを返し、「なし」とはみなさない。
func (e *Engine) GetStatus(ctx context.Context, userID int64) (model.MembershipState, error) {
	m, err := e.repo.FindByUserID(ctx, userID)
	if err != nil {
		return model.MembershipState{}, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return model.StateAt(m, e.now()), nil
}

// RequestMembership は有効なメンバーシップがなければ請求書を発行する。
// 有効なメンバーシップがある場合は請求書を発行せずErrAlreadyActiveを返す。
// 呼び出し元はその場合グループへの招待を案内する。
func (e *Engine) RequestMembership(ctx context.Context, userID int64) (*payment.Invoice, error) {
	state, err := e.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state.State == model.StateActive {
		return nil, fmt.Errorf("%w: until %s", model.ErrAlreadyActive, state.EndDate.Format(time.RFC3339))
	}

	inv, err := e.issuer.CreateInvoice(ctx, userID, e.cfg.Price, e.cfg.Currency)
	if err != nil {
		if errors.Is(err, model.ErrMalformedInput) {
			return nil, err
		}
		if !errors.Is(err, model.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}

	return inv, nil
}

// ConfirmPayment は支払い確定を反映する。end_date = now + period、status = activeを設定する。
// 同じpaymentRefで複数回呼ばれても期限は延長されない（設定であり加算ではない）。
// paymentRefが空の場合は重複判定を行わず、同じ計算で期限を再設定する。
func (e *Engine) ConfirmPayment(ctx context.Context, userID int64, paymentRef string, period time.Duration) (ConfirmResult, error) {
	if userID <= 0 {
		return ConfirmResult{}, fmt.Errorf("%w: invalid user id %d", model.ErrMalformedInput, userID)
	}
	if period <= 0 {
		return ConfirmResult{}, fmt.Errorf("%w: non-positive membership period %s", model.ErrMalformedInput, period)
	}

	endDate := model.NormalizeInstant(e.now().Add(period))
	m, applied, err := e.repo.ConfirmPayment(ctx, userID, paymentRef, endDate)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	if applied {
		e.logger.Info("支払いを確定しました",
			slog.Int64("user_id", userID),
			slog.String("payment_reference", paymentRef),
			slog.Time("end_date", m.EndDate),
		)
	} else {
		e.logger.Info("確定済みの支払いのため更新しませんでした",
			slog.Int64("user_id", userID),
			slog.String("payment_reference", paymentRef),
		)
	}

	return ConfirmResult{Membership: m, Applied: applied}, nil
}

// SweepExpired はstatus=activeかつend_date < nowのメンバーシップを探し、
// グループからの除外に成功したユーザーのみexpiredに更新する。
// 各ユーザーは独立に処理され、1人の失敗は他のユーザーの処理を妨げない。
// 除外に失敗したユーザーはactiveのまま残り、次回のスイープで再試行される。
// 返すエラーは対象一覧の取得失敗のみ。
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	now = model.NormalizeInstant(now)

	candidates, err := e.repo.ListExpiredActive(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	if len(candidates) == 0 {
		return SweepResult{}, nil
	}

	outcomes := make([]sweepOutcome, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.cfg.SweepConcurrency)
	for i, m := range candidates {
		g.Go(func() error {
			outcomes[i] = e.expireOne(ctx, m, now)
			return nil
		})
	}
	_ = g.Wait()

	var result SweepResult
	for i, o := range outcomes {
		m := candidates[i]
		switch o {
		case outcomeExpired:
			result.Expired = append(result.Expired, ExpiredMember{UserID: m.UserID, EndDate: m.EndDate})
		case outcomeRestored:
			result.Restored = append(result.Restored, m.UserID)
		case outcomeSkipped:
			// 別のスイープで処理済み
		default:
			result.Failed = append(result.Failed, m.UserID)
		}
	}

	e.logger.Info("スイープが完了しました",
		slog.Int("candidates", len(candidates)),
		slog.Int("expired", len(result.Expired)),
		slog.Int("failed", len(result.Failed)),
		slog.Int("restored", len(result.Restored)),
	)

	return result, nil
}

type sweepOutcome int

const (
	outcomeFailed sweepOutcome = iota
	outcomeExpired
	outcomeRestored
	outcomeSkipped
)

// expireOne は1ユーザーを除外し、成功した場合のみexpiredに更新する。
func (e *Engine) expireOne(ctx context.Context, m *model.Membership, now time.Time) sweepOutcome {
	logger := e.logger.With(slog.Int64("user_id", m.UserID))

	if err := e.revoker.Revoke(ctx, m.UserID); err != nil {
		logger.Warn("除外に失敗したため次回のスイープで再試行します",
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}

	marked, err := e.repo.MarkExpired(ctx, m.UserID, now)
	if err != nil {
		// 除外済みだがactiveのまま。次回のスイープで除外と更新を再試行する。
		logger.Error("期限切れへの更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}
	if marked {
		return outcomeExpired
	}

	// 更新対象外だった。別のスイープが先に期限切れにしたか、一覧取得後に再購入された。
	current, err := e.repo.FindByUserID(ctx, m.UserID)
	if err != nil {
		logger.Error("メンバーシップの再取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}
	if model.StateAt(current, now).State != model.StateActive {
		logger.Info("別のスイープで期限切れ処理済みです")
		return outcomeSkipped
	}

	// 支払い済みユーザーを除外したままにしない。
	logger.Warn("スイープ中に再購入されたため除外を取り消します")
	if err := e.revoker.Restore(ctx, m.UserID); err != nil {
		logger.Error("除外の取り消しに失敗しました",
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}
	return outcomeRestored
}
