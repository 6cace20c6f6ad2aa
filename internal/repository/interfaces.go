// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/gatekeeper/internal/model"
)

// MembershipRepository はメンバーシップの永続化インターフェース。
// メンバーシップはユーザーごとに1件で、書き込みはすべてUPSERTまたは条件付きUPDATE。
// 返却する時刻はすべてmodel.NormalizeInstantで正規化済み。
type MembershipRepository interface {
	// FindByUserID は指定ユーザーのメンバーシップを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID int64) (*model.Membership, error)

	// ConfirmPayment は支払い確定をメンバーシップに反映する。
	// paymentRefが空でなく、すでに確定済みの参照であれば何も書き込まず、
	// 現在のメンバーシップとapplied=falseを返す。
	// それ以外はend_date=endDate、status=activeでUPSERTし、applied=trueを返す。
	ConfirmPayment(ctx context.Context, userID int64, paymentRef string, endDate time.Time) (m *model.Membership, applied bool, err error)

	// ListExpiredActive はstatus=activeかつend_date < nowのメンバーシップをend_date昇順で返す。
	ListExpiredActive(ctx context.Context, now time.Time) ([]*model.Membership, error)

	// MarkExpired はstatus=activeかつend_date < nowの場合に限りstatusをexpiredに更新する。
	// 選択後に更新（再購入）されていた場合はfalseを返す。
	MarkExpired(ctx context.Context, userID int64, now time.Time) (bool, error)
}
