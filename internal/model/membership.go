package model

import "time"

// MembershipStatus は永続化されるメンバーシップの状態を表す。
type MembershipStatus string

const (
	// MembershipStatusActive は支払い確認済みで有効期間内（または未スイープ）の状態。
	MembershipStatusActive MembershipStatus = "active"
	// MembershipStatusExpired は期限切れでグループから除外済みの状態。
	MembershipStatusExpired MembershipStatus = "expired"
)

// Membership はユーザーごとに1件だけ存在するメンバーシップレコード。
// 新しい支払いは上書き（UPSERT）され、追記はされない。
type Membership struct {
	UserID           int64
	EndDate          time.Time
	Status           MembershipStatus
	PaymentReference string // 空文字は参照なし
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// State はGetStatusが返すユーザー視点のメンバーシップ状態。
type State string

const (
	// StateNone はレコードが存在しない（一度も購入していない）状態。
	StateNone State = "none"
	// StateActive は有効期限が現在時刻以降の状態。
	StateActive State = "active"
	// StateExpired は有効期限を過ぎた状態。スイープ前のactiveレコードも含む。
	StateExpired State = "expired"
)

// MembershipState はメンバーシップ状態と有効期限の組。
// StateNoneの場合EndDateはゼロ値。
type MembershipState struct {
	State   State
	EndDate time.Time
}

// NormalizeInstant はストア境界で使用する唯一のタイムスタンプ正規化関数。
// UTCに変換し、timestamptzの精度であるマイクロ秒に切り捨てる。
// 比較はすべて正規化済みの値同士で行う。
func NormalizeInstant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// StateAt は指定時刻におけるメンバーシップのユーザー視点の状態を返す。
// mがnilの場合はStateNoneを返す。副作用はない。
// 期限切れはスイープと同じくend_date < nowで判定し、end_date == nowはまだ有効とする。
func StateAt(m *Membership, now time.Time) MembershipState {
	if m == nil {
		return MembershipState{State: StateNone}
	}

	end := NormalizeInstant(m.EndDate)
	if m.Status == MembershipStatusActive && !end.Before(NormalizeInstant(now)) {
		return MembershipState{State: StateActive, EndDate: end}
	}
	return MembershipState{State: StateExpired, EndDate: end}
}
