// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// エラー分類。各層は原因エラーをこれらのいずれかでラップし、
// 呼び出し元はerrors.Isで分類を判定する。
var (
	// ErrAuthenticationFailure は署名不一致。境界で拒否し、状態は変更しない。
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrUpstreamUnavailable は決済プロバイダまたはチャット基盤の到達不能・タイムアウト。
	// 成功とみなしてはならない。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStoreUnavailable は永続化層の障害。メンバーシップ状態を推測してはならない。
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAccessControlFailure はグループへの招待・除外操作の失敗。
	ErrAccessControlFailure = errors.New("access control failure")
	// ErrMalformedInput はコールバック本文や注文トークンが解析できない場合。
	ErrMalformedInput = errors.New("malformed input")
	// ErrAlreadyActive は有効なメンバーシップがあり請求書が不要な場合。
	ErrAlreadyActive = errors.New("membership already active")
	// ErrQueueFull はタスクキューが満杯で投入期限内に受け付けられなかった場合。
	ErrQueueFull = errors.New("task queue full")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, payment, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeMissingSignature  = "MISSING_SIGNATURE"
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeInvalidOrderToken = "INVALID_ORDER_TOKEN"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewInvalidSignatureError は署名検証失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "署名の検証に失敗しました。",
		Category: "auth",
		Action:   "IPNシークレットの設定を確認してください。",
	}
}

// NewMissingSignatureError は署名ヘッダーまたは本文が欠落している場合のエラーを生成する。
func NewMissingSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingSignature,
		Message:  "本文または署名ヘッダーがありません。",
		Category: "validation",
		Action:   "x-nowpayments-sig ヘッダー付きのJSON本文を送信してください。",
	}
}

// NewInvalidPayloadError は本文の解析に失敗した場合のエラーを生成する。
func NewInvalidPayloadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("リクエスト本文を解析できません: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式で送信してください。",
	}
}

// NewInvalidOrderTokenError は注文トークンが解析できない場合のエラーを生成する。
func NewInvalidOrderTokenError(orderID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOrderToken,
		Message:  fmt.Sprintf("注文IDからユーザーを特定できません: %s", orderID),
		Category: "validation",
		Action:   "order_id は user_<id>_<nonce> 形式で指定してください。",
	}
}

// NewStoreUnavailableError は永続化層障害のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再送してください。",
	}
}

// NewUpstreamFailedError は外部サービス障害のエラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "外部サービスの呼び出しに失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewQueueFullError はタスクキュー飽和時のエラーを生成する。
func NewQueueFullError() *APIError {
	return &APIError{
		Code:     ErrCodeQueueFull,
		Message:  "処理待ちのタスクが上限に達しています。",
		Category: "system",
		Action:   "しばらく待ってから再送してください。",
	}
}

// NewUnauthorizedError はスイープトークンやWebhookシークレットの不一致エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "正しい認証情報を指定してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
