package payment

import "strings"

// Status はアプリケーションが扱う支払い状態。
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusConfirming Status = "confirming"
	StatusSending    Status = "sending"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// MapStatus はNOWPaymentsのpayment_statusをStatusに変換する。
// confirmedはconfirming、partially_paidは追加入金待ちとしてwaiting、
// refundedとexpiredはfailedに寄せる。未知の値はunknown。
func MapStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "waiting", "partially_paid":
		return StatusWaiting
	case "confirming", "confirmed":
		return StatusConfirming
	case "sending":
		return StatusSending
	case "finished":
		return StatusFinished
	case "failed", "refunded", "expired":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// IsFinished は支払いが確定したかを返す。
func (s Status) IsFinished() bool {
	return s == StatusFinished
}
