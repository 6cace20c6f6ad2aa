// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 支払い確定の経路。
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、ボット、ワーカーから利用する。
type MetricsCollector interface {
	RecordInvoiceCreated()
	RecordInvoiceFailed()
	RecordPaymentConfirmed(source string)
	RecordDuplicatePayment(source string)
	RecordSignatureRejected()
	RecordMembershipsExpired(count int)
	RecordRevocationFailures(count int)
	RecordNotificationSent(kind string)
	RecordNotificationDeadLettered(kind string)
	RecordSweepDuration(duration time.Duration)
	RecordWebhookStatus(route string, statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	invoicesCreated    prometheus.Counter
	invoicesFailed     prometheus.Counter
	paymentsConfirmed  *prometheus.CounterVec
	duplicatePayments  *prometheus.CounterVec
	signatureRejected  prometheus.Counter
	membershipsExpired prometheus.Counter
	revocationFailures prometheus.Counter
	notificationsSent  *prometheus.CounterVec
	notificationsDead  *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	webhookStatus      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		invoicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_invoices_created_total",
			Help: "発行した請求書の合計数",
		}),
		invoicesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_invoices_failed_total",
			Help: "請求書発行失敗の合計数",
		}),
		paymentsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_payments_confirmed_total",
			Help: "経路別の支払い確定数",
		}, []string{"source"}),
		duplicatePayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_duplicate_payments_total",
			Help: "確定済みの支払い参照を受け取った回数",
		}, []string{"source"}),
		signatureRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_signature_rejected_total",
			Help: "署名検証で拒否したIPNの合計数",
		}),
		membershipsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_memberships_expired_total",
			Help: "期限切れにしたメンバーシップの合計数",
		}),
		revocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_revocation_failures_total",
			Help: "スイープでの除外失敗の合計数",
		}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_notifications_sent_total",
			Help: "種類別の通知送信数",
		}, []string{"kind"}),
		notificationsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_notifications_dead_lettered_total",
			Help: "リトライ上限に達して破棄した通知数",
		}, []string{"kind"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_sweep_duration_seconds",
			Help:    "スイープ1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		webhookStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_webhook_responses_total",
			Help: "Webhookのルート・ステータスコード別のレスポンス数",
		}, []string{"route", "status_code"}),
	}

	reg.MustRegister(
		c.invoicesCreated,
		c.invoicesFailed,
		c.paymentsConfirmed,
		c.duplicatePayments,
		c.signatureRejected,
		c.membershipsExpired,
		c.revocationFailures,
		c.notificationsSent,
		c.notificationsDead,
		c.sweepDuration,
		c.webhookStatus,
	)

	return c
}

// RecordInvoiceCreated は請求書発行を記録する。
func (c *Collector) RecordInvoiceCreated() {
	c.invoicesCreated.Inc()
}

// RecordInvoiceFailed は請求書発行失敗を記録する。
func (c *Collector) RecordInvoiceFailed() {
	c.invoicesFailed.Inc()
}

// RecordPaymentConfirmed は支払い確定を経路別に記録する。
func (c *Collector) RecordPaymentConfirmed(source string) {
	c.paymentsConfirmed.WithLabelValues(source).Inc()
}

// RecordDuplicatePayment は重複した支払い確定を記録する。
func (c *Collector) RecordDuplicatePayment(source string) {
	c.duplicatePayments.WithLabelValues(source).Inc()
}

// RecordSignatureRejected は署名検証による拒否を記録する。
func (c *Collector) RecordSignatureRejected() {
	c.signatureRejected.Inc()
}

// RecordMembershipsExpired は期限切れにした件数を記録する。
func (c *Collector) RecordMembershipsExpired(count int) {
	c.membershipsExpired.Add(float64(count))
}

// RecordRevocationFailures は除外失敗の件数を記録する。
func (c *Collector) RecordRevocationFailures(count int) {
	c.revocationFailures.Add(float64(count))
}

// RecordNotificationSent は通知送信を記録する。
func (c *Collector) RecordNotificationSent(kind string) {
	c.notificationsSent.WithLabelValues(kind).Inc()
}

// RecordNotificationDeadLettered は破棄した通知を記録する。
func (c *Collector) RecordNotificationDeadLettered(kind string) {
	c.notificationsDead.WithLabelValues(kind).Inc()
}

// RecordSweepDuration はスイープの所要時間を記録する。
func (c *Collector) RecordSweepDuration(duration time.Duration) {
	c.sweepDuration.Observe(duration.Seconds())
}

// RecordWebhookStatus はWebhookのレスポンスステータスを記録する。
func (c *Collector) RecordWebhookStatus(route string, statusCode int) {
	c.webhookStatus.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordInvoiceCreated()                 {}
func (Nop) RecordInvoiceFailed()                  {}
func (Nop) RecordPaymentConfirmed(string)         {}
func (Nop) RecordDuplicatePayment(string)         {}
func (Nop) RecordSignatureRejected()              {}
func (Nop) RecordMembershipsExpired(int)          {}
func (Nop) RecordRevocationFailures(int)          {}
func (Nop) RecordNotificationSent(string)         {}
func (Nop) RecordNotificationDeadLettered(string) {}
func (Nop) RecordSweepDuration(time.Duration)     {}
func (Nop) RecordWebhookStatus(string, int)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
