package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/middleware"
)

// ルート名。Webhook応答メトリクスのラベルに使う。
const (
	routePaymentWebhook  = "nowpayments"
	routeTelegramWebhook = "telegram"
	routeSweep           = "check_memberships"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
// nilのハンドラーのルートは登録しない（workerモードは稼働確認とメトリクスのみ）。
type RouterDeps struct {
	Logger      *slog.Logger
	Metrics     metrics.MetricsCollector
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter

	Payment  *PaymentWebhookHandler
	Telegram *TelegramWebhookHandler
	Sweep    *SweepHandler
	Health   *HealthHandler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Recovery → Logging → SecurityHeaders → RateLimit(Webhook/スイープのみ)
func NewRouter(deps *RouterDeps) http.Handler {
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- 稼働確認 ---
	r.Get("/", deps.Health.Home)
	r.Get("/health", deps.Health.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 外部から呼ばれるルート ---
	// ミドルウェアスタック: RateLimit(IP単位)
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.ByClientIP())
		}

		if deps.Payment != nil {
			r.With(instrument(routePaymentWebhook, mc)).
				Method(http.MethodPost, "/webhook/nowpayments", deps.Payment)
		}
		if deps.Telegram != nil {
			r.With(instrument(routeTelegramWebhook, mc)).
				Method(http.MethodPost, "/webhook/telegram", deps.Telegram)
		}
		if deps.Sweep != nil {
			r.With(instrument(routeSweep, mc)).
				Method(http.MethodGet, "/check_memberships", deps.Sweep)
		}
	})

	return r
}

// instrument は応答ステータスをルート名付きで記録するミドルウェアを返す。
func instrument(route string, mc metrics.MetricsCollector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			mc.RecordWebhookStatus(route, status)
		})
	}
}
