package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/gatekeeper/internal/access"
	"github.com/hitoshi/gatekeeper/internal/bot"
	"github.com/hitoshi/gatekeeper/internal/config"
	"github.com/hitoshi/gatekeeper/internal/database"
	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/repository"
	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
	"github.com/hitoshi/gatekeeper/internal/worker/sweep"
)

const dbPingTimeout = 5 * time.Second

// components はserve・worker・sweepの各モードで共通の依存関係。
type components struct {
	db         *sql.DB
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	telegram   *tgbotapi.BotAPI
	access     *access.Controller
	payments   *payment.Client
	engine     *membership.Engine
	sanitizer  *security.TextSanitizer
	notifier   *bot.Notifier
	notifyPool *queue.Pool
	sweeper    *sweep.Sweeper
}

// newComponents はDB接続を開き、全依存関係をワイヤリングする。
// 呼び出し元はCloseでDB接続を閉じる。
func newComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. 外部サービスクライアント
	api, err := newTelegramClient(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("telegram bot authorized", slog.String("username", api.Self.UserName))

	accessCtl := access.NewController(api, cfg.GroupID, cfg.InviteLinkTTL, log)
	payClient := payment.NewClient(&http.Client{Timeout: cfg.PaymentTimeout}, log, payment.ClientConfig{
		APIURL:           cfg.NOWPaymentsAPIURL,
		APIKey:           cfg.NOWPaymentsAPIKey,
		CallbackURL:      cfg.IPNCallbackURL(),
		SuccessURL:       cfg.SuccessURL(),
		PayCurrency:      cfg.PayCurrency,
		OrderDescription: cfg.OrderDescription,
		Email:            cfg.NOWPaymentsEmail,
		Password:         cfg.NOWPaymentsPassword,
	})

	// 4. ドメインサービス
	engine := membership.NewEngine(
		repository.NewPostgresMembershipRepo(db),
		payClient,
		accessCtl,
		membership.Config{
			Price:            cfg.PriceAmount,
			Currency:         cfg.PriceCurrency,
			Period:           cfg.MembershipPeriod,
			SweepConcurrency: cfg.SweepMaxConcurrent,
		},
		log,
	)

	// 5. 通知とスイープ
	sanitizer := security.NewTextSanitizer()
	notifier := bot.NewNotifier(api, accessCtl, sanitizer, log)
	notifyPool := queue.New(queue.Config{
		Name:        "notifications",
		Workers:     cfg.NotifyWorkers,
		QueueSize:   cfg.NotifyQueueSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
	}, collector, log)
	sweeper := sweep.NewSweeper(engine, notifier, notifyPool, collector, log)

	return &components{
		db:         db,
		registry:   registry,
		metrics:    collector,
		telegram:   api,
		access:     accessCtl,
		payments:   payClient,
		engine:     engine,
		sanitizer:  sanitizer,
		notifier:   notifier,
		notifyPool: notifyPool,
		sweeper:    sweeper,
	}, nil
}

// Close はDB接続を閉じる。
func (c *components) Close() error {
	return c.db.Close()
}

// newTelegramClient はタイムアウト付きのBot APIクライアントを生成する。
// 生成時にgetMeでトークンを検証する。
func newTelegramClient(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPIWithClient(
		cfg.TelegramToken,
		cfg.TelegramAPIEndpoint,
		&http.Client{Timeout: cfg.TelegramTimeout},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	return api, nil
}
