package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/gatekeeper/internal/bot"
	"github.com/hitoshi/gatekeeper/internal/config"
	"github.com/hitoshi/gatekeeper/internal/database"
	"github.com/hitoshi/gatekeeper/internal/handler"
	"github.com/hitoshi/gatekeeper/internal/logger"
	"github.com/hitoshi/gatekeeper/internal/middleware"
	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/upstream"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 30 * time.Second
	// webhookRequestsPerMinute はWebhookとスイープのIPごとの上限。
	webhookRequestsPerMinute = 300
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. .envで指定されたレベルを反映する
	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort())
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandSweep:
		return runSweep(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandSetWebhook:
		return runSetWebhook(cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はWebhookサーバーモードで起動する。
// IPN通知、Telegramの更新、スイープ要求を受け付け、更新処理と通知をプールで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	// 更新処理は利用者への応答を含むため再実行しない
	updatePool := queue.New(queue.Config{
		Name:        "updates",
		Workers:     cfg.UpdateWorkers,
		QueueSize:   cfg.UpdateQueueSize,
		MaxAttempts: 1,
	}, c.metrics, log)

	commandLimiter := middleware.NewRateLimiter("commands", middleware.PerMinute(cfg.RateLimitCommands))
	defer commandLimiter.Stop()
	webhookLimiter := middleware.NewRateLimiter("webhook", middleware.PerMinute(webhookRequestsPerMinute))
	defer webhookLimiter.Stop()

	b := bot.New(bot.Deps{
		Engine:    c.engine,
		Granter:   c.access,
		Poller:    c.payments,
		Sender:    c.telegram,
		Notifier:  c.notifier,
		Tasks:     c.notifyPool,
		Limiter:   commandLimiter,
		Sanitizer: c.sanitizer,
		Metrics:   c.metrics,
	}, bot.Config{
		Price:        cfg.PriceAmount,
		Currency:     cfg.PriceCurrency,
		Retry:        upstream.DefaultPolicy(),
		VerifyButton: c.payments.InvoiceLookupEnabled(),
	}, log)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      log,
		Metrics:     c.metrics,
		Gatherer:    c.registry,
		RateLimiter: webhookLimiter,
		Payment: handler.NewPaymentWebhookHandler(
			security.NewVerifier(cfg.NOWPaymentsIPNSecret),
			c.engine, c.notifier, c.notifyPool, c.metrics, log,
		),
		Telegram: handler.NewTelegramWebhookHandler(b, updatePool, cfg.TelegramWebhookSecret, log),
		Sweep:    handler.NewSweepHandler(c.sweeper, cfg.SweepToken, log),
		Health:   handler.NewHealthHandler(c.db, log),
	})

	c.notifyPool.Start(ctx)
	updatePool.Start(ctx)

	return serveUntilDone(ctx, newServer(cfg.ServerPort, router), log, func() {
		// 更新処理が通知を投入するため、更新プールを先に止める
		updatePool.Stop()
		c.notifyPool.Stop()
	})
}

// runWorker はワーカーモードで起動する。
// 定期スイープと期限切れ通知を実行し、稼働確認とメトリクスのみHTTPで公開する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:   log,
		Metrics:  c.metrics,
		Gatherer: c.registry,
		Health:   handler.NewHealthHandler(c.db, log),
	})

	c.notifyPool.Start(ctx)

	log.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.sweeper.Start(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		return serveUntilDone(gctx, newServer(cfg.ServerPort, router), log, nil)
	})

	err = g.Wait()
	c.notifyPool.Stop()
	log.Info("worker stopped gracefully")
	return err
}

// runSweep はスイープを1回実行し、期限切れ通知を送り終えてから終了する。
func runSweep(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	c.notifyPool.Start(ctx)
	res, err := c.sweeper.RunOnce(ctx)
	c.notifyPool.Stop()
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	log.Info("sweep completed",
		slog.Int("removed", len(res.Expired)),
		slog.Int("failed", len(res.Failed)),
		slog.Int("restored", len(res.Restored)),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runSetWebhook はBASE_URL/webhook/telegramをsecret_token付きでTelegramに登録する。
// tgbotapi.WebhookConfigはsecret_tokenを持たないため、パラメータを直接組み立てる。
func runSetWebhook(cfg *config.Config, log *slog.Logger) error {
	api, err := newTelegramClient(cfg)
	if err != nil {
		return err
	}

	params := tgbotapi.Params{}
	params["url"] = cfg.TelegramWebhookURL()
	params["secret_token"] = cfg.TelegramWebhookSecret
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return fmt.Errorf("invalid webhook params: %w", err)
	}

	if _, err := api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}

	log.Info("telegram webhook registered", slog.String("url", cfg.TelegramWebhookURL()))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

func newServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveUntilDone はctxが終了するまでHTTPサーバーを動かし、終了後にシャットダウンする。
// afterShutdownはHTTPの受付を止めた後に呼ばれる。
func serveUntilDone(ctx context.Context, server *http.Server, log *slog.Logger, afterShutdown func()) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if afterShutdown != nil {
			afterShutdown()
		}
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		log.Info("HTTP server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
