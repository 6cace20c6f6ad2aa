package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 各コンポーネントにはポインタで渡し、グローバル変数には保持しない。
type Config struct {
	// Database
	DatabaseURL string

	// Telegram
	TelegramToken         string
	TelegramWebhookSecret string // setWebhookのsecret_token。未設定時はトークンから導出する
	TelegramAPIEndpoint   string
	TelegramTimeout       time.Duration
	GroupID               int64
	BotUsername           string
	InviteLinkTTL         time.Duration

	// NOWPayments
	NOWPaymentsAPIKey    string
	NOWPaymentsIPNSecret string
	NOWPaymentsAPIURL    string
	NOWPaymentsEmail     string // 支払い一覧API用。未設定なら「Verificar pago」を出さない
	NOWPaymentsPassword  string
	PaymentTimeout       time.Duration

	// Membership
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	PayCurrency      string
	MembershipPeriod time.Duration
	OrderDescription string

	// Sweep
	SweepInterval      time.Duration
	SweepMaxConcurrent int
	SweepToken         string

	// Worker pools
	NotifyWorkers     int
	NotifyQueueSize   int
	NotifyMaxAttempts int
	UpdateWorkers     int
	UpdateQueueSize   int

	// Rate Limit
	RateLimitCommands int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}

	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		missing = append(missing, "GROUP_ID")
	}

	cfg.NOWPaymentsAPIKey = os.Getenv("NOWPAYMENTS_API_KEY")
	if cfg.NOWPaymentsAPIKey == "" {
		missing = append(missing, "NOWPAYMENTS_API_KEY")
	}

	cfg.NOWPaymentsIPNSecret = os.Getenv("NOWPAYMENTS_IPN_SECRET")
	if cfg.NOWPaymentsIPNSecret == "" {
		missing = append(missing, "NOWPAYMENTS_IPN_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	id, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("GROUP_ID must be an integer chat id: %w", err)
	}
	cfg.GroupID = id

	price, err := decimal.NewFromString(getEnvString("PRICE_AMOUNT", "12"))
	if err != nil {
		return nil, fmt.Errorf("PRICE_AMOUNT must be a decimal number: %w", err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("PRICE_AMOUNT must be positive: %s", price)
	}
	cfg.PriceAmount = price

	// Optional fields with defaults
	cfg.TelegramAPIEndpoint = getEnvString("TELEGRAM_API_ENDPOINT", "https://api.telegram.org/bot%s/%s")
	cfg.TelegramWebhookSecret = getEnvString("TELEGRAM_WEBHOOK_SECRET", deriveWebhookSecret(cfg.TelegramToken))
	if !validWebhookSecret(cfg.TelegramWebhookSecret) {
		return nil, errors.New("TELEGRAM_WEBHOOK_SECRET must be 1-256 characters of A-Z, a-z, 0-9, _ or -")
	}
	cfg.TelegramTimeout = getEnvDuration("TELEGRAM_TIMEOUT", 10*time.Second)
	cfg.BotUsername = strings.TrimPrefix(getEnvString("BOT_USERNAME", "ghost_traders_bot"), "@")
	cfg.InviteLinkTTL = getEnvDuration("INVITE_LINK_TTL", 10*time.Minute)
	cfg.NOWPaymentsAPIURL = strings.TrimRight(getEnvString("NOWPAYMENTS_API_URL", "https://api.nowpayments.io"), "/")
	cfg.NOWPaymentsEmail = getEnvString("NOWPAYMENTS_EMAIL", "")
	cfg.NOWPaymentsPassword = getEnvString("NOWPAYMENTS_PASSWORD", "")
	cfg.PaymentTimeout = getEnvDuration("PAYMENT_TIMEOUT", 10*time.Second)
	cfg.PriceCurrency = strings.ToLower(getEnvString("PRICE_CURRENCY", "usd"))
	cfg.PayCurrency = strings.ToLower(getEnvString("PAY_CURRENCY", "trx"))
	cfg.MembershipPeriod = getEnvDuration("MEMBERSHIP_PERIOD", 30*24*time.Hour)
	cfg.OrderDescription = getEnvString("ORDER_DESCRIPTION", "Membresía Ghost Traders - 30 días")
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.SweepMaxConcurrent = getEnvInt("SWEEP_MAX_CONCURRENT", 5)
	cfg.SweepToken = getEnvString("SWEEP_TOKEN", "")
	cfg.NotifyWorkers = getEnvInt("NOTIFY_WORKERS", 4)
	cfg.NotifyQueueSize = getEnvInt("NOTIFY_QUEUE_SIZE", 256)
	cfg.NotifyMaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 5)
	cfg.UpdateWorkers = getEnvInt("UPDATE_WORKERS", 4)
	cfg.UpdateQueueSize = getEnvInt("UPDATE_QUEUE_SIZE", 256)
	cfg.RateLimitCommands = getEnvInt("RATE_LIMIT_COMMANDS", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", getEnvString("PORT", "8080"))

	return cfg, nil
}

// IPNCallbackURL は決済プロバイダに登録するIPNコールバックURLを返す。
func (c *Config) IPNCallbackURL() string {
	return c.BaseURL + "/webhook/nowpayments"
}

// TelegramWebhookURL はTelegramに登録するWebhook URLを返す。
func (c *Config) TelegramWebhookURL() string {
	return c.BaseURL + "/webhook/telegram"
}

// SuccessURL は支払い完了後にユーザーを戻すボットのディープリンクを返す。
func (c *Config) SuccessURL() string {
	return "https://t.me/" + c.BotUsername + "?start=success"
}

// deriveWebhookSecret はボットトークンからWebhookのsecret_tokenを導出する。
// トークンそのものはTelegramへ送り返さない。
func deriveWebhookSecret(token string) string {
	sum := sha256.Sum256([]byte("gatekeeper/telegram-webhook/" + token))
	return hex.EncodeToString(sum[:])
}

func validWebhookSecret(s string) bool {
	if len(s) == 0 || len(s) > 256 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
