// Package payment はNOWPaymentsの請求書発行と支払い状態照会を提供する。
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/upstream"
)

const (
	serviceName = "nowpayments"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
	// apiKeyHeader はAPIキーを送るヘッダー名。
	apiKeyHeader = "x-api-key"
	// authTokenTTL は認証トークンの再利用期間。プロバイダ側の有効期限は5分。
	authTokenTTL = 4 * time.Minute
	// paymentPageSize は請求書ごとの支払い一覧の取得件数。
	paymentPageSize = 10
)

// ErrInvoiceLookupDisabled は請求書IDでの照会に必要なアカウント認証情報が未設定であることを表す。
var ErrInvoiceLookupDisabled = errors.New("invoice lookup requires NOWPayments account credentials")

// Invoice はNOWPaymentsが発行した請求書。
type Invoice struct {
	ID      string
	PayURL  string
	OrderID string
}

// PaymentInfo は支払い状態照会の結果。
type PaymentInfo struct {
	Status    Status
	RawStatus string
	// Reference は冪等性判定に使う支払い参照（payment_id、なければinvoice_id）。
	Reference string
	OrderID   string
	InvoiceID string
}

// ClientConfig は請求書発行時に送る固定パラメータ。
type ClientConfig struct {
	APIURL           string
	APIKey           string
	CallbackURL      string
	SuccessURL       string
	PayCurrency      string
	OrderDescription string
	// Email とPassword は支払い一覧APIの認証に使う。未設定なら請求書IDでの照会は無効。
	Email    string
	Password string
}

// Client はNOWPayments APIのクライアント。
// タイムアウトはhttpClientで設定し、呼び出しごとにctxでも打ち切れる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        ClientConfig
	newNonce   func() string // テスト用に差し替え可能
	now        func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg ClientConfig) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		cfg:        cfg,
		newNonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		now: time.Now,
	}
}

// InvoiceLookupEnabled は請求書IDでの支払い状態照会が使えるかを返す。
func (c *Client) InvoiceLookupEnabled() bool {
	return c.cfg.Email != "" && c.cfg.Password != ""
}

type invoiceRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayCurrency      string      `json:"pay_currency,omitempty"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description,omitempty"`
	IPNCallbackURL   string      `json:"ipn_callback_url"`
	SuccessURL       string      `json:"success_url,omitempty"`
}

type invoiceResponse struct {
	ID         ID     `json:"id"`
	InvoiceURL string `json:"invoice_url"`
	OrderID    string `json:"order_id"`
}

type paymentRecord struct {
	PaymentID     ID     `json:"payment_id"`
	InvoiceID     ID     `json:"invoice_id"`
	PaymentStatus string `json:"payment_status"`
	OrderID       string `json:"order_id"`
}

type paymentListResponse struct {
	Data []paymentRecord `json:"data"`
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// ID は数値と文字列のどちらで返されるIDも文字列として受け取る。
// 決済APIの応答とIPN通知の両方で使う。
type ID string

// UnmarshalJSON はnull、文字列、数値のいずれも受け付ける。
func (f *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*f = ID(n.String())
	return nil
}

// CreateInvoice はユーザーの注文トークンを埋め込んだ請求書を発行する。
// 成功以外のステータス、タイムアウト、不正なレスポンスはすべて
// ErrUpstreamUnavailableをラップしたエラーとして返す。
func (c *Client) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*Invoice, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: invalid user id %d", model.ErrMalformedInput, userID)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive: %s", model.ErrMalformedInput, amount)
	}

	orderID := model.FormatOrderToken(userID, c.newNonce())
	reqBody := invoiceRequest{
		PriceAmount:      json.Number(amount.String()),
		PriceCurrency:    strings.ToLower(currency),
		PayCurrency:      c.cfg.PayCurrency,
		OrderID:          orderID,
		OrderDescription: c.cfg.OrderDescription,
		IPNCallbackURL:   c.cfg.CallbackURL,
		SuccessURL:       c.cfg.SuccessURL,
	}

	var resp invoiceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/invoice", "", reqBody, &resp); err != nil {
		c.logger.Error("請求書の発行に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("請求書の発行に失敗しました: %w", err)
	}

	if resp.ID == "" || resp.InvoiceURL == "" {
		c.logger.Error("請求書レスポンスに必須項目がありません",
			slog.Int64("user_id", userID),
			slog.String("order_id", orderID),
		)
		return nil, fmt.Errorf("%w: invoice response missing id or invoice_url", model.ErrUpstreamUnavailable)
	}

	c.logger.Info("請求書を発行しました",
		slog.Int64("user_id", userID),
		slog.String("invoice_id", string(resp.ID)),
		slog.String("order_id", orderID),
	)

	return &Invoice{
		ID:      string(resp.ID),
		PayURL:  resp.InvoiceURL,
		OrderID: orderID,
	}, nil
}

// PollStatus は請求書に紐づく支払いの状態を照会する。
// GET /v1/payment/{id} はpayment_idでしか引けないため、請求書IDからは
// アカウント認証付きの支払い一覧（invoiceIdで絞り込み）を使う。
// 支払いがまだない請求書はwaitingとして返す。
func (c *Client) PollStatus(ctx context.Context, invoiceID string) (*PaymentInfo, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: empty invoice id", model.ErrMalformedInput)
	}
	if !c.InvoiceLookupEnabled() {
		return nil, ErrInvoiceLookupDisabled
	}

	resp, err := c.listPayments(ctx, invoiceID)
	if err != nil {
		c.logger.Warn("支払い状態の照会に失敗しました",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("支払い状態の照会に失敗しました: %w", err)
	}

	info := &PaymentInfo{
		Status:    StatusWaiting,
		RawStatus: string(StatusWaiting),
		InvoiceID: invoiceID,
	}
	rec, ok := pickPayment(resp.Data, invoiceID)
	if !ok {
		return info, nil
	}

	info.Status = MapStatus(rec.PaymentStatus)
	info.RawStatus = rec.PaymentStatus
	info.OrderID = rec.OrderID
	info.Reference = string(rec.PaymentID)
	if info.Reference == "" {
		info.Reference = invoiceID
	}
	return info, nil
}

// listPayments は請求書の支払い一覧を取得する。
// 認証トークンが失効していた場合は1回だけ取り直す。
func (c *Client) listPayments(ctx context.Context, invoiceID string) (*paymentListResponse, error) {
	q := url.Values{}
	q.Set("invoiceId", invoiceID)
	q.Set("limit", strconv.Itoa(paymentPageSize))
	q.Set("page", "0")
	q.Set("sortBy", "created_at")
	q.Set("orderBy", "desc")
	path := "/v1/payment/?" + q.Encode()

	for attempt := 0; ; attempt++ {
		token, err := c.authToken(ctx)
		if err != nil {
			return nil, err
		}

		var resp paymentListResponse
		err = c.doJSON(ctx, http.MethodGet, path, token, nil, &resp)
		if err == nil {
			return &resp, nil
		}

		var statusErr *upstream.StatusError
		if attempt == 0 && errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			c.resetToken(token)
			continue
		}
		return nil, err
	}
}

// authToken はキャッシュ済みのJWTを返す。期限切れなら/v1/authで取り直す。
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpires) {
		return c.token, nil
	}

	var resp authResponse
	req := authRequest{Email: c.cfg.Email, Password: c.cfg.Password}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth", "", req, &resp); err != nil {
		return "", fmt.Errorf("認証トークンの取得に失敗しました: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: auth response missing token", model.ErrUpstreamUnavailable)
	}

	c.token = resp.Token
	c.tokenExpires = c.now().Add(authTokenTTL)
	return c.token, nil
}

func (c *Client) resetToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}

// pickPayment は確定済みの支払いを優先し、なければ一覧の先頭（最新）を返す。
func pickPayment(records []paymentRecord, invoiceID string) (paymentRecord, bool) {
	var latest *paymentRecord
	for i := range records {
		r := &records[i]
		if r.InvoiceID != "" && string(r.InvoiceID) != invoiceID {
			continue
		}
		if MapStatus(r.PaymentStatus).IsFinished() {
			return *r, true
		}
		if latest == nil {
			latest = r
		}
	}
	if latest == nil {
		return paymentRecord{}, false
	}
	return *latest, true
}

// doJSON はAPIキー付きのJSONリクエストを送り、成功時にoutへデコードする。
// bearerが空でなければAuthorizationヘッダーに付与する。
func (c *Client) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// タイムアウトを含む通信エラーは成功とみなさない
		return fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: レスポンスボディの読み取りに失敗しました: %w", model.ErrUpstreamUnavailable, err)
	}

	if upstream.ClassifyHTTPStatus(resp.StatusCode) != upstream.ClassOK {
		return &upstream.StatusError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 256),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("%w: レスポンスJSONのパースに失敗しました (offset %d): %w", model.ErrUpstreamUnavailable, syntaxErr.Offset, err)
		}
		return fmt.Errorf("%w: レスポンスJSONのパースに失敗しました: %w", model.ErrUpstreamUnavailable, err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(" + strconv.Itoa(len(s)-n) + " bytes truncated)"
}
