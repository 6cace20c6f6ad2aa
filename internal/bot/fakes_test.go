package bot

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/gatekeeper/internal/access"
	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/upstream"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

// --- モック定義 ---

// fakeSender は送信されたメッセージとリクエストを記録する。
type fakeSender struct {
	mu       sync.Mutex
	messages []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErr  error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return tgbotapi.Message{}, s.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		s.messages = append(s.messages, m)
	}
	return tgbotapi.Message{MessageID: len(s.messages)}, nil
}

func (s *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) last() tgbotapi.MessageConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return s.messages[len(s.messages)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type mockEngine struct {
	getStatusFunc func(ctx context.Context, userID int64) (model.MembershipState, error)
	requestFunc   func(ctx context.Context, userID int64) (*payment.Invoice, error)
	confirmFunc   func(ctx context.Context, userID int64, ref string, period time.Duration) (membership.ConfirmResult, error)

	statusCalls  int
	requestCalls int
	confirmCalls int
}

func (m *mockEngine) GetStatus(ctx context.Context, userID int64) (model.MembershipState, error) {
	m.statusCalls++
	if m.getStatusFunc != nil {
		return m.getStatusFunc(ctx, userID)
	}
	return model.MembershipState{State: model.StateNone}, nil
}

func (m *mockEngine) RequestMembership(ctx context.Context, userID int64) (*payment.Invoice, error) {
	m.requestCalls++
	if m.requestFunc != nil {
		return m.requestFunc(ctx, userID)
	}
	return &payment.Invoice{
		ID:      "5516382941",
		PayURL:  "https://nowpayments.io/payment/?iid=5516382941",
		OrderID: model.FormatOrderToken(userID, "ab12"),
	}, nil
}

func (m *mockEngine) ConfirmPayment(ctx context.Context, userID int64, ref string, period time.Duration) (membership.ConfirmResult, error) {
	m.confirmCalls++
	if m.confirmFunc != nil {
		return m.confirmFunc(ctx, userID, ref, period)
	}
	return membership.ConfirmResult{
		Membership: &model.Membership{UserID: userID, EndDate: testNow.Add(30 * 24 * time.Hour), Status: model.MembershipStatusActive},
		Applied:    true,
	}, nil
}

func (m *mockEngine) Period() time.Duration {
	return 30 * 24 * time.Hour
}

type mockGranter struct {
	err    error
	calls  int
	userID int64
}

func (g *mockGranter) Grant(ctx context.Context, userID int64) (*access.Invitation, error) {
	g.calls++
	g.userID = userID
	if g.err != nil {
		return nil, g.err
	}
	return &access.Invitation{Link: "https://t.me/+AbCdEf123", ExpiresAt: testNow.Add(10 * time.Minute)}, nil
}

type mockPoller struct {
	pollFunc func(ctx context.Context, id string) (*payment.PaymentInfo, error)
	calls    int
}

func (p *mockPoller) PollStatus(ctx context.Context, id string) (*payment.PaymentInfo, error) {
	p.calls++
	if p.pollFunc != nil {
		return p.pollFunc(ctx, id)
	}
	return nil, nil
}

// recordingTasks は投入されたタスクを保持する。
type recordingTasks struct {
	tasks []queue.Task
	err   error
}

func (r *recordingTasks) Submit(ctx context.Context, task queue.Task) error {
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

type allowAll struct{ denied bool }

func (a allowAll) Allow(string) bool { return !a.denied }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testBot struct {
	*Bot
	engine  *mockEngine
	granter *mockGranter
	poller  *mockPoller
	sender  *fakeSender
	tasks   *recordingTasks
}

func newTestBot(limiter Limiter) *testBot {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	tb := &testBot{
		engine:  &mockEngine{},
		granter: &mockGranter{},
		poller:  &mockPoller{},
		sender:  &fakeSender{},
		tasks:   &recordingTasks{},
	}
	if limiter == nil {
		limiter = allowAll{}
	}
	notifier := NewNotifier(tb.sender, tb.granter, nil, logger)
	tb.Bot = New(Deps{
		Engine:   tb.engine,
		Granter:  tb.granter,
		Poller:   tb.poller,
		Sender:   tb.sender,
		Notifier: notifier,
		Tasks:    tb.tasks,
		Limiter:  limiter,
		Metrics:  metrics.Nop{},
	}, Config{
		Price:        decimal.NewFromInt(12),
		Currency:     "usd",
		Retry:        upstream.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		VerifyButton: true,
	}, logger)
	return tb
}

func privateMessage(userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "trader", FirstName: "Ana"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}
	if len(text) > 0 && text[0] == '/' {
		length := len(text)
		for i, r := range text {
			if r == ' ' {
				length = i
				break
			}
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{UpdateID: 1, Message: msg}
}

func checkCallback(userID int64, invoiceID string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 2,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-1",
			From: &tgbotapi.User{ID: userID},
			Message: &tgbotapi.Message{
				Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
			},
			Data: callbackCheckPrefix + invoiceID,
		},
	}
}
