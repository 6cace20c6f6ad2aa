package bot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/upstream"
)

func newTestNotifier(sender *fakeSender, granter *mockGranter) *Notifier {
	var buf bytes.Buffer
	return NewNotifier(sender, granter, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
}

func TestNotifier_PaymentConfirmed_SendsInviteLink(t *testing.T) {
	sender := &fakeSender{}
	granter := &mockGranter{}
	n := newTestNotifier(sender, granter)
	end := testNow.Add(30 * 24 * time.Hour)

	if err := n.PaymentConfirmed(context.Background(), 42, end); err != nil {
		t.Fatalf("PaymentConfirmed returned error: %v", err)
	}

	msg := sender.last()
	if msg.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "https://t.me/+AbCdEf123") {
		t.Errorf("message should contain invite link: %s", msg.Text)
	}
	if !strings.Contains(msg.Text, end.Format(dateLayout)) {
		t.Errorf("message should contain end date: %s", msg.Text)
	}
}

func TestNotifier_PaymentConfirmed_GrantFailureIsRetryable(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, &mockGranter{err: model.ErrAccessControlFailure})

	err := n.PaymentConfirmed(context.Background(), 42, testNow)
	if !upstream.IsRetryable(err) {
		t.Errorf("grant failure should be retryable: %v", err)
	}
	if sender.count() != 0 {
		t.Error("no message should be sent without a link")
	}
}

func TestNotifier_MembershipExpired(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, &mockGranter{})
	end := testNow.Add(-time.Hour)

	if err := n.MembershipExpired(context.Background(), 42, end); err != nil {
		t.Fatalf("MembershipExpired returned error: %v", err)
	}
	text := sender.last().Text
	if !strings.Contains(text, "expiró") || !strings.Contains(text, "/start") {
		t.Errorf("unexpected text: %s", text)
	}
}

func TestNotifier_SendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"レート制限", &tgbotapi.Error{Code: http.StatusTooManyRequests, Message: "Too Many Requests"}, true},
		{"サーバーエラー", &tgbotapi.Error{Code: http.StatusBadGateway, Message: "Bad Gateway"}, true},
		{"ブロック", &tgbotapi.Error{Code: http.StatusForbidden, Message: "Forbidden: bot was blocked by the user"}, false},
		{"通信エラー", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{sendErr: tt.err}
			n := newTestNotifier(sender, &mockGranter{})

			err := n.MembershipExpired(context.Background(), 42, testNow)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := upstream.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v (err: %v)", got, tt.retryable, err)
			}
		})
	}
}

func TestNotifier_PaymentConfirmedTask(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, &mockGranter{})

	task := n.PaymentConfirmedTask(42, testNow)
	if task.Kind != TaskKindPaymentConfirmed {
		t.Errorf("Kind = %q", task.Kind)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("messages = %d, want 1", sender.count())
	}
}

func TestFormatPeriod(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * 24 * time.Hour, "30 días"},
		{24 * time.Hour, "1 día"},
		{time.Hour, "1 hora"},
		{36 * time.Hour, "36 horas"},
	}
	for _, tt := range tests {
		if got := formatPeriod(tt.d); got != tt.want {
			t.Errorf("formatPeriod(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
