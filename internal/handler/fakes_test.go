package handler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/security"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

// --- モック定義 ---

const testSecret = "ipn-secret"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type confirmCall struct {
	userID int64
	ref    string
	period time.Duration
}

// mockConfirmer はPaymentConfirmerのモック実装。
type mockConfirmer struct {
	confirmFn func(ctx context.Context, userID int64, ref string, period time.Duration) (membership.ConfirmResult, error)
	calls     []confirmCall
}

func (m *mockConfirmer) ConfirmPayment(ctx context.Context, userID int64, ref string, period time.Duration) (membership.ConfirmResult, error) {
	m.calls = append(m.calls, confirmCall{userID: userID, ref: ref, period: period})
	if m.confirmFn != nil {
		return m.confirmFn(ctx, userID, ref, period)
	}
	return membership.ConfirmResult{
		Membership: &model.Membership{
			UserID:  userID,
			EndDate: testNow.Add(period),
			Status:  model.MembershipStatusActive,
		},
		Applied: true,
	}, nil
}

func (m *mockConfirmer) Period() time.Duration { return 30 * 24 * time.Hour }

// fakeNotifier は生成したタスクの引数を記録する。
type fakeNotifier struct {
	userIDs []int64
}

func (n *fakeNotifier) PaymentConfirmedTask(userID int64, endDate time.Time) queue.Task {
	n.userIDs = append(n.userIDs, userID)
	return queue.Task{Kind: "payment_confirmed", Run: func(context.Context) error { return nil }}
}

// recordingSubmitter は投入されたタスクを記録する。
type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (s *recordingSubmitter) Submit(ctx context.Context, task queue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// countingMetrics は呼び出し回数を数える。
type countingMetrics struct {
	metrics.Nop
	mu           sync.Mutex
	confirmed    map[string]int
	duplicates   map[string]int
	rejected     int
	deadLettered int
	statuses     map[string][]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		confirmed:  map[string]int{},
		duplicates: map[string]int{},
		statuses:   map[string][]int{},
	}
}

func (c *countingMetrics) RecordPaymentConfirmed(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed[source]++
}

func (c *countingMetrics) RecordDuplicatePayment(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duplicates[source]++
}

func (c *countingMetrics) RecordSignatureRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected++
}

func (c *countingMetrics) RecordNotificationDeadLettered(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLettered++
}

func (c *countingMetrics) RecordWebhookStatus(route string, statusCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[route] = append(c.statuses[route], statusCode)
}

// --- テストヘルパー ---

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

// sign は本文の正規形に対するテスト用シークレットの署名を返す。
func sign(body string) string {
	canonical, err := security.Canonicalize([]byte(body))
	if err != nil {
		panic(err)
	}
	return security.Sign(canonical, testSecret)
}
