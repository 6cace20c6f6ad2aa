package membership

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/payment"
	"github.com/hitoshi/gatekeeper/internal/repository"
)

// --- モック ---

// memoryRepo はMembershipRepositoryのインメモリ実装。
// PostgreSQL実装と同じ条件付き更新の意味論を持つ。
type memoryRepo struct {
	mu      sync.Mutex
	rows    map[int64]model.Membership
	ledger  map[string]bool
	writes  int
	failAll error

	// afterList はListExpiredActiveの直後に呼ばれる（競合の再現用）。
	afterList func()
}

var _ repository.MembershipRepository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		rows:   make(map[int64]model.Membership),
		ledger: make(map[string]bool),
	}
}

func (r *memoryRepo) FindByUserID(ctx context.Context, userID int64) (*model.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	m, ok := r.rows[userID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *memoryRepo) ConfirmPayment(ctx context.Context, userID int64, paymentRef string, endDate time.Time) (*model.Membership, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, false, r.failAll
	}
	if paymentRef != "" {
		if r.ledger[paymentRef] {
			m := r.rows[userID]
			return &m, false, nil
		}
		r.ledger[paymentRef] = true
	}
	m := r.rows[userID]
	m.UserID = userID
	m.EndDate = model.NormalizeInstant(endDate)
	m.Status = model.MembershipStatusActive
	m.PaymentReference = paymentRef
	r.rows[userID] = m
	r.writes++
	return &m, true, nil
}

func (r *memoryRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]*model.Membership, error) {
	r.mu.Lock()
	if r.failAll != nil {
		r.mu.Unlock()
		return nil, r.failAll
	}
	var out []*model.Membership
	for _, m := range r.rows {
		if m.Status == model.MembershipStatusActive && m.EndDate.Before(now) {
			m := m
			out = append(out, &m)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if r.afterList != nil {
		r.afterList()
	}
	return out, nil
}

func (r *memoryRepo) MarkExpired(ctx context.Context, userID int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return false, r.failAll
	}
	m, ok := r.rows[userID]
	if !ok || m.Status != model.MembershipStatusActive || !m.EndDate.Before(now) {
		return false, nil
	}
	m.Status = model.MembershipStatusExpired
	r.rows[userID] = m
	r.writes++
	return true, nil
}

func (r *memoryRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type mockIssuer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*payment.Invoice, error)
}

func (m *mockIssuer) CreateInvoice(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*payment.Invoice, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, userID, amount, currency)
	}
	return &payment.Invoice{
		ID:      "inv-1",
		PayURL:  "https://nowpayments.io/payment/?iid=inv-1",
		OrderID: model.FormatOrderToken(userID, "9981"),
	}, nil
}

// mockRevoker は除外・除外取り消しを記録する。
type mockRevoker struct {
	mu       sync.Mutex
	revoked  []int64
	restored []int64
	fail     map[int64]bool
	revokeFn func(userID int64) error
}

func (m *mockRevoker) Revoke(ctx context.Context, userID int64) error {
	if m.revokeFn != nil {
		if err := m.revokeFn(userID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[userID] {
		return errors.Join(model.ErrAccessControlFailure, errors.New("CHAT_ADMIN_REQUIRED"))
	}
	m.revoked = append(m.revoked, userID)
	return nil
}

func (m *mockRevoker) Restore(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = append(m.restored, userID)
	return nil
}

// fakeClock はテスト用の進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const thirtyDays = 30 * 24 * time.Hour

func newTestEngine(repo *memoryRepo, issuer *mockIssuer, revoker *mockRevoker, clock *fakeClock) *Engine {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewEngine(repo, issuer, revoker, Config{
		Price:            decimal.NewFromInt(12),
		Currency:         "usd",
		Period:           thirtyDays,
		SweepConcurrency: 3,
	}, logger, WithClock(clock.Now))
}
