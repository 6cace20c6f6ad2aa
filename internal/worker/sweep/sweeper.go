// Package sweep は期限切れメンバーシップの定期スイープを提供する。
// ワーカーのティッカー、単発のsweepコマンド、HTTPトリガーはすべてRunOnceを共有する。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gatekeeper/internal/membership"
	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/worker/queue"
)

// TaskKindMembershipExpired は期限切れ通知タスクの種類。
const TaskKindMembershipExpired = "membership_expired"

// Engine はスイープを実行するメンバーシップエンジンのインターフェース。
type Engine interface {
	SweepExpired(ctx context.Context, now time.Time) (membership.SweepResult, error)
	Now() time.Time
}

// ExpiryNotifier は期限切れをユーザーに通知する。
type ExpiryNotifier interface {
	MembershipExpired(ctx context.Context, userID int64, endDate time.Time) error
}

// TaskSubmitter は通知タスクの投入先。
type TaskSubmitter interface {
	Submit(ctx context.Context, task queue.Task) error
}

// Sweeper は期限切れメンバーシップのスイープを実行する。
// 同一プロセス内ではスイープを直列に実行する。
type Sweeper struct {
	engine   Engine
	notifier ExpiryNotifier
	tasks    TaskSubmitter
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	mu sync.Mutex
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
func NewSweeper(
	engine Engine,
	notifier ExpiryNotifier,
	tasks TaskSubmitter,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Sweeper {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Sweeper{
		engine:   engine,
		notifier: notifier,
		tasks:    tasks,
		metrics:  mc,
		logger:   logger,
	}
}

// Start は指定間隔のティッカーでスイープを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スイープスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スイープスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はスイープを1回実行し、期限切れにしたユーザーへの通知を投入する。
// 通知の投入失敗はスイープの結果を変えない。
func (s *Sweeper) RunOnce(ctx context.Context) (membership.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result, err := s.engine.SweepExpired(ctx, s.engine.Now())
	s.metrics.RecordSweepDuration(time.Since(start))
	if err != nil {
		return membership.SweepResult{}, fmt.Errorf("スイープに失敗: %w", err)
	}

	s.metrics.RecordMembershipsExpired(len(result.Expired))
	s.metrics.RecordRevocationFailures(len(result.Failed))

	for _, m := range result.Expired {
		s.enqueueExpiryNotice(ctx, m)
	}

	if len(result.Expired) > 0 || len(result.Failed) > 0 {
		s.logger.Info("期限切れメンバーシップを処理しました",
			slog.Int("removed", len(result.Expired)),
			slog.Int("failed", len(result.Failed)),
			slog.Int("restored", len(result.Restored)),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return result, nil
}

func (s *Sweeper) enqueueExpiryNotice(ctx context.Context, m membership.ExpiredMember) {
	userID, endDate := m.UserID, m.EndDate
	err := s.tasks.Submit(ctx, queue.Task{
		Kind: TaskKindMembershipExpired,
		Run: func(ctx context.Context) error {
			return s.notifier.MembershipExpired(ctx, userID, endDate)
		},
	})
	if err != nil {
		s.metrics.RecordNotificationDeadLettered(TaskKindMembershipExpired)
		s.logger.Error("期限切れ通知を投入できませんでした",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
