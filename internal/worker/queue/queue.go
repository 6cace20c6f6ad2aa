// Package queue は有界チャネルと固定数のワーカーによるタスク実行プールを提供する。
// 投入はバックプレッシャーを持ち、各タスクはバックオフ付きで再試行される。
// 再試行を使い切ったタスクはデッドレターとしてログとメトリクスに記録される。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gatekeeper/internal/metrics"
	"github.com/hitoshi/gatekeeper/internal/model"
	"github.com/hitoshi/gatekeeper/internal/upstream"
)

// ErrStopped は停止済みのプールへの投入時に返す。
var ErrStopped = errors.New("task pool stopped")

// Task はプールで実行する1件の処理。
type Task struct {
	// ID は未設定の場合Submit時に採番される。
	ID   string
	Kind string
	Run  func(ctx context.Context) error
}

// Config はプールの設定。
type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	MaxAttempts int
	// InitialInterval と MaxInterval はリトライ間隔。
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// TaskTimeout は1回の試行の制限時間。
	TaskTimeout time.Duration
}

// Pool はタスク実行プール。
type Pool struct {
	cfg     Config
	tasks   chan Task
	quit    chan struct{}
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New はPoolを生成する。0以下の設定値はデフォルト値に置き換える。
// mcがnilの場合はメトリクスを記録しない。
func New(cfg Config, mc metrics.MetricsCollector, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Pool{
		cfg:     cfg,
		tasks:   make(chan Task, cfg.QueueSize),
		quit:    make(chan struct{}),
		metrics: mc,
		logger:  logger.With(slog.String("pool", cfg.Name)),
	}
}

// Start はワーカーを起動する。ブロックしない。
// ctxは各タスクの値の引き継ぎにのみ使用し、キャンセルされても実行中・投入済みのタスクは完了させる。
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	base := context.WithoutCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				p.execute(base, task)
			}
		}()
	}

	p.logger.Info("タスクプールを開始しました",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("queue_size", p.cfg.QueueSize),
	)
}

// Run はStartしてctxが終了するまで待ち、投入済みのタスクを処理し終えてから戻る。
func (p *Pool) Run(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop は新規投入を止め、投入済みのタスクの完了を待つ。複数回呼んでもよい。
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)

		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		started := p.started
		p.mu.Unlock()

		if !started {
			// ワーカー未起動のまま停止した場合、残りのタスクは実行されない
			for task := range p.tasks {
				p.deadLetter(task, 0, ErrStopped)
			}
			return
		}
		p.wg.Wait()
		p.logger.Info("タスクプールを停止しました")
	})
}

// Submit はタスクを投入する。キューが満杯の場合は空きが出るかctxが終了するまで待つ。
// ctxが先に終了した場合はErrQueueFullを返す。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("%w: task without run function", model.ErrMalformedInput)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		p.logger.Warn("キューが満杯のためタスクを受け付けられませんでした",
			slog.String("task_id", task.ID),
			slog.String("kind", task.Kind),
		)
		return fmt.Errorf("%w: %w", model.ErrQueueFull, ctx.Err())
	}
}

func (p *Pool) execute(ctx context.Context, task Task) {
	logger := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
	)

	attempts := 0
	policy := upstream.Policy{
		MaxAttempts:     uint(p.cfg.MaxAttempts),
		InitialInterval: p.cfg.InitialInterval,
		MaxInterval:     p.cfg.MaxInterval,
	}
	err := upstream.Retry(ctx, policy, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()

		err := p.runSafely(attemptCtx, task)
		if err != nil && upstream.IsRetryable(err) && attempts < p.cfg.MaxAttempts {
			logger.Warn("タスクが失敗したため再試行します",
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		p.deadLetter(task, attempts, err)
		return
	}

	p.metrics.RecordNotificationSent(task.Kind)
	logger.Debug("タスクが完了しました", slog.Int("attempts", attempts))
}

// runSafely はタスク内のpanicをエラーに変換する。
func (p *Pool) runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) deadLetter(task Task, attempts int, err error) {
	p.metrics.RecordNotificationDeadLettered(task.Kind)
	p.logger.Error("タスクをデッドレターに移しました",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}
