package worker

import (
	"context"
	"log/slog"
	"time"

	xerrors "IntentFlow/internal/errors"
	"IntentFlow/internal/run"
	"IntentFlow/pkg/logger"
)

// Sweeper 周期性回收过期租约并重新投递可调度的步骤。
// 它是队列丢失消息时的兜底：只要步骤在存储中仍可领取,
// 扫描最终会把它送回队列。
type Sweeper struct {
	store    run.Store
	producer run.Producer
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// SweeperOption 定义可选配置。
type SweeperOption func(*Sweeper)

// WithSweepInterval 设置扫描周期。
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepLimit 设置单次扫描投递的步骤上限。
func WithSweepLimit(limit int) SweeperOption {
	return func(s *Sweeper) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithSweeperLogger 指定日志输出。
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper 构造扫描器。
func NewSweeper(store run.Store, producer run.Producer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		producer: producer,
		interval: 5 * time.Second,
		limit:    128,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动扫描循环, 直到 ctx 结束。
func (s *Sweeper) Start(ctx context.Context) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "扫描器未初始化")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().Unix()

	recycled, err := s.store.RecycleExpiredLeases(ctx, now)
	if err != nil {
		logger.L().Error("回收过期租约失败", slog.Any("error", err))
	} else if len(recycled) > 0 {
		logger.Audit().Warn("回收过期租约", slog.Int("count", len(recycled)))
	}

	eligible, err := s.store.EligibleSteps(ctx, now, s.limit)
	if err != nil {
		logger.L().Error("查询可调度步骤失败", slog.Any("error", err))
		return
	}
	for _, step := range eligible {
		ref := run.StepRef{RunID: step.RunID, StepID: step.StepID}
		if err := s.producer.Publish(ctx, ref); err != nil {
			logger.L().Warn("扫描投递失败", slog.Any("error", err),
				slog.String("run_id", step.RunID), slog.String("step_id", step.StepID))
			continue
		}
		if s.logger != nil {
			s.logger.Debug("扫描重新投递步骤",
				slog.String("run_id", step.RunID), slog.String("step_id", step.StepID))
		}
	}
}
