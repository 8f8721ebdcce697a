package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// Target 被定期回收标记的对象
type Target interface {
	// SweepAbandoned 标记无活跃成员的会话，返回本次新标记数量
	SweepAbandoned(ctx context.Context) (int, error)
}

// Scheduler 按 cron 表达式定期执行回收标记
type Scheduler struct {
	cron    string
	target  Target
	onSweep func(marked int, err error)
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler 创建调度器；onSweep 可为 nil
func NewScheduler(cron string, target Target, onSweep func(int, error), logger *zap.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid cron expression: %q", cron)
	}
	return &Scheduler{
		cron:    cron,
		target:  target,
		onSweep: onSweep,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "retention")),
	}, nil
}

// Start 启动调度循环
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("Retention sweeper started", zap.String("cron", s.cron))
	safego.Go(s.logger, "retention-loop", func() {
		defer close(done)
		s.loop(ctx)
	})
}

// Stop 停止调度并等待循环退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.logger.Error("Failed to compute next tick", zap.String("cron", s.cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			s.RunOnce(ctx)
			// 同一秒内不重复触发
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce 立即执行一次；已有执行在进行时直接返回
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	marked, err := s.target.SweepAbandoned(ctx)
	if s.onSweep != nil {
		s.onSweep(marked, err)
	}
	if err != nil {
		s.logger.Error("Retention sweep failed", zap.Int("marked", marked), zap.Error(err))
		return marked, err
	}
	s.logger.Info("Retention sweep completed",
		zap.Int("marked", marked),
		zap.Duration("elapsed", time.Since(start)),
	)
	return marked, nil
}
