package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// Runner 单个决策周期
type Runner interface {
	RunCycle(ctx context.Context) (types.AggregateDecision, error)
}

// StatsSource 存储状态，用于周期日志
type StatsSource interface {
	GetRedisStats() map[string]interface{}
}

// maxBackoffFactor 交易所不可用时退避上限为轮询周期的倍数
const maxBackoffFactor = 5

// Scheduler 调度器：按轮询周期对齐执行决策，周期之间不重叠
type Scheduler struct {
	runner   Runner
	stats    StatsSource
	interval time.Duration

	consecutiveFailures int
}

func NewScheduler(runner Runner, stats StatsSource, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		stats:    stats,
		interval: interval,
	}
}

// Start 阻塞运行直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("🚀 调度器启动中...", zap.Duration("interval", s.interval))

	// 计算下一个K线对齐的时间点
	nextTime := NextAligned(time.Now(), s.interval)
	waitDuration := time.Until(nextTime)

	zap.L().Info("⏳ 等待同步到下一个K线时间点",
		zap.String("next", nextTime.Format("15:04:05")),
		zap.Duration("wait", waitDuration))

	if !sleep(ctx, waitDuration) {
		zap.L().Info("📴 调度器已停止")
		return
	}

	for {
		err := s.runCycle(ctx)
		if ctx.Err() != nil {
			zap.L().Info("📴 调度器已停止")
			return
		}

		// 本周期结束后再计算下次时间，长周期不会导致重叠
		wait := s.nextWait(time.Now(), err)
		zap.L().Info("⏰ 下次决策时间",
			zap.String("next", time.Now().Add(wait).Format("15:04:05")),
			zap.Duration("wait", wait))

		if !sleep(ctx, wait) {
			zap.L().Info("📴 调度器已停止")
			return
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	fmt.Printf("\n--- 决策周期 [%s] ---\n", time.Now().Format("15:04:05"))

	if s.stats != nil {
		stats := s.stats.GetRedisStats()
		zap.L().Debug("📊 存储状态", zap.Any("stats", stats))
	}

	start := time.Now()
	decision, err := s.runner.RunCycle(ctx)
	if err != nil {
		zap.L().Warn("决策周期失败",
			zap.String("kind", types.ErrorKind(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}

	zap.L().Info("✅ 决策周期完成",
		zap.String("direction", string(decision.Direction)),
		zap.Float64("total_score", decision.TotalScore),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// nextWait 交易所不可用时指数退避，其余情况等待到下一个对齐时间点
func (s *Scheduler) nextWait(now time.Time, err error) time.Duration {
	if errors.Is(err, types.ErrExchangeUnavailable) {
		s.consecutiveFailures++
		return Backoff(s.interval, s.consecutiveFailures)
	}
	s.consecutiveFailures = 0
	return NextAligned(now, s.interval).Sub(now)
}

// NextAligned 下一个按 interval 对齐的时间点，严格晚于 now
func NextAligned(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Backoff 第 n 次连续失败的等待时间：interval·2^(n-1)，上限 interval·5
func Backoff(interval time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	limit := interval * maxBackoffFactor
	wait := interval
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= limit {
			return limit
		}
	}
	return wait
}

// sleep 等待 d，ctx 取消时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
