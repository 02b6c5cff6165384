package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/internal/notifier"
	"okx-signal-trader/internal/strategy/database"
	"okx-signal-trader/pkg/types"
)

// StatsProvider 引擎运行统计
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// PerformanceStore 交易日志库
type PerformanceStore interface {
	GetStrategyPerformance(instrument string, days int) ([]database.StrategyPerformance, error)
	GetTradeEvents(instrument string, limit int) ([]database.TradeEvent, error)
	Health() error
}

// DecisionHistory 最近的决策窗口
type DecisionHistory interface {
	RecentDecisions(n int) []types.AggregateDecision
}

// FeedStatus 实时行情连接状态
type FeedStatus interface {
	IsConnected() bool
}

// PerformanceMonitor 策略性能监控器
type PerformanceMonitor struct {
	engine     StatsProvider
	store      PerformanceStore
	notifier   notifier.Interface
	decisions  DecisionHistory
	feed       FeedStatus
	config     types.MonitorConfig
	instrument string

	ctx    context.Context
	cancel context.CancelFunc

	// 性能指标
	metrics *PerformanceMetrics
	mu      sync.Mutex
}

// PerformanceMetrics 性能指标
type PerformanceMetrics struct {
	StartTime      time.Time        `json:"start_time"`
	Cycles         int64            `json:"cycles"`
	LongDecisions  int64            `json:"long_decisions"`
	ShortDecisions int64            `json:"short_decisions"`
	HoldDecisions  int64            `json:"hold_decisions"`
	Opened         int64            `json:"opened"`
	Closed         int64            `json:"closed"`
	Failures       map[string]int64 `json:"failures"`
	CycleFrequency float64          `json:"cycle_frequency"` // 周期/小时
	LastDirection  string           `json:"last_direction"`
	LastScore      float64          `json:"last_score"`
	LastUpdateTime time.Time        `json:"last_update_time"`
}

// DailyReport 日报告
type DailyReport struct {
	Instrument     string    `json:"instrument"`
	Date           time.Time `json:"date"`
	TotalDecisions int       `json:"total_decisions"`
	LongDecisions  int       `json:"long_decisions"`
	ShortDecisions int       `json:"short_decisions"`
	Opened         int       `json:"opened"`
	Closed         int       `json:"closed"`
	WinRate        float64   `json:"win_rate"`
	AvgReturnPct   float64   `json:"avg_return_pct"`
}

// NewPerformanceMonitor 创建性能监控器，store 和 notifier 可为空
func NewPerformanceMonitor(engine StatsProvider, store PerformanceStore, notify notifier.Interface, config types.MonitorConfig, instrument string) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &PerformanceMonitor{
		engine:     engine,
		store:      store,
		notifier:   notify,
		config:     config,
		instrument: instrument,
		ctx:        ctx,
		cancel:     cancel,
		metrics: &PerformanceMetrics{
			StartTime: time.Now(),
			Failures:  make(map[string]int64),
		},
	}
}

// WithDecisions 报告中附带最近决策
func (pm *PerformanceMonitor) WithDecisions(history DecisionHistory) *PerformanceMonitor {
	pm.decisions = history
	return pm
}

// WithFeed 报告中附带行情连接状态
func (pm *PerformanceMonitor) WithFeed(feed FeedStatus) *PerformanceMonitor {
	pm.feed = feed
	return pm
}

// Start 启动性能监控
func (pm *PerformanceMonitor) Start() {
	if !pm.config.Enabled {
		return
	}

	zap.L().Info("📊 启动策略性能监控器", zap.Duration("report_interval", pm.reportInterval()))
	go pm.reportLoop()
}

func (pm *PerformanceMonitor) reportInterval() time.Duration {
	if pm.config.ReportInterval <= 0 {
		return time.Hour
	}
	return pm.config.ReportInterval
}

// reportLoop 报告循环
func (pm *PerformanceMonitor) reportLoop() {
	ticker := time.NewTicker(pm.reportInterval())
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.generateReport()
		}
	}
}

// updateMetrics 更新性能指标
func (pm *PerformanceMonitor) updateMetrics() {
	engineStats := pm.engine.GetStats()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	m := pm.metrics
	m.Cycles = int64Of(engineStats["cycles"])
	m.LongDecisions = int64Of(engineStats["long_decisions"])
	m.ShortDecisions = int64Of(engineStats["short_decisions"])
	m.HoldDecisions = int64Of(engineStats["hold_decisions"])
	m.Opened = int64Of(engineStats["opened"])
	m.Closed = int64Of(engineStats["closed"])

	if failures, ok := engineStats["failures"].(map[string]int64); ok {
		m.Failures = failures
	}
	if direction, ok := engineStats["last_direction"].(string); ok {
		m.LastDirection = direction
	}
	if score, ok := engineStats["last_score"].(float64); ok {
		m.LastScore = score
	}

	// 计算周期频率（周期/小时）
	runTime := time.Since(m.StartTime).Hours()
	if runTime > 0 {
		m.CycleFrequency = float64(m.Cycles) / runTime
	}

	m.LastUpdateTime = time.Now()
}

func int64Of(v interface{}) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

// generateReport 生成性能报告，配置了通知渠道时同时推送
func (pm *PerformanceMonitor) generateReport() {
	metrics := pm.GetMetrics()
	runTime := time.Since(metrics.StartTime)

	zap.L().Info("📈 策略性能报告",
		zap.String("instrument", pm.instrument),
		zap.Duration("run_time", runTime),
		zap.Int64("cycles", metrics.Cycles),
		zap.Int64("long_decisions", metrics.LongDecisions),
		zap.Int64("short_decisions", metrics.ShortDecisions),
		zap.Int64("hold_decisions", metrics.HoldDecisions),
		zap.Int64("opened", metrics.Opened),
		zap.Int64("closed", metrics.Closed),
		zap.Any("failures", metrics.Failures),
		zap.Float64("cycle_frequency", metrics.CycleFrequency))

	if pm.feed != nil {
		zap.L().Info("📡 行情连接", zap.Bool("ws_connected", pm.feed.IsConnected()))
	}
	if pm.store != nil {
		if err := pm.store.Health(); err != nil {
			zap.L().Warn("⚠️ 数据库不可用", zap.Error(err))
		}
	}

	report, err := pm.GetDailyReport()
	if err != nil {
		zap.L().Warn("获取日统计失败", zap.Error(err))
	}
	if report != nil {
		zap.L().Info("📊 今日交易统计",
			zap.Int("opened", report.Opened),
			zap.Int("closed", report.Closed),
			zap.Float64("win_rate", report.WinRate),
			zap.Float64("avg_return_pct", report.AvgReturnPct))
	}

	if pm.notifier != nil {
		if err := pm.notifier.SendText("📈 策略性能报告", pm.FormatReport(metrics, report)); err != nil {
			zap.L().Warn("推送性能报告失败", zap.Error(err))
		}
	}
}

// GetMetrics 获取当前性能指标副本
func (pm *PerformanceMonitor) GetMetrics() PerformanceMetrics {
	pm.updateMetrics()

	pm.mu.Lock()
	defer pm.mu.Unlock()
	return *pm.metrics
}

// GetMetricsJSON 获取JSON格式的性能指标
func (pm *PerformanceMonitor) GetMetricsJSON() (string, error) {
	metrics := pm.GetMetrics()
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetDailyReport 获取日报告，未启用数据库时返回 nil
func (pm *PerformanceMonitor) GetDailyReport() (*DailyReport, error) {
	if pm.store == nil {
		return nil, nil
	}

	performances, err := pm.store.GetStrategyPerformance(pm.instrument, 1)
	if err != nil {
		return nil, err
	}

	if len(performances) == 0 {
		return &DailyReport{
			Instrument: pm.instrument,
			Date:       time.Now().Truncate(24 * time.Hour),
		}, nil
	}

	perf := performances[0]
	report := &DailyReport{
		Instrument:     pm.instrument,
		Date:           perf.Date,
		TotalDecisions: perf.TotalDecisions,
		LongDecisions:  perf.LongDecisions,
		ShortDecisions: perf.ShortDecisions,
		Opened:         perf.Opened,
		Closed:         perf.Closed,
	}

	if perf.Closed > 0 {
		report.WinRate = float64(perf.Wins) / float64(perf.Closed) * 100
		report.AvgReturnPct = perf.SumReturnPct / float64(perf.Closed)
	}

	return report, nil
}

// FormatReport 格式化报告文本
func (pm *PerformanceMonitor) FormatReport(metrics PerformanceMetrics, report *DailyReport) string {
	var b strings.Builder
	runTime := time.Since(metrics.StartTime).Truncate(time.Second)

	fmt.Fprintf(&b, "🕐 运行时间: %s\n", runTime)
	fmt.Fprintf(&b, "🔄 决策周期: %d\n", metrics.Cycles)
	fmt.Fprintf(&b, "📈 做多决策: %d\n", metrics.LongDecisions)
	fmt.Fprintf(&b, "📉 做空决策: %d\n", metrics.ShortDecisions)
	fmt.Fprintf(&b, "⏸️ 观望决策: %d\n", metrics.HoldDecisions)
	fmt.Fprintf(&b, "📥 开仓次数: %d\n", metrics.Opened)
	fmt.Fprintf(&b, "📤 平仓次数: %d\n", metrics.Closed)
	for kind, count := range metrics.Failures {
		fmt.Fprintf(&b, "⚠️ %s: %d\n", kind, count)
	}
	if report != nil && report.Closed > 0 {
		fmt.Fprintf(&b, "🏆 今日胜率: %.2f%%\n", report.WinRate)
		fmt.Fprintf(&b, "💰 平均收益: %.2f%%\n", report.AvgReturnPct)
	}
	if pm.decisions != nil {
		for _, d := range pm.decisions.RecentDecisions(3) {
			fmt.Fprintf(&b, "🎯 %s %s %.2f\n", d.DecidedAt.Format("01-02 15:04"), d.Direction, d.TotalScore)
		}
	}
	return b.String()
}

// PrintFormattedReport 打印格式化报告
func (pm *PerformanceMonitor) PrintFormattedReport() {
	metrics := pm.GetMetrics()
	report, err := pm.GetDailyReport()
	if err != nil {
		zap.L().Warn("获取日统计失败", zap.Error(err))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Printf("📈 %s 策略性能报告\n", pm.instrument)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Print(pm.FormatReport(metrics, report))

	if pm.store != nil {
		events, err := pm.store.GetTradeEvents(pm.instrument, 5)
		if err != nil {
			zap.L().Warn("获取交易记录失败", zap.Error(err))
		}
		if len(events) > 0 {
			fmt.Println(strings.Repeat("-", 80))
		}
		for _, ev := range events {
			fmt.Printf("💹 %s %s %s %.4f x %.6f\n",
				time.Unix(ev.EventTime, 0).Format("01-02 15:04"), ev.EventType, ev.Side, ev.Price, ev.Quantity)
		}
	}

	fmt.Println(strings.Repeat("=", 80) + "\n")
}

// Stop 停止性能监控
func (pm *PerformanceMonitor) Stop() {
	zap.L().Info("🛑 停止策略性能监控器")
	pm.cancel()
}
