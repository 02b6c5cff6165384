package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/internal/notifier"
	"okx-signal-trader/internal/strategy/position"
	"okx-signal-trader/internal/strategy/signals"
	"okx-signal-trader/pkg/types"
)

// SnapshotSource 各周期指标快照，任一周期失败时整体失败
type SnapshotSource interface {
	Snapshots(ctx context.Context, timeframes []string) (map[string]types.IndicatorSnapshot, error)
}

// Lifecycle 持仓状态机
type Lifecycle interface {
	OnDecision(ctx context.Context, decision types.AggregateDecision, entry position.EntryContext) (position.Outcome, error)
	ReportExit(ctx context.Context, reason types.ExitReason, fillPrice float64) (position.Outcome, error)
	Position() types.Position
}

// StateStore 决策窗口和持仓快照
type StateStore interface {
	RecordDecision(decision types.AggregateDecision)
	SavePosition(ctx context.Context, position types.Position) error
}

// Journal 决策和开平仓流水落库
type Journal interface {
	SaveDecision(instrument string, decision types.AggregateDecision) error
	SavePositionEvent(event types.PositionEvent) error
}

// TriggerSimulator 模拟盘按最新价撮合止损止盈
type TriggerSimulator interface {
	UpdatePrice(instrument string, price float64) (types.ExitReason, float64, bool)
}

// Deps 引擎依赖。Store、Journal、Notifier、Simulator 可为空。
type Deps struct {
	Snapshots SnapshotSource
	Lifecycle Lifecycle
	Store     StateStore
	Journal   Journal
	Notifier  notifier.Interface
	Simulator TriggerSimulator
}

// Engine 决策引擎：拉取快照 → 多周期打分 → 聚合决策 → 推进持仓状态机
type Engine struct {
	config     types.TradingConfig
	deps       Deps
	reconciler *Reconciler

	// 周期和实时价格两条路径都会触发迁移，快照按序落盘
	persistMu sync.Mutex

	// 统计
	cycles       int64
	decisions    map[types.Direction]int64
	opened       int64
	closed       int64
	failures     map[string]int64
	lastDecision *types.AggregateDecision
	statsMutex   sync.RWMutex
}

// NewEngine 创建决策引擎
func NewEngine(config types.TradingConfig, deps Deps) *Engine {
	return &Engine{
		config:    config,
		deps:      deps,
		decisions: make(map[types.Direction]int64),
		failures:  make(map[string]int64),
	}
}

// SetReconciler 实盘模式下每个周期决策前先与交易所对账
func (e *Engine) SetReconciler(r *Reconciler) {
	e.reconciler = r
}

// RunCycle 执行一次完整的决策周期。
// 数据失败时本周期不做任何交易动作，状态保持不变。
func (e *Engine) RunCycle(ctx context.Context) (types.AggregateDecision, error) {
	e.incrementCycle()

	snapshots, err := e.deps.Snapshots.Snapshots(ctx, e.requiredTimeframes())
	if err != nil {
		e.recordFailure(err)
		return types.AggregateDecision{}, fmt.Errorf("%s 获取指标快照失败: %w", e.config.Instrument, err)
	}

	entrySnap, ok := snapshots[e.config.EntryTimeframe]
	if !ok {
		err := fmt.Errorf("%w: 缺少入场周期 %s 快照", types.ErrDataUnavailable, e.config.EntryTimeframe)
		e.recordFailure(err)
		return types.AggregateDecision{}, err
	}

	// 模拟盘用周期收盘价补一次撮合，避免WebSocket断线时漏掉止损止盈
	if e.deps.Simulator != nil {
		if reason, fill, hit := e.deps.Simulator.UpdatePrice(e.config.Instrument, entrySnap.Close); hit {
			if _, err := e.HandleExit(ctx, reason, fill); err != nil {
				zap.L().Error("处理模拟盘平仓失败", zap.Error(err))
			}
		}
	}

	if e.reconciler != nil {
		if _, err := e.reconciler.Reconcile(ctx, entrySnap.Close); err != nil {
			zap.L().Warn("对账失败", zap.Error(err))
		}
	}

	scores := make([]types.TimeframeScore, 0, len(e.config.Timeframes))
	for _, tf := range e.config.Timeframes {
		scores = append(scores, signals.ScoreSnapshot(tf, snapshots[tf]))
	}
	decision := signals.Aggregate(scores, e.config.EntryThreshold)

	e.recordDecision(decision)

	zap.L().Info("🎯 本周期决策",
		zap.String("instrument", e.config.Instrument),
		zap.String("direction", string(decision.Direction)),
		zap.Float64("total_score", decision.TotalScore),
		zap.Float64("threshold", decision.Threshold),
		zap.Float64("close", entrySnap.Close))
	for _, s := range decision.Scores {
		zap.L().Debug("周期得分",
			zap.String("timeframe", s.Timeframe),
			zap.Float64("score", s.Score),
			zap.Any("rules", s.Rules))
	}

	if e.deps.Store != nil {
		e.deps.Store.RecordDecision(decision)
	}
	if e.deps.Journal != nil {
		if err := e.deps.Journal.SaveDecision(e.config.Instrument, decision); err != nil {
			zap.L().Warn("保存决策记录失败", zap.Error(err))
		}
	}

	entry, err := e.entryContext(snapshots)
	if err != nil {
		e.recordFailure(err)
		return decision, err
	}

	outcome, err := e.deps.Lifecycle.OnDecision(ctx, decision, entry)
	e.afterTransition(ctx, outcome)
	if err != nil {
		e.recordFailure(err)
		if outcome.Transition == position.TransitionOpened {
			e.alert("⚠️ 持仓无止损保护",
				fmt.Sprintf("%s 开仓后保护单失败且平仓失败，请人工处理。\n\n错误: %v", e.config.Instrument, err))
		}
		return decision, err
	}

	return decision, nil
}

// HandleExit 止损/止盈成交或交易所侧已平仓时由外部回报
func (e *Engine) HandleExit(ctx context.Context, reason types.ExitReason, fillPrice float64) (position.Outcome, error) {
	outcome, err := e.deps.Lifecycle.ReportExit(ctx, reason, fillPrice)
	if err != nil {
		e.recordFailure(err)
		return outcome, err
	}
	e.afterTransition(ctx, outcome)
	return outcome, nil
}

// Position 当前持仓
func (e *Engine) Position() types.Position {
	return e.deps.Lifecycle.Position()
}

// requiredTimeframes 打分周期、入场周期和风控周期去重合并
func (e *Engine) requiredTimeframes() []string {
	seen := make(map[string]bool)
	var tfs []string
	add := func(tf string) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			tfs = append(tfs, tf)
		}
	}
	for _, tf := range e.config.Timeframes {
		add(tf)
	}
	add(e.config.EntryTimeframe)
	for _, tf := range e.config.RiskTimeframes {
		add(tf)
	}
	return tfs
}

// entryContext 入场价取入场周期收盘价，风控输入取两个参考周期的ATR和布林带宽度
func (e *Engine) entryContext(snapshots map[string]types.IndicatorSnapshot) (position.EntryContext, error) {
	if len(e.config.RiskTimeframes) < 2 {
		return position.EntryContext{}, fmt.Errorf("%w: risk_timeframes 需要两个周期", types.ErrConfig)
	}
	a, okA := snapshots[e.config.RiskTimeframes[0]]
	b, okB := snapshots[e.config.RiskTimeframes[1]]
	if !okA || !okB {
		return position.EntryContext{}, fmt.Errorf("%w: 缺少风控周期快照", types.ErrDataUnavailable)
	}

	return position.EntryContext{
		ReferencePrice: snapshots[e.config.EntryTimeframe].Close,
		Risk: types.RiskInputs{
			ATRA:       a.ATR,
			ATRB:       b.ATR,
			BandRangeA: a.BandRange(),
			BandRangeB: b.BandRange(),
		},
	}, nil
}

// afterTransition 持仓变化后持久化、落库、通知
func (e *Engine) afterTransition(ctx context.Context, outcome position.Outcome) {
	switch outcome.Transition {
	case position.TransitionOpened, position.TransitionClosed:
	default:
		return
	}

	if e.deps.Store != nil {
		e.persistMu.Lock()
		// 以状态机当前状态为准，避免较早的迁移覆盖较新的快照
		current := e.deps.Lifecycle.Position()
		err := e.deps.Store.SavePosition(ctx, current)
		e.persistMu.Unlock()
		if err != nil {
			zap.L().Warn("保存持仓快照失败", zap.Error(err))
		}
	}

	e.statsMutex.Lock()
	if outcome.Transition == position.TransitionOpened {
		e.opened++
	} else {
		e.closed++
	}
	e.statsMutex.Unlock()

	if outcome.Event == nil {
		return
	}
	event := *outcome.Event

	if e.deps.Journal != nil {
		// 异步落库，不阻塞决策周期
		go func() {
			if err := e.deps.Journal.SavePositionEvent(event); err != nil {
				zap.L().Error("保存持仓事件失败",
					zap.Error(err),
					zap.String("instrument", event.Instrument))
			}
		}()
	}

	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.SendPositionEvent(&event); err != nil {
			zap.L().Warn("发送持仓通知失败", zap.Error(err))
		}
	}
}

func (e *Engine) alert(title, content string) {
	if e.deps.Notifier == nil {
		return
	}
	if err := e.deps.Notifier.SendText(title, content); err != nil {
		zap.L().Warn("发送告警失败", zap.Error(err))
	}
}

func (e *Engine) incrementCycle() {
	e.statsMutex.Lock()
	defer e.statsMutex.Unlock()
	e.cycles++
}

func (e *Engine) recordDecision(decision types.AggregateDecision) {
	e.statsMutex.Lock()
	defer e.statsMutex.Unlock()
	e.decisions[decision.Direction]++
	e.lastDecision = &decision
}

func (e *Engine) recordFailure(err error) {
	kind := types.ErrorKind(err)

	e.statsMutex.Lock()
	e.failures[kind]++
	e.statsMutex.Unlock()

	zap.L().Warn("决策周期异常",
		zap.String("instrument", e.config.Instrument),
		zap.String("kind", kind),
		zap.Error(err))
}

// GetStats 获取引擎统计
func (e *Engine) GetStats() map[string]interface{} {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()

	failures := make(map[string]int64, len(e.failures))
	for k, v := range e.failures {
		failures[k] = v
	}

	stats := map[string]interface{}{
		"cycles":          e.cycles,
		"long_decisions":  e.decisions[types.DirectionLong],
		"short_decisions": e.decisions[types.DirectionShort],
		"hold_decisions":  e.decisions[types.DirectionHold],
		"opened":          e.opened,
		"closed":          e.closed,
		"failures":        failures,
	}
	if e.lastDecision != nil {
		stats["last_direction"] = string(e.lastDecision.Direction)
		stats["last_score"] = e.lastDecision.TotalScore
		stats["last_decided_at"] = e.lastDecision.DecidedAt.Format(time.RFC3339)
	}
	return stats
}
