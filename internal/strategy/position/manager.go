package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/internal/strategy/risk"
	"okx-signal-trader/pkg/types"
)

// Executor 下单执行方
type Executor interface {
	SubmitMarketOrder(ctx context.Context, instrument string, side types.OrderSide, qty float64) (types.OrderResult, error)
	SubmitStopOrder(ctx context.Context, instrument string, side types.OrderSide, triggerPrice, qty float64, closePosition bool) (types.OrderResult, error)
	SubmitTakeProfitOrder(ctx context.Context, instrument string, side types.OrderSide, triggerPrice, qty float64, closePosition bool) (types.OrderResult, error)
	ClosePosition(ctx context.Context, instrument string, side types.Side, qty float64) (types.OrderResult, error)
	CancelOrders(ctx context.Context, instrument string, orderIDs []string) error
}

// AccountReader 账户余额查询
type AccountReader interface {
	AvailableBalance(ctx context.Context, asset string) (float64, error)
}

// Transition 本次调用产生的状态迁移
type Transition string

const (
	TransitionNone       Transition = "NONE"       // Closed 且无信号
	TransitionOpened     Transition = "OPENED"     // Closed → Open
	TransitionClosed     Transition = "CLOSED"     // Open → Closed
	TransitionHeld       Transition = "HELD"       // Open 保持
	TransitionSuppressed Transition = "SUPPRESSED" // Open 时同向信号，不重复开仓
)

// Outcome 状态机处理结果
type Outcome struct {
	Transition Transition
	Position   types.Position
	Event      *types.PositionEvent
}

// EntryContext 开仓所需的行情参考
type EntryContext struct {
	ReferencePrice float64
	Risk           types.RiskInputs
}

// Options 持仓管理器配置
type Options struct {
	Instrument     string
	QuoteAsset     string
	ExitOnOpposite bool
	// ShortEnabled 是否允许开空。现货只能卖出已有持仓，做空信号只用于平多。
	ShortEnabled bool
}

// Manager 单品种单持仓状态机：Closed ↔ Open(side)。
// 所有迁移在同一把锁内完成，下单在途时其他周期和平仓回报都需等待。
type Manager struct {
	mu       sync.Mutex
	opts     Options
	calc     risk.Calculator
	sizer    *risk.Sizer
	rounder  risk.Rounder
	executor Executor
	account  AccountReader
	position types.Position
}

// NewManager 创建持仓管理器，初始状态为 Closed
func NewManager(opts Options, calc risk.Calculator, sizer *risk.Sizer, rounder risk.Rounder, executor Executor, account AccountReader) *Manager {
	return &Manager{
		opts:     opts,
		calc:     calc,
		sizer:    sizer,
		rounder:  rounder,
		executor: executor,
		account:  account,
	}
}

// Position 返回当前持仓副本
func (m *Manager) Position() types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// IsOpen 是否有持仓
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position.IsOpen
}

// OnDecision 根据本周期决策推进状态机
func (m *Manager) OnDecision(ctx context.Context, decision types.AggregateDecision, entry EntryContext) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	side, actionable := types.SideOf(decision.Direction)

	if !m.position.IsOpen {
		if !actionable {
			return Outcome{Transition: TransitionNone, Position: m.position}, nil
		}
		if side == types.SideShort && !m.opts.ShortEnabled {
			zap.L().Debug("未启用做空，忽略开空信号",
				zap.String("instrument", m.opts.Instrument),
				zap.Float64("total_score", decision.TotalScore))
			return Outcome{Transition: TransitionNone, Position: m.position}, nil
		}
		return m.open(ctx, side, decision, entry)
	}

	if !actionable {
		return Outcome{Transition: TransitionHeld, Position: m.position}, nil
	}

	if side == m.position.Side {
		zap.L().Debug("已有持仓，忽略同向信号",
			zap.String("instrument", m.opts.Instrument),
			zap.String("side", string(side)),
			zap.Float64("total_score", decision.TotalScore))
		return Outcome{Transition: TransitionSuppressed, Position: m.position}, nil
	}

	if !m.opts.ExitOnOpposite {
		return Outcome{Transition: TransitionHeld, Position: m.position}, nil
	}

	return m.closeOnOpposite(ctx, decision)
}

// ReportExit 外部回报止损/止盈成交或交易所侧已平仓
func (m *Manager) ReportExit(ctx context.Context, reason types.ExitReason, fillPrice float64) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.position.IsOpen {
		return Outcome{Transition: TransitionNone, Position: m.position}, nil
	}

	// 一侧触发后撤掉另一侧的保护单
	m.cancelProtective(ctx)

	event := m.closeEvent(reason, fillPrice, 0)
	m.position = types.Position{}

	zap.L().Info("📤 持仓已平仓",
		zap.String("instrument", m.opts.Instrument),
		zap.String("reason", string(reason)),
		zap.Float64("fill_price", fillPrice))

	return Outcome{Transition: TransitionClosed, Position: m.position, Event: event}, nil
}

// open Closed → Open(side)。只有在市价单确认成交且保护单就位后才提交状态。
func (m *Manager) open(ctx context.Context, side types.Side, decision types.AggregateDecision, entry EntryContext) (Outcome, error) {
	closed := Outcome{Transition: TransitionNone, Position: m.position}
	transition := fmt.Sprintf("Closed→Open(%s)", side)

	// 先校验止损止盈输入，避免无效输入时产生任何下单
	levels, err := m.calc.Levels(entry.ReferencePrice, side, entry.Risk)
	if err != nil {
		return closed, fmt.Errorf("%s %s 计算止损止盈失败: %w", m.opts.Instrument, transition, err)
	}

	balance, err := m.account.AvailableBalance(ctx, m.opts.QuoteAsset)
	if err != nil {
		return closed, fmt.Errorf("%s %s 查询余额失败: %w", m.opts.Instrument, transition, err)
	}

	qty, err := m.sizer.Quantity(balance, entry.ReferencePrice)
	if err != nil {
		return closed, fmt.Errorf("%s %s: %w", m.opts.Instrument, transition, err)
	}

	result, err := m.executor.SubmitMarketOrder(ctx, m.opts.Instrument, side.EntryOrderSide(), qty)
	if err != nil {
		return closed, fmt.Errorf("%w: %s %s 市价单提交失败: %w", types.ErrExecutionFailure, m.opts.Instrument, transition, err)
	}
	if !result.Filled {
		return closed, fmt.Errorf("%w: %s %s 市价单未成交 order_id=%s", types.ErrExecutionFailure, m.opts.Instrument, transition, result.OrderID)
	}

	if result.FilledQty > 0 && result.FilledQty < qty {
		zap.L().Warn("⚠️ 市价单部分成交，按成交数量建仓",
			zap.String("instrument", m.opts.Instrument),
			zap.String("transition", transition),
			zap.Float64("requested", qty),
			zap.Float64("filled", result.FilledQty))
		qty = result.FilledQty
	}

	entryPrice := entry.ReferencePrice
	if result.AvgPrice > 0 && result.AvgPrice != entry.ReferencePrice {
		entryPrice = result.AvgPrice
		filled, err := m.calc.Levels(entryPrice, side, entry.Risk)
		if err != nil {
			zap.L().Warn("按成交价重算止损止盈失败，沿用参考价结果",
				zap.String("instrument", m.opts.Instrument),
				zap.String("transition", transition),
				zap.Float64("fill_price", entryPrice),
				zap.Error(err))
		} else {
			levels = filled
		}
	}
	levels.StopLoss = m.rounder.RoundPrice(levels.StopLoss)
	levels.TakeProfit = m.rounder.RoundPrice(levels.TakeProfit)

	candidate := types.Position{
		IsOpen:     true,
		Side:       side,
		EntryPrice: entryPrice,
		Quantity:   qty,
		StopLoss:   levels.StopLoss,
		TakeProfit: levels.TakeProfit,
		OpenedAt:   time.Now(),
	}

	if err := m.placeProtective(ctx, &candidate); err != nil {
		// 保护单失败时尝试立即平掉刚成交的仓位
		if _, flattenErr := m.executor.ClosePosition(ctx, m.opts.Instrument, side, qty); flattenErr != nil {
			m.position = candidate
			zap.L().Error("❌ 保护单失败且平仓失败，持仓无止损保护",
				zap.String("instrument", m.opts.Instrument),
				zap.String("transition", transition),
				zap.Error(err),
				zap.NamedError("flatten_error", flattenErr))
			return Outcome{Transition: TransitionOpened, Position: m.position, Event: m.openEvent(decision)},
				fmt.Errorf("%w: %s %s 保护单失败且平仓失败: %w", types.ErrExecutionFailure, m.opts.Instrument, transition, errors.Join(err, flattenErr))
		}
		return closed, fmt.Errorf("%w: %s %s 保护单失败，已平仓: %w", types.ErrExecutionFailure, m.opts.Instrument, transition, err)
	}

	m.position = candidate

	zap.L().Info("📥 开仓成功",
		zap.String("instrument", m.opts.Instrument),
		zap.String("side", string(side)),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("quantity", qty),
		zap.Float64("stop_loss", levels.StopLoss),
		zap.Float64("take_profit", levels.TakeProfit),
		zap.String("risk_mode", m.calc.Name()),
		zap.Float64("total_score", decision.TotalScore))

	return Outcome{Transition: TransitionOpened, Position: m.position, Event: m.openEvent(decision)}, nil
}

// placeProtective 挂止损、止盈单，任一失败则撤掉已挂的单
func (m *Manager) placeProtective(ctx context.Context, p *types.Position) error {
	exitSide := p.Side.ExitOrderSide()

	stop, err := m.executor.SubmitStopOrder(ctx, m.opts.Instrument, exitSide, p.StopLoss, p.Quantity, true)
	if err != nil {
		return fmt.Errorf("止损单: %w", err)
	}

	take, err := m.executor.SubmitTakeProfitOrder(ctx, m.opts.Instrument, exitSide, p.TakeProfit, p.Quantity, true)
	if err != nil {
		if stop.OrderID != "" {
			if cancelErr := m.executor.CancelOrders(ctx, m.opts.Instrument, []string{stop.OrderID}); cancelErr != nil {
				zap.L().Warn("撤销止损单失败", zap.String("order_id", stop.OrderID), zap.Error(cancelErr))
			}
		}
		return fmt.Errorf("止盈单: %w", err)
	}

	p.StopOrderID = stop.OrderID
	p.TakeProfitOrderID = take.OrderID
	return nil
}

// closeOnOpposite 反向信号平仓，平仓单成功后才清空状态
func (m *Manager) closeOnOpposite(ctx context.Context, decision types.AggregateDecision) (Outcome, error) {
	held := Outcome{Transition: TransitionHeld, Position: m.position}
	transition := fmt.Sprintf("Open(%s)→Closed", m.position.Side)

	result, err := m.executor.ClosePosition(ctx, m.opts.Instrument, m.position.Side, m.position.Quantity)
	if err != nil {
		return held, fmt.Errorf("%w: %s %s 反向平仓失败: %w", types.ErrExecutionFailure, m.opts.Instrument, transition, err)
	}
	if !result.Filled {
		return held, fmt.Errorf("%w: %s %s 平仓单未成交 order_id=%s", types.ErrExecutionFailure, m.opts.Instrument, transition, result.OrderID)
	}
	if result.FilledQty > 0 && result.FilledQty < m.position.Quantity {
		// 部分平仓：保留剩余数量，保护单不动，下个周期继续处理
		m.position.Quantity = m.rounder.FloorQuantity(m.position.Quantity - result.FilledQty)
		held.Position = m.position
		return held, fmt.Errorf("%w: %s %s 平仓单部分成交，剩余 %v", types.ErrExecutionFailure, m.opts.Instrument, transition, m.position.Quantity)
	}

	m.cancelProtective(ctx)

	event := m.closeEvent(types.ExitOpposite, result.AvgPrice, decision.TotalScore)
	m.position = types.Position{}

	zap.L().Info("🔄 反向信号平仓",
		zap.String("instrument", m.opts.Instrument),
		zap.String("transition", transition),
		zap.Float64("fill_price", result.AvgPrice),
		zap.Float64("total_score", decision.TotalScore))

	return Outcome{Transition: TransitionClosed, Position: m.position, Event: event}, nil
}

func (m *Manager) cancelProtective(ctx context.Context) {
	var ids []string
	for _, id := range []string{m.position.StopOrderID, m.position.TakeProfitOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := m.executor.CancelOrders(ctx, m.opts.Instrument, ids); err != nil {
		zap.L().Warn("撤销剩余保护单失败",
			zap.String("instrument", m.opts.Instrument),
			zap.Strings("order_ids", ids),
			zap.Error(err))
	}
}

func (m *Manager) openEvent(decision types.AggregateDecision) *types.PositionEvent {
	return &types.PositionEvent{
		Type:       types.EventOpened,
		Instrument: m.opts.Instrument,
		Side:       m.position.Side,
		Price:      m.position.EntryPrice,
		EntryPrice: m.position.EntryPrice,
		Quantity:   m.position.Quantity,
		StopLoss:   m.position.StopLoss,
		TakeProfit: m.position.TakeProfit,
		Score:      decision.TotalScore,
		Time:       time.Now(),
	}
}

func (m *Manager) closeEvent(reason types.ExitReason, price, score float64) *types.PositionEvent {
	return &types.PositionEvent{
		Type:       types.EventClosed,
		Instrument: m.opts.Instrument,
		Side:       m.position.Side,
		Price:      price,
		EntryPrice: m.position.EntryPrice,
		Quantity:   m.position.Quantity,
		StopLoss:   m.position.StopLoss,
		TakeProfit: m.position.TakeProfit,
		Reason:     reason,
		Score:      score,
		Time:       time.Now(),
	}
}
