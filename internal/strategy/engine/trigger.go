package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// PositionReader 查询交易所侧实际持仓数量
type PositionReader interface {
	PositionSize(ctx context.Context, instrument string) (float64, error)
}

// Reconciler 实盘对账：本地记录为持仓但交易所侧已无仓位时，按穿越的价位推断平仓原因
type Reconciler struct {
	engine     *Engine
	reader     PositionReader
	instrument string
	minSize    float64
}

// NewReconciler 创建对账器，数量低于 minSize 视为已平仓
func NewReconciler(engine *Engine, reader PositionReader, instrument string, minSize float64) *Reconciler {
	return &Reconciler{
		engine:     engine,
		reader:     reader,
		instrument: instrument,
		minSize:    minSize,
	}
}

// Reconcile 对账一次，返回是否发生了平仓
func (r *Reconciler) Reconcile(ctx context.Context, lastPrice float64) (bool, error) {
	p := r.engine.Position()
	if !p.IsOpen {
		return false, nil
	}

	size, err := r.reader.PositionSize(ctx, r.instrument)
	if err != nil {
		return false, err
	}
	if size >= r.minSize {
		return false, nil
	}

	reason, fill := InferExit(p, lastPrice)
	zap.L().Info("🔍 交易所侧已无持仓",
		zap.String("instrument", r.instrument),
		zap.String("reason", string(reason)),
		zap.Float64("size", size),
		zap.Float64("last_price", lastPrice))

	if _, err := r.engine.HandleExit(ctx, reason, fill); err != nil {
		return false, err
	}
	return true, nil
}

// InferExit 根据最新价推断平仓原因。价格已穿越止损/止盈时按对应价位记账，否则视为外部平仓。
func InferExit(p types.Position, price float64) (types.ExitReason, float64) {
	if reason, level, ok := CrossedLevel(p, price); ok {
		return reason, level
	}
	return types.ExitExternal, price
}

// CrossedLevel 最新价是否穿越止损或止盈价
func CrossedLevel(p types.Position, price float64) (types.ExitReason, float64, bool) {
	if !p.IsOpen || price <= 0 {
		return "", 0, false
	}

	switch p.Side {
	case types.SideLong:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return types.ExitStopLoss, p.StopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return types.ExitTakeProfit, p.TakeProfit, true
		}
	case types.SideShort:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return types.ExitStopLoss, p.StopLoss, true
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return types.ExitTakeProfit, p.TakeProfit, true
		}
	}
	return "", 0, false
}

// TriggerWatcher 消费实时价格：模拟盘直接撮合止损止盈，实盘在价格穿越时触发对账
type TriggerWatcher struct {
	engine     *Engine
	instrument string
	simulator  TriggerSimulator
	reconciler *Reconciler

	checkInterval time.Duration
	lastCheck     time.Time

	lastPrice float64
	priceMu   sync.RWMutex
}

// NewTriggerWatcher simulator 和 reconciler 按运行模式二选一，均可为空
func NewTriggerWatcher(engine *Engine, instrument string, simulator TriggerSimulator, reconciler *Reconciler) *TriggerWatcher {
	return &TriggerWatcher{
		engine:        engine,
		instrument:    instrument,
		simulator:     simulator,
		reconciler:    reconciler,
		checkInterval: 5 * time.Second,
	}
}

// Run 阻塞直到 ctx 取消或价格通道关闭
func (w *TriggerWatcher) Run(ctx context.Context, ticks <-chan types.PriceTick) {
	zap.L().Info("👀 启动止损止盈监控", zap.String("instrument", w.instrument))
	defer func() {
		zap.L().Info("👀 止损止盈监控退出",
			zap.String("instrument", w.instrument),
			zap.Float64("last_price", w.latestPrice()))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			w.OnTick(ctx, tick)
		}
	}
}

// OnTick 处理单个价格推送
func (w *TriggerWatcher) OnTick(ctx context.Context, tick types.PriceTick) {
	if tick.Symbol != w.instrument || tick.Price <= 0 {
		return
	}

	w.priceMu.Lock()
	w.lastPrice = tick.Price
	w.priceMu.Unlock()

	if w.simulator != nil {
		reason, fill, hit := w.simulator.UpdatePrice(w.instrument, tick.Price)
		if !hit {
			return
		}
		if _, err := w.engine.HandleExit(ctx, reason, fill); err != nil {
			zap.L().Error("处理模拟盘平仓失败", zap.Error(err))
		}
		return
	}

	if w.reconciler == nil {
		return
	}
	if _, _, crossed := CrossedLevel(w.engine.Position(), tick.Price); !crossed {
		return
	}
	// 条件单在交易所撮合有延迟，限频对账
	if time.Since(w.lastCheck) < w.checkInterval {
		return
	}
	w.lastCheck = time.Now()

	if _, err := w.reconciler.Reconcile(ctx, tick.Price); err != nil {
		zap.L().Warn("对账失败", zap.Error(err))
	}
}

// latestPrice 最近一次推送的价格
func (w *TriggerWatcher) latestPrice() float64 {
	w.priceMu.RLock()
	defer w.priceMu.RUnlock()
	return w.lastPrice
}
