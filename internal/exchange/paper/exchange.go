package paper

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

type orderKind int

const (
	kindStop orderKind = iota
	kindTakeProfit
)

type triggerOrder struct {
	kind    orderKind
	trigger float64
}

type openPosition struct {
	side   types.Side
	qty    float64
	entry  float64
	margin float64
}

// Exchange 本地模拟撮合：市价单按最新价成交，条件单在价格穿越触发价时按触发价成交
type Exchange struct {
	mu            sync.Mutex
	balance       float64
	leverage      float64
	contractValue float64
	price         float64
	position      *openPosition
	orders        map[string]triggerOrder
	seq           int
}

// NewExchange 创建模拟盘
func NewExchange(balance, leverage, contractValue float64) *Exchange {
	if leverage < 1 {
		leverage = 1
	}
	if contractValue <= 0 {
		contractValue = 1
	}
	zap.L().Info("🧪 使用模拟盘撮合", zap.Float64("balance", balance), zap.Float64("leverage", leverage))
	return &Exchange{
		balance:       balance,
		leverage:      leverage,
		contractValue: contractValue,
		orders:        make(map[string]triggerOrder),
	}
}

func (e *Exchange) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("paper-%s-%d", prefix, e.seq)
}

// AvailableBalance 可用余额，不含已占用保证金
func (e *Exchange) AvailableBalance(_ context.Context, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// SubmitMarketOrder 按最新价开仓
func (e *Exchange) SubmitMarketOrder(_ context.Context, instrument string, side types.OrderSide, qty float64) (types.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.price <= 0 {
		return types.OrderResult{}, fmt.Errorf("%w: %s 暂无最新价", types.ErrExecutionFailure, instrument)
	}
	if e.position != nil {
		return types.OrderResult{}, fmt.Errorf("%w: %s 已有持仓", types.ErrExecutionFailure, instrument)
	}

	margin := qty * e.price * e.contractValue / e.leverage
	if margin > e.balance {
		return types.OrderResult{}, fmt.Errorf("%w: 模拟盘余额不足 %.4f < %.4f", types.ErrExecutionFailure, e.balance, margin)
	}

	posSide := types.SideLong
	if side == types.OrderSell {
		posSide = types.SideShort
	}
	e.balance -= margin
	e.position = &openPosition{side: posSide, qty: qty, entry: e.price, margin: margin}

	return types.OrderResult{OrderID: e.nextID("mkt"), Filled: true, AvgPrice: e.price, FilledQty: qty}, nil
}

// SubmitStopOrder 记录止损触发价
func (e *Exchange) SubmitStopOrder(_ context.Context, _ string, _ types.OrderSide, triggerPrice, _ float64, _ bool) (types.OrderResult, error) {
	return e.addTrigger(kindStop, "sl", triggerPrice)
}

// SubmitTakeProfitOrder 记录止盈触发价
func (e *Exchange) SubmitTakeProfitOrder(_ context.Context, _ string, _ types.OrderSide, triggerPrice, _ float64, _ bool) (types.OrderResult, error) {
	return e.addTrigger(kindTakeProfit, "tp", triggerPrice)
}

func (e *Exchange) addTrigger(kind orderKind, prefix string, trigger float64) (types.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position == nil {
		return types.OrderResult{}, fmt.Errorf("%w: 无持仓，无法挂条件单", types.ErrExecutionFailure)
	}
	if trigger <= 0 {
		return types.OrderResult{}, fmt.Errorf("%w: 触发价无效 %v", types.ErrExecutionFailure, trigger)
	}
	id := e.nextID(prefix)
	e.orders[id] = triggerOrder{kind: kind, trigger: trigger}
	return types.OrderResult{OrderID: id}, nil
}

// ClosePosition 按最新价平仓
func (e *Exchange) ClosePosition(_ context.Context, instrument string, _ types.Side, _ float64) (types.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position == nil {
		return types.OrderResult{}, fmt.Errorf("%w: %s 无持仓", types.ErrExecutionFailure, instrument)
	}
	price := e.price
	e.settle(price)
	return types.OrderResult{OrderID: e.nextID("close"), Filled: true, AvgPrice: price}, nil
}

// CancelOrders 撤销条件单，不存在的单号忽略
func (e *Exchange) CancelOrders(_ context.Context, _ string, orderIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range orderIDs {
		delete(e.orders, id)
	}
	return nil
}

// UpdatePrice 更新最新价并检查条件单。触发时按触发价平仓并返回平仓原因。
func (e *Exchange) UpdatePrice(_ string, price float64) (types.ExitReason, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if price <= 0 {
		return "", 0, false
	}
	e.price = price
	if e.position == nil {
		return "", 0, false
	}

	long := e.position.side == types.SideLong
	for id, o := range e.orders {
		var hit bool
		switch {
		case o.kind == kindStop && long:
			hit = price <= o.trigger
		case o.kind == kindStop:
			hit = price >= o.trigger
		case long:
			hit = price >= o.trigger
		default:
			hit = price <= o.trigger
		}
		if !hit {
			continue
		}

		delete(e.orders, id)
		e.settle(o.trigger)
		if o.kind == kindStop {
			return types.ExitStopLoss, o.trigger, true
		}
		return types.ExitTakeProfit, o.trigger, true
	}
	return "", 0, false
}

// settle 平仓结算，释放保证金并计入盈亏
func (e *Exchange) settle(exit float64) {
	p := e.position
	pnl := (exit - p.entry) * p.qty * e.contractValue
	if p.side == types.SideShort {
		pnl = -pnl
	}
	e.balance += p.margin + pnl
	e.position = nil

	zap.L().Info("🧪 模拟盘平仓",
		zap.String("side", string(p.side)),
		zap.Float64("entry", p.entry),
		zap.Float64("exit", exit),
		zap.Float64("pnl", pnl),
		zap.Float64("balance", e.balance))
}

// PositionSize 模拟盘持仓数量
func (e *Exchange) PositionSize(_ context.Context, _ string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return 0, nil
	}
	return e.position.qty, nil
}
