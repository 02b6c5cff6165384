package types

import "time"

// Direction 聚合信号方向
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionHold  Direction = "HOLD"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide 下单方向
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// EntryOrderSide 开仓下单方向
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderBuy
	}
	return OrderSell
}

// ExitOrderSide 平仓/止损止盈下单方向
func (s Side) ExitOrderSide() OrderSide {
	if s == SideLong {
		return OrderSell
	}
	return OrderBuy
}

// SideOf 将信号方向映射为持仓方向，HOLD返回false
func SideOf(d Direction) (Side, bool) {
	switch d {
	case DirectionLong:
		return SideLong, true
	case DirectionShort:
		return SideShort, true
	default:
		return "", false
	}
}

// RuleContributions 单个周期各规则的得分明细
type RuleContributions struct {
	RSI     float64  `json:"rsi"`
	MACross float64  `json:"ma_cross"`
	MATrend float64  `json:"ma_trend"`
	MACD    float64  `json:"macd"`
	Bands   float64  `json:"bands"`
	Skipped []string `json:"skipped,omitempty"` // 因指标缺失被跳过的规则
}

// TimeframeScore 单个周期的加权得分
type TimeframeScore struct {
	Timeframe string            `json:"timeframe"`
	Score     float64           `json:"score"`
	Rules     RuleContributions `json:"rules"`
}

// AggregateDecision 多周期聚合后的决策
type AggregateDecision struct {
	TotalScore float64          `json:"total_score"`
	Direction  Direction        `json:"direction"`
	Threshold  float64          `json:"threshold"`
	Scores     []TimeframeScore `json:"scores"`
	DecidedAt  time.Time        `json:"decided_at"`
}

// RiskLevels 止损止盈价位
type RiskLevels struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// RiskInputs 两个参考周期的波动率和布林带宽度
type RiskInputs struct {
	ATRA       float64 `json:"atr_a"`
	ATRB       float64 `json:"atr_b"`
	BandRangeA float64 `json:"band_range_a"`
	BandRangeB float64 `json:"band_range_b"`
}

// Position 当前持仓，同一时间最多一个
type Position struct {
	IsOpen     bool      `json:"is_open"`
	Side       Side      `json:"side,omitempty"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	OpenedAt   time.Time `json:"opened_at"`

	StopOrderID       string `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string `json:"take_profit_order_id,omitempty"`
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Filled    bool    `json:"filled"`
	AvgPrice  float64 `json:"avg_price"`
	FilledQty float64 `json:"filled_qty"` // 部分成交时小于下单数量，0 表示按下单数量全部成交
}

// ExitReason 平仓原因
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitOpposite   ExitReason = "OPPOSITE_SIGNAL"
	ExitExternal   ExitReason = "EXCHANGE_FLAT" // 交易所侧已无持仓
)

// PositionEventType 持仓事件类型
type PositionEventType string

const (
	EventOpened PositionEventType = "OPENED"
	EventClosed PositionEventType = "CLOSED"
)

// PositionEvent 开平仓事件，用于通知、落库
type PositionEvent struct {
	Type       PositionEventType `json:"type"`
	Instrument string            `json:"instrument"`
	Side       Side              `json:"side"`
	Price      float64           `json:"price"`       // 开仓为入场价，平仓为成交价
	EntryPrice float64           `json:"entry_price"` // 平仓事件对应的入场价
	Quantity   float64           `json:"quantity"`
	StopLoss   float64           `json:"stop_loss"`
	TakeProfit float64           `json:"take_profit"`
	Reason     ExitReason        `json:"reason,omitempty"`
	Score      float64           `json:"score"`
	Time       time.Time         `json:"time"`
}

// ReturnPct 平仓收益率（百分数，不含杠杆和手续费）。成交价未知时返回0。
func (e PositionEvent) ReturnPct() float64 {
	if e.Type != EventClosed || e.EntryPrice <= 0 || e.Price <= 0 {
		return 0
	}
	pct := (e.Price - e.EntryPrice) / e.EntryPrice * 100
	if e.Side == SideShort {
		pct = -pct
	}
	return pct
}
