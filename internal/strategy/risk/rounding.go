package risk

import (
	"github.com/shopspring/decimal"
	"okx-signal-trader/pkg/types"
)

// InstrumentRounder 按交易品种精度取整价格和数量
type InstrumentRounder struct {
	rules types.InstrumentRules
}

// NewInstrumentRounder 创建取整器
func NewInstrumentRounder(rules types.InstrumentRules) *InstrumentRounder {
	return &InstrumentRounder{rules: rules}
}

// Rules 返回品种规则
func (r *InstrumentRounder) Rules() types.InstrumentRules {
	return r.rules
}

// FloorQuantity 数量向下取整到 lot size 的整数倍
func (r *InstrumentRounder) FloorQuantity(qty float64) float64 {
	return floorToStep(qty, r.rules.LotSize)
}

// RoundPrice 价格四舍五入到 tick size 的整数倍
func (r *InstrumentRounder) RoundPrice(price float64) float64 {
	if r.rules.TickSize <= 0 {
		return price
	}
	step := decimal.NewFromFloat(r.rules.TickSize)
	rounded := decimal.NewFromFloat(price).Div(step).Round(0).Mul(step)
	f, _ := rounded.Float64()
	return f
}

// MinQuantity 最小下单数量
func (r *InstrumentRounder) MinQuantity() float64 {
	return r.rules.MinSize
}

func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	floored := decimal.NewFromFloat(v).Div(s).Floor().Mul(s)
	f, _ := floored.Float64()
	return f
}
