package risk

import (
	"fmt"

	"okx-signal-trader/pkg/types"
)

// Rounder 交易所精度取整
type Rounder interface {
	FloorQuantity(qty float64) float64
	RoundPrice(price float64) float64
	MinQuantity() float64
}

// Sizer 开仓前的仓位规模检查
type Sizer struct {
	minNotionalFloor float64
	riskFraction     float64
	leverage         float64
	contractValue    float64
	rounder          Rounder
}

// NewSizer 创建仓位计算器。现货的 leverage 固定为1。
func NewSizer(tc types.TradingConfig, rules types.InstrumentRules, rounder Rounder) *Sizer {
	leverage := float64(tc.Leverage)
	if tc.InstType != types.InstTypeSwap || leverage < 1 {
		leverage = 1
	}
	contractValue := rules.ContractValue
	if contractValue <= 0 {
		contractValue = 1
	}
	riskFraction := tc.RiskFraction
	if riskFraction <= 0 {
		riskFraction = 1
	}

	return &Sizer{
		minNotionalFloor: tc.MinNotionalFloor,
		riskFraction:     riskFraction,
		leverage:         leverage,
		contractValue:    contractValue,
		rounder:          rounder,
	}
}

// Quantity 计算下单数量（交易所下单单位），不满足最低要求时返回 ErrInsufficientSize
func (s *Sizer) Quantity(balance, entryPrice float64) (float64, error) {
	if !types.IsFinite(balance, entryPrice) || entryPrice <= 0 {
		return 0, fmt.Errorf("%w: balance=%v entry_price=%v", types.ErrInvalidInput, balance, entryPrice)
	}
	if balance <= s.minNotionalFloor {
		return 0, fmt.Errorf("%w: 可用余额 %.4f 未超过下限 %.4f",
			types.ErrInsufficientSize, balance, s.minNotionalFloor)
	}

	raw := balance * s.riskFraction * s.leverage / (entryPrice * s.contractValue)
	qty := s.rounder.FloorQuantity(raw)
	if qty <= 0 || qty < s.rounder.MinQuantity() {
		return 0, fmt.Errorf("%w: 数量 %v 小于最小下单量 %v",
			types.ErrInsufficientSize, qty, s.rounder.MinQuantity())
	}
	return qty, nil
}
