package risk

import (
	"fmt"

	"okx-signal-trader/pkg/types"
)

// Calculator 止损止盈计算能力，按部署配置选择具体策略
type Calculator interface {
	Levels(entryPrice float64, side types.Side, in types.RiskInputs) (types.RiskLevels, error)
	Name() string
}

// NewCalculator 根据 risk_mode 创建计算器
func NewCalculator(tc types.TradingConfig) (Calculator, error) {
	switch tc.RiskMode {
	case types.RiskModeATRBand:
		return ATRBandCalculator{}, nil
	case types.RiskModeFixedPercent:
		return NewFixedPercentCalculator(tc.StopLossPercent, tc.TakeProfitPercent)
	default:
		return nil, fmt.Errorf("%w: 未知的 risk_mode %q", types.ErrConfig, tc.RiskMode)
	}
}

// ATRBandCalculator 止损距离取两个参考周期ATR均值，止盈距离取布林带宽度均值
type ATRBandCalculator struct{}

func (ATRBandCalculator) Name() string { return types.RiskModeATRBand }

// Levels 计算止损止盈
func (ATRBandCalculator) Levels(entryPrice float64, side types.Side, in types.RiskInputs) (types.RiskLevels, error) {
	if err := checkEntry(entryPrice, side); err != nil {
		return types.RiskLevels{}, err
	}
	inputs := []struct {
		name  string
		value float64
	}{
		{"atr_a", in.ATRA}, {"atr_b", in.ATRB}, {"band_range_a", in.BandRangeA}, {"band_range_b", in.BandRangeB},
	}
	for _, input := range inputs {
		if !types.IsFinite(input.value) || input.value < 0 {
			return types.RiskLevels{}, fmt.Errorf("%w: %s=%v", types.ErrInvalidInput, input.name, input.value)
		}
	}

	averageATR := (in.ATRA + in.ATRB) / 2
	averageBandRange := (in.BandRangeA + in.BandRangeB) / 2

	var levels types.RiskLevels
	if side == types.SideLong {
		levels.StopLoss = entryPrice - averageATR
		levels.TakeProfit = entryPrice + averageBandRange
	} else {
		levels.StopLoss = entryPrice + averageATR
		levels.TakeProfit = entryPrice - averageBandRange
	}

	return levels, checkLevels(levels)
}

// FixedPercentCalculator 按入场价固定百分比设置止损止盈
type FixedPercentCalculator struct {
	stopLossPct   float64
	takeProfitPct float64
}

// NewFixedPercentCalculator 百分比以百分数表示，2 表示 2%
func NewFixedPercentCalculator(stopLossPercent, takeProfitPercent float64) (FixedPercentCalculator, error) {
	if !types.IsFinite(stopLossPercent, takeProfitPercent) || stopLossPercent <= 0 || takeProfitPercent <= 0 {
		return FixedPercentCalculator{}, fmt.Errorf("%w: 止损/止盈百分比必须为正数", types.ErrConfig)
	}
	return FixedPercentCalculator{
		stopLossPct:   stopLossPercent / 100,
		takeProfitPct: takeProfitPercent / 100,
	}, nil
}

func (FixedPercentCalculator) Name() string { return types.RiskModeFixedPercent }

// Levels 计算止损止盈，忽略波动率输入
func (fc FixedPercentCalculator) Levels(entryPrice float64, side types.Side, _ types.RiskInputs) (types.RiskLevels, error) {
	if err := checkEntry(entryPrice, side); err != nil {
		return types.RiskLevels{}, err
	}

	var levels types.RiskLevels
	if side == types.SideLong {
		levels.StopLoss = entryPrice * (1 - fc.stopLossPct)
		levels.TakeProfit = entryPrice * (1 + fc.takeProfitPct)
	} else {
		levels.StopLoss = entryPrice * (1 + fc.stopLossPct)
		levels.TakeProfit = entryPrice * (1 - fc.takeProfitPct)
	}

	return levels, checkLevels(levels)
}

func checkEntry(entryPrice float64, side types.Side) error {
	if !types.IsFinite(entryPrice) || entryPrice <= 0 {
		return fmt.Errorf("%w: entry_price=%v", types.ErrInvalidInput, entryPrice)
	}
	if side != types.SideLong && side != types.SideShort {
		return fmt.Errorf("%w: side=%q", types.ErrInvalidInput, side)
	}
	return nil
}

func checkLevels(levels types.RiskLevels) error {
	if levels.StopLoss < 0 || levels.TakeProfit < 0 {
		return fmt.Errorf("%w: 价位为负 stop_loss=%v take_profit=%v",
			types.ErrInvalidInput, levels.StopLoss, levels.TakeProfit)
	}
	return nil
}
