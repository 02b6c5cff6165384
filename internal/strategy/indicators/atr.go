package indicators

import (
	"math"

	"okx-signal-trader/pkg/types"
)

// ATRCalculator ATR指标计算器（Wilder平滑）
type ATRCalculator struct {
	length int
}

// NewATRCalculator 创建ATR计算器
func NewATRCalculator(length int) *ATRCalculator {
	return &ATRCalculator{
		length: length,
	}
}

// Series 计算ATR序列，与K线一一对应，预热不足的位置为NaN
func (ac *ATRCalculator) Series(klines []*types.KLine) []float64 {
	out := nanSeries(len(klines))
	if ac.length <= 0 || len(klines) < ac.length+1 {
		return out
	}

	// 真实波幅序列，trValues[i] 对应 klines[i+1]
	trValues := ac.calculateTrueRange(klines)

	// 第一个ATR值为前length个真实波幅的简单平均
	atr := calculateSMA(trValues[:ac.length])
	out[ac.length] = atr

	n := float64(ac.length)
	for i := ac.length; i < len(trValues); i++ {
		atr = (atr*(n-1) + trValues[i]) / n
		out[i+1] = atr
	}

	return out
}

// calculateTrueRange 计算真实波幅序列
func (ac *ATRCalculator) calculateTrueRange(klines []*types.KLine) []float64 {
	if len(klines) < 2 {
		return nil
	}

	trValues := make([]float64, 0, len(klines)-1)

	for i := 1; i < len(klines); i++ {
		current := klines[i]
		previous := klines[i-1]

		// 真实波幅 = max(high-low, |high-prevClose|, |low-prevClose|)
		hl := current.High - current.Low
		hc := math.Abs(current.High - previous.Close)
		lc := math.Abs(current.Low - previous.Close)

		trValues = append(trValues, math.Max(hl, math.Max(hc, lc)))
	}

	return trValues
}
