package types

import "math"

// IndicatorSnapshot 单个周期最新一根K线的指标快照，生成后不可修改。
// 预热不足的指标为NaN。
type IndicatorSnapshot struct {
	RSI         float64 `json:"rsi"`
	MAShort     float64 `json:"ma_short"`
	MAShortPrev float64 `json:"ma_short_prev"`
	MALong      float64 `json:"ma_long"`
	MALongPrev  float64 `json:"ma_long_prev"`
	MACD        float64 `json:"macd"`
	MACDSignal  float64 `json:"macd_signal"`
	Close       float64 `json:"close"`
	UpperBand   float64 `json:"upper_band"`
	LowerBand   float64 `json:"lower_band"`
	ATR         float64 `json:"atr"`
}

// BandRange 布林带宽度（上轨-下轨）
func (s IndicatorSnapshot) BandRange() float64 {
	return s.UpperBand - s.LowerBand
}

// IsFinite 判断数值是否可用（非NaN、非Inf）
func IsFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
