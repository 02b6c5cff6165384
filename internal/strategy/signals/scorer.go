package signals

import (
	"math"

	"okx-signal-trader/pkg/types"
)

// 各规则的权重上限
const (
	rsiWeight     = 10.0
	maCrossWeight = 20.0
	maTrendCap    = 15.0
	macdWeight    = 15.0
	bandWeight    = 10.0

	rsiOversold   = 20.0
	rsiOverbought = 80.0
)

// ScoreSnapshot 将单个周期的指标快照转换为加权得分。
// 各规则独立计分后直接相加，不做归一化；规则依赖的指标缺失时该规则记0分。
func ScoreSnapshot(timeframe string, s types.IndicatorSnapshot) types.TimeframeScore {
	var rules types.RuleContributions

	// RSI 超买超卖
	if types.IsFinite(s.RSI) {
		switch {
		case s.RSI < rsiOversold:
			rules.RSI = rsiWeight
		case s.RSI > rsiOverbought:
			rules.RSI = -rsiWeight
		}
	} else {
		rules.Skipped = append(rules.Skipped, "rsi")
	}

	// 短期均线与长期均线的相对位置
	if types.IsFinite(s.MAShort, s.MALong) {
		rules.MACross = compare(s.MAShort, s.MALong) * maCrossWeight
	} else {
		rules.Skipped = append(rules.Skipped, "ma_cross")
	}

	// 短期均线的方向与力度
	if types.IsFinite(s.MAShort, s.MAShortPrev) {
		trend := s.MAShort - s.MAShortPrev
		rules.MATrend = compare(trend, 0) * math.Min(maTrendCap, math.Abs(trend))
	} else {
		rules.Skipped = append(rules.Skipped, "ma_trend")
	}

	if types.IsFinite(s.MACD, s.MACDSignal) {
		rules.MACD = compare(s.MACD, s.MACDSignal) * macdWeight
	} else {
		rules.Skipped = append(rules.Skipped, "macd")
	}

	// 布林带突破按均值回归处理
	if types.IsFinite(s.Close, s.UpperBand, s.LowerBand) {
		switch {
		case s.Close > s.UpperBand:
			rules.Bands = -bandWeight
		case s.Close < s.LowerBand:
			rules.Bands = bandWeight
		}
	} else {
		rules.Skipped = append(rules.Skipped, "bands")
	}

	return types.TimeframeScore{
		Timeframe: timeframe,
		Score:     rules.RSI + rules.MACross + rules.MATrend + rules.MACD + rules.Bands,
		Rules:     rules,
	}
}

// compare 返回 a 相对 b 的符号：1、-1 或 0
func compare(a, b float64) float64 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
