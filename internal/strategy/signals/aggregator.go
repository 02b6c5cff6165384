package signals

import (
	"time"

	"okx-signal-trader/pkg/types"
)

// Aggregate 汇总各周期得分并按阈值给出方向。
// 不感知持仓状态，是否可执行由持仓管理器决定。
func Aggregate(scores []types.TimeframeScore, entryThreshold float64) types.AggregateDecision {
	total := 0.0
	for _, s := range scores {
		total += s.Score
	}

	return types.AggregateDecision{
		TotalScore: total,
		Direction:  DirectionFor(total, entryThreshold),
		Threshold:  entryThreshold,
		Scores:     scores,
		DecidedAt:  time.Now(),
	}
}

// DirectionFor total ≥ T 为多，total ≤ -T 为空，其余观望
func DirectionFor(total, threshold float64) types.Direction {
	switch {
	case total >= threshold:
		return types.DirectionLong
	case total <= -threshold:
		return types.DirectionShort
	default:
		return types.DirectionHold
	}
}
