package indicators

import (
	"fmt"

	"okx-signal-trader/pkg/types"
)

// SnapshotBuilder 由K线序列生成指标快照
type SnapshotBuilder struct {
	ShortMA      int
	LongMA       int
	RSIPeriod    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BandPeriod   int
	BandWidth    float64
	atrCalc      *ATRCalculator
	requiredBars int
}

// NewSnapshotBuilder 使用默认参数：MA7/MA25、RSI14、MACD(12,26,9)、BOLL(20,2)、ATR14
func NewSnapshotBuilder() *SnapshotBuilder {
	sb := &SnapshotBuilder{
		ShortMA:    7,
		LongMA:     25,
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		BandPeriod: 20,
		BandWidth:  2,
		atrCalc:    NewATRCalculator(14),
	}
	sb.requiredBars = sb.MACDSlow + sb.MACDSignal
	return sb
}

// RequiredBars 生成完整快照所需的最少K线数
func (sb *SnapshotBuilder) RequiredBars() int {
	return sb.requiredBars
}

// Build 计算最新一根K线的指标快照。K线不足以完成预热时返回 ErrDataUnavailable。
func (sb *SnapshotBuilder) Build(klines []*types.KLine) (types.IndicatorSnapshot, error) {
	if len(klines) < sb.requiredBars {
		return types.IndicatorSnapshot{}, fmt.Errorf("%w: 历史K线不足 %d/%d",
			types.ErrDataUnavailable, len(klines), sb.requiredBars)
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}

	last := len(closes) - 1
	maShort := SMA(closes, sb.ShortMA)
	maLong := SMA(closes, sb.LongMA)
	rsi := RSI(closes, sb.RSIPeriod)
	macdLine, signalLine := MACD(closes, sb.MACDFast, sb.MACDSlow, sb.MACDSignal)
	upper, _, lower := Bollinger(closes, sb.BandPeriod, sb.BandWidth)
	atr := sb.atrCalc.Series(klines)

	return types.IndicatorSnapshot{
		RSI:         rsi[last],
		MAShort:     maShort[last],
		MAShortPrev: maShort[last-1],
		MALong:      maLong[last],
		MALongPrev:  maLong[last-1],
		MACD:        macdLine[last],
		MACDSignal:  signalLine[last],
		Close:       closes[last],
		UpperBand:   upper[last],
		LowerBand:   lower[last],
		ATR:         atr[last],
	}, nil
}
