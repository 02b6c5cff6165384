package indicators

import "math"

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// calculateSMA 计算简单平均
func calculateSMA(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	sum := 0.0
	for _, value := range values {
		sum += value
	}

	return sum / float64(len(values))
}

// SMA 滚动简单移动平均，前 period-1 个位置为NaN
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA 指数移动平均，以首个窗口的SMA作为种子。输入中的NaN前缀会被跳过。
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}

	seed := calculateSMA(values[start : start+period])
	out[start+period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := start + period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// MACD 计算MACD线与信号线
func MACD(closes []float64, fast, slow, signal int) (macdLine, signalLine []float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	macdLine = nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macdLine[i] = fastEMA[i] - slowEMA[i]
		}
	}

	signalLine = EMA(macdLine, signal)
	return macdLine, signalLine
}
