package indicators

import "math"

// RSI 使用涨跌幅滚动均值计算的相对强弱指数。
// 平均跌幅为0时返回100，涨跌都为0时为NaN。
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	for i := period; i < len(closes); i++ {
		avgGain := calculateSMA(gains[i-period+1 : i+1])
		avgLoss := calculateSMA(losses[i-period+1 : i+1])

		switch {
		case avgLoss == 0 && avgGain == 0:
			out[i] = math.NaN()
		case avgLoss == 0:
			out[i] = 100
		default:
			rs := avgGain / avgLoss
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

// Bollinger 布林带，标准差为样本标准差
func Bollinger(closes []float64, period int, width float64) (upper, middle, lower []float64) {
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))
	middle = SMA(closes, period)
	if period < 2 {
		return upper, middle, lower
	}

	for i := period - 1; i < len(closes); i++ {
		mean := middle[i]
		var sum float64
		for _, v := range closes[i-period+1 : i+1] {
			d := v - mean
			sum += d * d
		}
		std := math.Sqrt(sum / float64(period-1))
		upper[i] = mean + width*std
		lower[i] = mean - width*std
	}
	return upper, middle, lower
}
