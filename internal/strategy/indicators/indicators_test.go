package indicators

import (
	"errors"
	"math"
	"testing"

	"okx-signal-trader/pkg/types"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func makeKlines(closes []float64) []*types.KLine {
	klines := make([]*types.KLine, len(closes))
	for i, c := range closes {
		klines[i] = &types.KLine{Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return klines
}

func TestSMA(t *testing.T) {
	got := SMA([]float64{10, 20, 30, 40, 50}, 3)
	if !math.IsNaN(got[0]) || !math.IsNaN(got[1]) {
		t.Fatalf("expected NaN warm-up, got %v", got[:2])
	}
	want := []float64{20, 30, 40}
	for i, w := range want {
		if !closeTo(got[i+2], w) {
			t.Errorf("SMA[%d]=%v want %v", i+2, got[i+2], w)
		}
	}
}

func TestEMASeededBySMA(t *testing.T) {
	got := EMA([]float64{1, 2, 3, 4}, 3)
	if !closeTo(got[2], 2) {
		t.Fatalf("seed=%v want 2", got[2])
	}
	// k = 0.5 → 4*0.5 + 2*0.5 = 3
	if !closeTo(got[3], 3) {
		t.Fatalf("EMA[3]=%v want 3", got[3])
	}
}

func TestRSI(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6}
	if got := RSI(rising, 3); got[5] != 100 {
		t.Fatalf("RSI of rising series=%v want 100", got[5])
	}

	flat := []float64{5, 5, 5, 5, 5}
	if got := RSI(flat, 3); !math.IsNaN(got[4]) {
		t.Fatalf("RSI of flat series=%v want NaN", got[4])
	}

	mixed := []float64{10, 11, 10, 11, 10}
	// 最后3个涨跌: -1, +1, -1 → avgGain=1/3 avgLoss=2/3 → rs=0.5 → 33.33
	if got := RSI(mixed, 3); !closeTo(got[4], 100-100/1.5) {
		t.Fatalf("RSI=%v want %v", got[4], 100-100/1.5)
	}
}

func TestBollingerUsesSampleStdDev(t *testing.T) {
	upper, middle, lower := Bollinger([]float64{1, 2, 3}, 3, 2)
	if !closeTo(middle[2], 2) {
		t.Fatalf("middle=%v want 2", middle[2])
	}
	// 样本标准差 = 1
	if !closeTo(upper[2], 4) || !closeTo(lower[2], 0) {
		t.Fatalf("bands=(%v,%v) want (4,0)", upper[2], lower[2])
	}
}

func TestATRConstantRange(t *testing.T) {
	klines := makeKlines([]float64{100, 100, 100, 100, 100, 100})
	calc := NewATRCalculator(3)
	series := calc.Series(klines)
	if !math.IsNaN(series[2]) {
		t.Fatalf("expected NaN before warm-up, got %v", series[2])
	}
	if !closeTo(series[3], 2) || !closeTo(series[len(series)-1], 2) {
		t.Fatalf("ATR=%v want 2", series[3])
	}
}

func TestSnapshotBuilder(t *testing.T) {
	sb := NewSnapshotBuilder()

	if _, err := sb.Build(makeKlines(make([]float64, 10))); !errors.Is(err, types.ErrDataUnavailable) {
		t.Fatalf("Build with short history err=%v want ErrDataUnavailable", err)
	}

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	snap, err := sb.Build(makeKlines(closes))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Close != 159 {
		t.Fatalf("close=%v want 159", snap.Close)
	}
	if !closeTo(snap.MAShort, 156) || !closeTo(snap.MAShortPrev, 155) {
		t.Fatalf("ma short=%v prev=%v", snap.MAShort, snap.MAShortPrev)
	}
	if snap.MAShort <= snap.MALong {
		t.Fatalf("rising series should have short MA above long MA")
	}
	if snap.MACD <= 0 {
		t.Fatalf("rising series MACD=%v want >0", snap.MACD)
	}
	if snap.RSI != 100 {
		t.Fatalf("rsi=%v want 100", snap.RSI)
	}
	if !types.IsFinite(snap.UpperBand, snap.LowerBand, snap.ATR, snap.MACDSignal) {
		t.Fatalf("snapshot has non-finite values: %+v", snap)
	}
}
