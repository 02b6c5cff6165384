package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"okx-signal-trader/internal/strategy/indicators"
	"okx-signal-trader/pkg/types"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error // 每个周期依次返回的错误
	bars     int
}

func (f *fakeSource) Candles(_ context.Context, instID, timeframe string, _ int) ([]*types.KLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[timeframe]++

	if errs := f.failures[timeframe]; len(errs) > 0 {
		err := errs[0]
		f.failures[timeframe] = errs[1:]
		return nil, err
	}

	klines := make([]*types.KLine, f.bars)
	for i := range klines {
		c := 100 + float64(i)
		klines[i] = &types.KLine{Symbol: instID, Open: c, High: c + 1, Low: c - 1, Close: c, Interval: timeframe}
	}
	return klines, nil
}

func newFetcher(src *fakeSource) *HistoryKlineFetcher {
	h := NewHistoryKlineFetcher(src, 100)
	h.retryDelay = 0
	return h
}

func TestFetchRetriesOnlyUnavailable(t *testing.T) {
	unavailable := fmt.Errorf("%w: timeout", types.ErrExchangeUnavailable)
	src := &fakeSource{bars: 50, failures: map[string][]error{"1m": {unavailable, unavailable}}}

	klines, err := newFetcher(src).FetchHistoryKlines(context.Background(), "BTC-USDT", "1m")
	if err != nil || len(klines) != 50 {
		t.Fatalf("klines=%d err=%v", len(klines), err)
	}
	if src.calls["1m"] != 3 {
		t.Fatalf("calls=%d want 3", src.calls["1m"])
	}

	bad := fmt.Errorf("%w: unknown instrument", types.ErrDataUnavailable)
	src = &fakeSource{bars: 50, failures: map[string][]error{"5m": {bad}}}
	if _, err := newFetcher(src).FetchHistoryKlines(context.Background(), "BTC-USDT", "5m"); !errors.Is(err, types.ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
	if src.calls["5m"] != 1 {
		t.Fatalf("data errors must not be retried, calls=%d", src.calls["5m"])
	}
}

func TestSnapshotsAllOrNothing(t *testing.T) {
	bad := fmt.Errorf("%w: empty", types.ErrDataUnavailable)
	src := &fakeSource{bars: 60, failures: map[string][]error{"15m": {bad}}}
	provider := NewSnapshotProvider("BTC-USDT", newFetcher(src), indicators.NewSnapshotBuilder())

	snaps, err := provider.Snapshots(context.Background(), []string{"1m", "5m", "15m"})
	if !errors.Is(err, types.ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
	if snaps != nil {
		t.Fatalf("partial snapshots returned: %v", snaps)
	}
}

func TestSnapshotsInsufficientHistory(t *testing.T) {
	src := &fakeSource{bars: 10}
	provider := NewSnapshotProvider("BTC-USDT", newFetcher(src), indicators.NewSnapshotBuilder())

	if _, err := provider.Snapshots(context.Background(), []string{"1m"}); !errors.Is(err, types.ErrDataUnavailable) {
		t.Fatalf("err=%v want ErrDataUnavailable", err)
	}
}

func TestSnapshotsSuccess(t *testing.T) {
	src := &fakeSource{bars: 60}
	provider := NewSnapshotProvider("BTC-USDT", newFetcher(src), indicators.NewSnapshotBuilder())

	snaps, err := provider.Snapshots(context.Background(), []string{"1m", "5m", "1h"})
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 3 || snaps["1h"].Close != 159 {
		t.Fatalf("snapshots=%v", snaps)
	}
}
