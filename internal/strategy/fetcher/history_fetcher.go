package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// CandleSource K线数据来源
type CandleSource interface {
	Candles(ctx context.Context, instID, timeframe string, limit int) ([]*types.KLine, error)
}

// HistoryKlineFetcher 历史K线数据获取器
type HistoryKlineFetcher struct {
	source     CandleSource
	limit      int
	attempts   int
	retryDelay time.Duration
}

// NewHistoryKlineFetcher 创建历史K线获取器
func NewHistoryKlineFetcher(source CandleSource, limit int) *HistoryKlineFetcher {
	return &HistoryKlineFetcher{
		source:     source,
		limit:      limit,
		attempts:   3,
		retryDelay: time.Second,
	}
}

// FetchHistoryKlines 获取单个周期的K线，交易所不可用时重试
func (h *HistoryKlineFetcher) FetchHistoryKlines(ctx context.Context, instID, timeframe string) ([]*types.KLine, error) {
	var lastErr error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		if attempt > 1 {
			zap.L().Info("🔄 重试获取K线",
				zap.String("inst_id", instID),
				zap.String("timeframe", timeframe),
				zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * h.retryDelay):
			}
		}

		klines, err := h.source.Candles(ctx, instID, timeframe, h.limit)
		if err == nil {
			zap.L().Debug("✅ K线数据获取完成",
				zap.String("inst_id", instID),
				zap.String("timeframe", timeframe),
				zap.Int("received", len(klines)))
			return klines, nil
		}

		lastErr = err
		// 只有网络层面的失败值得重试
		if !errors.Is(err, types.ErrExchangeUnavailable) {
			break
		}
	}
	return nil, lastErr
}

// FetchMultipleTimeframes 并发获取多个周期的K线，任一周期失败则整体失败
func (h *HistoryKlineFetcher) FetchMultipleTimeframes(ctx context.Context, instID string, timeframes []string) (map[string][]*types.KLine, error) {
	type result struct {
		timeframe string
		klines    []*types.KLine
		err       error
	}

	results := make(chan result, len(timeframes))
	var wg sync.WaitGroup
	for _, tf := range timeframes {
		wg.Add(1)
		go func(timeframe string) {
			defer wg.Done()
			klines, err := h.FetchHistoryKlines(ctx, instID, timeframe)
			results <- result{timeframe: timeframe, klines: klines, err: err}
		}(tf)
	}
	wg.Wait()
	close(results)

	out := make(map[string][]*types.KLine, len(timeframes))
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.timeframe, r.err))
			continue
		}
		out[r.timeframe] = r.klines
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
