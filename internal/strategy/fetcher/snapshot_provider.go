package fetcher

import (
	"context"
	"fmt"

	"okx-signal-trader/internal/strategy/indicators"
	"okx-signal-trader/pkg/types"
)

// SnapshotProvider 为每个周期生成最新的指标快照
type SnapshotProvider struct {
	instrument string
	fetcher    *HistoryKlineFetcher
	builder    *indicators.SnapshotBuilder
}

// NewSnapshotProvider 创建快照提供者
func NewSnapshotProvider(instrument string, fetcher *HistoryKlineFetcher, builder *indicators.SnapshotBuilder) *SnapshotProvider {
	return &SnapshotProvider{
		instrument: instrument,
		fetcher:    fetcher,
		builder:    builder,
	}
}

// Snapshots 拉取所有周期的K线并计算快照。任一周期失败时不返回部分结果。
func (p *SnapshotProvider) Snapshots(ctx context.Context, timeframes []string) (map[string]types.IndicatorSnapshot, error) {
	klinesByTF, err := p.fetcher.FetchMultipleTimeframes(ctx, p.instrument, timeframes)
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", p.instrument, err)
	}

	snapshots := make(map[string]types.IndicatorSnapshot, len(timeframes))
	for _, tf := range timeframes {
		snapshot, err := p.builder.Build(klinesByTF[tf])
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", p.instrument, tf, err)
		}
		snapshots[tf] = snapshot
	}
	return snapshots, nil
}
