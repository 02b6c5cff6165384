package websocket

import (
	"fmt"
	"strconv"
	"time"

	"okx-signal-trader/pkg/types"
)

// parseTimestamp 解析时间戳（毫秒）
func parseTimestamp(ts string) (time.Time, error) {
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(timestamp), nil
}

// parseTicker 将 tickers 推送转换为 PriceTick
func parseTicker(instID, last, ts string) (types.PriceTick, error) {
	price, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return types.PriceTick{}, fmt.Errorf("解析最新价失败: %w", err)
	}
	if price <= 0 {
		return types.PriceTick{}, fmt.Errorf("最新价无效: %s", last)
	}

	at, err := parseTimestamp(ts)
	if err != nil {
		return types.PriceTick{}, fmt.Errorf("解析时间戳失败: %w", err)
	}

	return types.PriceTick{Symbol: instID, Price: price, Time: at}, nil
}
