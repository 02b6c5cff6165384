package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nntaoli-project/goex/v2/model"
	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// maxCandleLimit 单次请求K线上限
const maxCandleLimit = 300

// Candles 获取最近的K线，按时间从旧到新返回
func (c *Client) Candles(ctx context.Context, instID, timeframe string, limit int) ([]*types.KLine, error) {
	if limit <= 0 || limit > maxCandleLimit {
		limit = maxCandleLimit
	}
	// goex 请求不带 context，发起前检查是否已取消
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: 获取K线 %s %s: %w", types.ErrDataUnavailable, instID, timeframe, err)
	}

	params := url.Values{}
	params.Set("instId", instID)
	params.Set("bar", BarOf(timeframe))
	params.Set("limit", strconv.Itoa(limit))

	uri := c.v5.UriOpts.KlineUri
	data, body, err := c.v5.DoNoAuthRequest(http.MethodGet, c.v5.UriOpts.Endpoint+uri, &params)
	if err != nil {
		return nil, classify(types.ErrDataUnavailable, goexError(uri, body, err), "获取K线 %s %s", instID, timeframe)
	}
	rows, err := c.v5.UnmarshalOpts.KlineUnmarshaler(data)
	if err != nil {
		return nil, fmt.Errorf("%w: 解析K线 %s %s: %w", types.ErrDataUnavailable, instID, timeframe, err)
	}

	klines := make([]*types.KLine, 0, len(rows))
	for _, row := range rows {
		if row.Timestamp <= 0 || row.Close <= 0 {
			zap.L().Warn("跳过无效K线", zap.String("inst_id", instID), zap.Int64("ts", row.Timestamp))
			continue
		}
		klines = append(klines, toKLine(instID, timeframe, row))
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: %s %s 无K线数据", types.ErrDataUnavailable, instID, timeframe)
	}

	// OKX返回的数据是从新到旧排序，需要反转为从旧到新
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

func toKLine(instID, timeframe string, k model.Kline) *types.KLine {
	openTime := time.UnixMilli(k.Timestamp)
	return &types.KLine{
		Symbol:    instID,
		OpenTime:  openTime,
		CloseTime: openTime.Add(Duration(timeframe)),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Vol,
		Interval:  timeframe,
	}
}

// BarOf 将配置中的周期转换为OKX bar参数，小时及以上周期为大写
func BarOf(timeframe string) string {
	if strings.HasSuffix(timeframe, "h") || strings.HasSuffix(timeframe, "d") || strings.HasSuffix(timeframe, "w") {
		return strings.ToUpper(timeframe)
	}
	return timeframe
}

// Duration 周期时长
func Duration(timeframe string) time.Duration {
	switch BarOf(timeframe) {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1H":
		return time.Hour
	case "2H":
		return 2 * time.Hour
	case "4H":
		return 4 * time.Hour
	case "6H":
		return 6 * time.Hour
	case "12H":
		return 12 * time.Hour
	case "1D":
		return 24 * time.Hour
	case "1W":
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}

type instrumentData struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
}

// Instrument 查询交易品种精度规则
func (c *Client) Instrument(ctx context.Context, instID string) (types.InstrumentRules, error) {
	if err := ctx.Err(); err != nil {
		return types.InstrumentRules{}, fmt.Errorf("%w: 查询品种 %s: %w", types.ErrDataUnavailable, instID, err)
	}

	pairs, body, err := c.v5.GetExchangeInfo(c.instType, model.OptionParameter{Key: "instId", Value: instID})
	if err != nil {
		return types.InstrumentRules{}, classify(types.ErrDataUnavailable, goexError(c.v5.UriOpts.GetExchangeInfoUri, body, err), "查询品种 %s", instID)
	}

	var (
		pair  model.CurrencyPair
		found bool
	)
	for _, p := range pairs {
		if p.Symbol == instID {
			pair, found = p, true
			break
		}
	}
	if !found {
		return types.InstrumentRules{}, fmt.Errorf("%w: 品种 %s 不存在", types.ErrDataUnavailable, instID)
	}

	// goex 只保留精度位数，价格和数量步长（如 tickSz=0.5）从原始响应读取
	var envelope response
	var details []instrumentData
	if err := json.Unmarshal(body, &envelope); err != nil {
		return types.InstrumentRules{}, fmt.Errorf("%w: 解析品种 %s: %w", types.ErrDataUnavailable, instID, err)
	}
	if err := json.Unmarshal(envelope.Data, &details); err != nil {
		return types.InstrumentRules{}, fmt.Errorf("%w: 解析品种 %s: %w", types.ErrDataUnavailable, instID, err)
	}

	rules := types.InstrumentRules{
		InstID:        pair.Symbol,
		MinSize:       pair.MinQty,
		ContractValue: pair.ContractVal,
	}
	for _, d := range details {
		if d.InstID == instID {
			rules.TickSize = parseNumber(d.TickSz)
			rules.LotSize = parseNumber(d.LotSz)
		}
	}
	if rules.TickSize <= 0 || rules.LotSize <= 0 {
		return types.InstrumentRules{}, fmt.Errorf("%w: 品种 %s 缺少精度规则", types.ErrDataUnavailable, instID)
	}
	if rules.ContractValue == 0 {
		rules.ContractValue = 1
	}
	return rules, nil
}

// parseNumber OKX数值字段为字符串，空串视为0
func parseNumber(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
