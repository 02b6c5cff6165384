package okx

import (
	"context"
	"math"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

type balanceData struct {
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
		CashBal  string `json:"cashBal"`
	} `json:"details"`
}

type positionData struct {
	InstID string `json:"instId"`
	Pos    string `json:"pos"`
}

// AvailableBalance 查询币种可用余额，账户中无该币种时返回0
func (c *Client) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	details, err := c.balanceDetails(ctx, asset)
	if err != nil {
		return 0, err
	}
	for _, d := range details.Details {
		if strings.EqualFold(d.Ccy, asset) {
			return parseNumber(d.AvailBal), nil
		}
	}
	return 0, nil
}

func (c *Client) balanceDetails(ctx context.Context, asset string) (balanceData, error) {
	query := url.Values{}
	query.Set("ccy", asset)

	var data []balanceData
	if err := c.do(ctx, "GET", "/api/v5/account/balance", query, nil, true, &data); err != nil {
		return balanceData{}, classify(types.ErrExecutionFailure, err, "查询余额 %s", asset)
	}
	if len(data) == 0 {
		return balanceData{}, nil
	}
	return data[0], nil
}

// PositionSize 交易所侧当前持仓数量（绝对值）。现货以基础币现金余额计。
func (c *Client) PositionSize(ctx context.Context, instID string) (float64, error) {
	if c.instType == types.InstTypeSpot {
		base := strings.SplitN(instID, "-", 2)[0]
		details, err := c.balanceDetails(ctx, base)
		if err != nil {
			return 0, err
		}
		for _, d := range details.Details {
			if strings.EqualFold(d.Ccy, base) {
				return parseNumber(d.CashBal), nil
			}
		}
		return 0, nil
	}

	query := url.Values{}
	query.Set("instType", c.instType)
	query.Set("instId", instID)

	var data []positionData
	if err := c.do(ctx, "GET", "/api/v5/account/positions", query, nil, true, &data); err != nil {
		return 0, classify(types.ErrExecutionFailure, err, "查询持仓 %s", instID)
	}
	total := 0.0
	for _, p := range data {
		total += math.Abs(parseNumber(p.Pos))
	}
	return total, nil
}

// SetLeverage 设置永续合约杠杆，现货忽略
func (c *Client) SetLeverage(ctx context.Context, instID string, leverage int) error {
	if c.instType != types.InstTypeSwap {
		return nil
	}
	payload := map[string]string{
		"instId":  instID,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": c.tdMode(),
	}
	if err := c.do(ctx, "POST", "/api/v5/account/set-leverage", nil, payload, true, nil); err != nil {
		return classify(types.ErrConfig, err, "设置杠杆 %s %dx", instID, leverage)
	}
	zap.L().Info("⚙️ 已设置杠杆", zap.String("inst_id", instID), zap.Int("leverage", leverage))
	return nil
}
