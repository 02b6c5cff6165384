package okx

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/nntaoli-project/goex/v2/model"
	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

type orderAck struct {
	OrdID  string `json:"ordId"`
	AlgoID string `json:"algoId"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

type orderDetail struct {
	OrdID     string `json:"ordId"`
	State     string `json:"state"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
}

// SubmitMarketOrder 市价开仓，提交后查询订单确认成交均价
func (c *Client) SubmitMarketOrder(ctx context.Context, instID string, side types.OrderSide, qty float64) (types.OrderResult, error) {
	return c.marketOrder(ctx, instID, side, qty, false)
}

// ClosePosition 以反向市价单平掉持仓，永续使用 reduceOnly
func (c *Client) ClosePosition(ctx context.Context, instID string, side types.Side, qty float64) (types.OrderResult, error) {
	return c.marketOrder(ctx, instID, side.ExitOrderSide(), qty, true)
}

func (c *Client) marketOrder(ctx context.Context, instID string, side types.OrderSide, qty float64, reduceOnly bool) (types.OrderResult, error) {
	payload := map[string]any{
		"instId":  instID,
		"tdMode":  c.tdMode(),
		"side":    string(side),
		"ordType": "market",
		"sz":      formatNumber(qty),
	}
	if c.instType == types.InstTypeSpot {
		// 现货市价买单默认按计价币下单，这里统一按基础币数量
		payload["tgtCcy"] = "base_ccy"
	} else if reduceOnly {
		payload["reduceOnly"] = true
	}

	ack, err := c.placeOrder(ctx, "/api/v5/trade/order", payload)
	if err != nil {
		return types.OrderResult{}, classify(types.ErrExecutionFailure, err, "市价单 %s %s %v", instID, side, qty)
	}

	zap.L().Info("📝 市价单已提交",
		zap.String("inst_id", instID),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.String("ord_id", ack.OrdID))

	return c.awaitFill(ctx, instID, ack.OrdID)
}

// awaitFill 轮询订单状态直到完全成交或次数耗尽。
// 仍未完全成交时撤掉剩余部分，以最终累计成交量为准；状态始终无法确认时返回 ErrExecutionFailure。
func (c *Client) awaitFill(ctx context.Context, instID, ordID string) (types.OrderResult, error) {
	result := types.OrderResult{OrderID: ordID}

	var (
		last     *orderDetail
		queryErr error
	)
poll:
	for attempt := 0; attempt < c.fillPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				queryErr = ctx.Err()
				break poll
			case <-time.After(c.fillPollInterval):
			}
		}

		detail, err := c.orderDetail(ctx, instID, ordID)
		if err != nil {
			zap.L().Warn("查询订单状态失败", zap.String("ord_id", ordID), zap.Error(err))
			queryErr = err
			continue
		}
		last = &detail

		switch detail.State {
		case "filled":
			return filledResult(result, detail), nil
		case "canceled", "mmp_canceled":
			return partialResult(result, detail), nil
		}
	}

	// 撤单和最终确认不受调用方取消影响
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	cancelErr := c.cancelOrder(instID, ordID)
	if cancelErr != nil {
		zap.L().Warn("撤销未成交订单失败", zap.String("ord_id", ordID), zap.Error(cancelErr))
	}
	if detail, err := c.orderDetail(settleCtx, instID, ordID); err == nil {
		last = &detail
	} else {
		queryErr = err
	}

	if last == nil {
		return result, fmt.Errorf("%w: 订单 %s 状态无法确认，已尝试撤单: %w", types.ErrExecutionFailure, ordID, queryErr)
	}
	if last.State == "filled" {
		return filledResult(result, *last), nil
	}
	if cancelErr != nil && last.State == "live" && parseNumber(last.AccFillSz) <= 0 {
		return result, fmt.Errorf("%w: 订单 %s 未成交且撤单失败: %w", types.ErrExecutionFailure, ordID, cancelErr)
	}
	return partialResult(result, *last), nil
}

func (c *Client) orderDetail(ctx context.Context, instID, ordID string) (orderDetail, error) {
	query := url.Values{}
	query.Set("instId", instID)
	query.Set("ordId", ordID)

	var details []orderDetail
	if err := c.do(ctx, "GET", "/api/v5/trade/order", query, nil, true, &details); err != nil {
		return orderDetail{}, err
	}
	if len(details) == 0 {
		return orderDetail{}, fmt.Errorf("订单 %s 不存在", ordID)
	}
	return details[0], nil
}

// cancelOrder 撤销普通订单
func (c *Client) cancelOrder(instID, ordID string) error {
	body, err := c.prv.CancelOrder(model.CurrencyPair{Symbol: instID}, ordID)
	if err != nil {
		return classify(types.ErrExecutionFailure, goexError(c.v5.UriOpts.CancelOrderUri, body, err), "撤单 %s", ordID)
	}
	zap.L().Info("🧹 已撤销未成交部分", zap.String("inst_id", instID), zap.String("ord_id", ordID))
	return nil
}

func filledResult(result types.OrderResult, detail orderDetail) types.OrderResult {
	result.Filled = true
	result.AvgPrice = parseNumber(detail.AvgPx)
	result.FilledQty = parseNumber(detail.AccFillSz)
	return result
}

// partialResult 撤单后有成交量即按部分成交返回，否则视为未成交
func partialResult(result types.OrderResult, detail orderDetail) types.OrderResult {
	filled := parseNumber(detail.AccFillSz)
	if filled <= 0 {
		return result
	}
	zap.L().Warn("⚠️ 订单部分成交",
		zap.String("ord_id", detail.OrdID),
		zap.String("state", detail.State),
		zap.Float64("filled", filled))
	return filledResult(result, detail)
}

// SubmitStopOrder 挂止损条件单，触发后市价成交
func (c *Client) SubmitStopOrder(ctx context.Context, instID string, side types.OrderSide, triggerPrice, qty float64, closePosition bool) (types.OrderResult, error) {
	payload := c.algoPayload(instID, side, qty, closePosition)
	payload["slTriggerPx"] = formatNumber(triggerPrice)
	payload["slOrdPx"] = "-1"

	ack, err := c.placeOrder(ctx, "/api/v5/trade/order-algo", payload)
	if err != nil {
		return types.OrderResult{}, classify(types.ErrExecutionFailure, err, "止损单 %s @%v", instID, triggerPrice)
	}
	zap.L().Info("🛡️ 止损单已挂出", zap.String("inst_id", instID), zap.Float64("trigger", triggerPrice), zap.String("algo_id", ack.AlgoID))
	return types.OrderResult{OrderID: ack.AlgoID}, nil
}

// SubmitTakeProfitOrder 挂止盈条件单，触发后市价成交
func (c *Client) SubmitTakeProfitOrder(ctx context.Context, instID string, side types.OrderSide, triggerPrice, qty float64, closePosition bool) (types.OrderResult, error) {
	payload := c.algoPayload(instID, side, qty, closePosition)
	payload["tpTriggerPx"] = formatNumber(triggerPrice)
	payload["tpOrdPx"] = "-1"

	ack, err := c.placeOrder(ctx, "/api/v5/trade/order-algo", payload)
	if err != nil {
		return types.OrderResult{}, classify(types.ErrExecutionFailure, err, "止盈单 %s @%v", instID, triggerPrice)
	}
	zap.L().Info("🎯 止盈单已挂出", zap.String("inst_id", instID), zap.Float64("trigger", triggerPrice), zap.String("algo_id", ack.AlgoID))
	return types.OrderResult{OrderID: ack.AlgoID}, nil
}

func (c *Client) algoPayload(instID string, side types.OrderSide, qty float64, closePosition bool) map[string]any {
	payload := map[string]any{
		"instId":  instID,
		"tdMode":  c.tdMode(),
		"side":    string(side),
		"ordType": "conditional",
	}
	if c.instType == types.InstTypeSwap && closePosition {
		payload["closeFraction"] = "1"
		payload["reduceOnly"] = true
	} else {
		payload["sz"] = formatNumber(qty)
	}
	if c.instType == types.InstTypeSpot {
		payload["tgtCcy"] = "base_ccy"
	}
	return payload
}

// CancelOrders 撤销条件单
func (c *Client) CancelOrders(ctx context.Context, instID string, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	payload := make([]map[string]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		payload = append(payload, map[string]string{"algoId": id, "instId": instID})
	}

	var acks []orderAck
	if err := c.do(ctx, "POST", "/api/v5/trade/cancel-algos", nil, payload, true, &acks); err != nil {
		return classify(types.ErrExecutionFailure, err, "撤销条件单 %v", orderIDs)
	}
	for _, ack := range acks {
		if ack.SCode != "" && ack.SCode != "0" {
			return fmt.Errorf("%w: 撤销条件单 %s: %w", types.ErrExecutionFailure, ack.AlgoID, &APIError{Code: ack.SCode, Msg: ack.SMsg})
		}
	}
	return nil
}

// placeOrder 下单并检查单条结果的 sCode
func (c *Client) placeOrder(ctx context.Context, path string, payload map[string]any) (orderAck, error) {
	var acks []orderAck
	if err := c.do(ctx, "POST", path, nil, payload, true, &acks); err != nil {
		// 批量结果中的sCode比外层code更具体
		if len(acks) > 0 && acks[0].SCode != "0" {
			return orderAck{}, &APIError{Code: acks[0].SCode, Msg: acks[0].SMsg}
		}
		return orderAck{}, err
	}
	if len(acks) == 0 {
		return orderAck{}, &APIError{Code: "empty", Msg: "下单响应为空"}
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return orderAck{}, &APIError{Code: acks[0].SCode, Msg: acks[0].SMsg}
	}
	return acks[0], nil
}
