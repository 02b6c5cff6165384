package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

const pushPlusEndpoint = "http://www.pushplus.plus/send"

// PushPlusNotifier PushPlus通知器
type PushPlusNotifier struct {
	userToken  string
	to         string // 好友令牌，多人用逗号分隔
	endpoint   string
	httpClient *http.Client
	fallback   *ConsoleNotifier
}

type PushPlusRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
}

type PushPlusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

func NewPushPlusNotifier(userToken, to string) *PushPlusNotifier {
	if to != "" {
		zap.L().Info("✅ 已配置PushPlus通知服务（包含好友推送）", zap.String("to", to))
	} else {
		zap.L().Info("✅ 已配置PushPlus通知服务")
	}

	return &PushPlusNotifier{
		userToken:  userToken,
		to:         to,
		endpoint:   pushPlusEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   NewConsoleNotifier(),
	}
}

func (ppn *PushPlusNotifier) SendPositionEvent(event *types.PositionEvent) error {
	title := eventTitle(event)
	if err := ppn.sendPushPlusMessage(title, ppn.buildHTMLContent(event)); err != nil {
		zap.L().Error("❌ PushPlus发送失败，降级为控制台输出", zap.Error(err))
		_ = ppn.fallback.SendPositionEvent(event)
		return err
	}

	zap.L().Info("✅ PushPlus通知已发送", zap.String("title", title))
	return nil
}

func (ppn *PushPlusNotifier) SendText(title, content string) error {
	html := "<pre>" + strings.TrimSpace(content) + "</pre>"
	if err := ppn.sendPushPlusMessage(title, html); err != nil {
		zap.L().Error("❌ PushPlus发送失败，降级为控制台输出", zap.Error(err))
		_ = ppn.fallback.SendText(title, content)
		return err
	}
	return nil
}

func (ppn *PushPlusNotifier) buildHTMLContent(event *types.PositionEvent) string {
	var b strings.Builder

	b.WriteString(`<div style="font-family: Arial, sans-serif; padding: 12px;">`)
	fmt.Fprintf(&b, `<h3>%s</h3>`, eventTitle(event))
	fmt.Fprintf(&b, `<p><b>交易品种</b>: <a href="%s">%s</a></p>`, buildTradingURL(event.Instrument), event.Instrument)
	fmt.Fprintf(&b, `<p><b>数量</b>: %v</p>`, event.Quantity)

	if event.Type == types.EventOpened {
		fmt.Fprintf(&b, `<p><b>入场价格</b>: %.6f</p>`, event.Price)
		fmt.Fprintf(&b, `<p><b>止损价格</b>: <span style="color:#e74c3c">%.6f</span></p>`, event.StopLoss)
		fmt.Fprintf(&b, `<p><b>止盈价格</b>: <span style="color:#27ae60">%.6f</span></p>`, event.TakeProfit)
		fmt.Fprintf(&b, `<p><b>综合得分</b>: %.2f</p>`, event.Score)
	} else {
		color := "#27ae60"
		if event.ReturnPct() < 0 {
			color = "#e74c3c"
		}
		fmt.Fprintf(&b, `<p><b>入场价格</b>: %.6f</p>`, event.EntryPrice)
		fmt.Fprintf(&b, `<p><b>平仓价格</b>: %.6f</p>`, event.Price)
		fmt.Fprintf(&b, `<p><b>收益率</b>: <span style="color:%s">%+.2f%%</span></p>`, color, event.ReturnPct())
	}
	fmt.Fprintf(&b, `<p style="color:#888">%s</p></div>`, event.Time.Format("2006-01-02 15:04:05"))

	return b.String()
}

func (ppn *PushPlusNotifier) sendPushPlusMessage(title, content string) error {
	reqData := PushPlusRequest{
		Token:    ppn.userToken,
		Title:    title,
		Content:  content,
		Template: "html",
		To:       ppn.to,
	}

	jsonData, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("序列化请求数据失败: %w", err)
	}

	resp, err := ppn.httpClient.Post(ppn.endpoint, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var pushResp PushPlusResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if pushResp.Code != 200 {
		return fmt.Errorf("PushPlus API错误: %s", pushResp.Msg)
	}

	return nil
}
