package notifier

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// DingTalkNotifier 钉钉通知器
type DingTalkNotifier struct {
	webhookURL string
	secret     string
	httpClient *http.Client
	fallback   *ConsoleNotifier
}

// DingTalkMessage 钉钉消息结构
type DingTalkMessage struct {
	MsgType  string            `json:"msgtype"`
	Markdown *DingTalkMarkdown `json:"markdown,omitempty"`
	At       *DingTalkAt       `json:"at,omitempty"`
}

type DingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type DingTalkAt struct {
	AtAll bool `json:"isAtAll"`
}

// DingTalkResponse 钉钉API响应
type DingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func NewDingTalkNotifier(webhookURL, secret string) *DingTalkNotifier {
	if secret != "" {
		zap.L().Info("✅ 已配置钉钉通知服务（含加签验证）")
	} else {
		zap.L().Warn("⚠️ 钉钉通知已配置，但未设置secret（建议配置加签验证）")
	}

	return &DingTalkNotifier{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   NewConsoleNotifier(),
	}
}

func (dtn *DingTalkNotifier) SendPositionEvent(event *types.PositionEvent) error {
	title := eventTitle(event)
	if err := dtn.sendDingTalkMessage(title, dtn.buildMarkdownContent(event)); err != nil {
		zap.L().Error("❌ 钉钉发送失败，降级为控制台输出", zap.Error(err))
		_ = dtn.fallback.SendPositionEvent(event)
		return err
	}

	zap.L().Info("✅ 钉钉通知已发送", zap.String("title", title))
	return nil
}

func (dtn *DingTalkNotifier) SendText(title, content string) error {
	if err := dtn.sendDingTalkMessage(title, "## "+title+"\n\n"+content); err != nil {
		zap.L().Error("❌ 钉钉发送失败，降级为控制台输出", zap.Error(err))
		_ = dtn.fallback.SendText(title, content)
		return err
	}
	return nil
}

// generateSignature 钉钉加签: Base64(HMAC-SHA256(timestamp + "\n" + secret))
func (dtn *DingTalkNotifier) generateSignature(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dtn.secret)

	h := hmac.New(sha256.New, []byte(dtn.secret))
	h.Write([]byte(stringToSign))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// buildSignedURL 构建带签名的URL
func (dtn *DingTalkNotifier) buildSignedURL(now time.Time) string {
	if dtn.secret == "" {
		return dtn.webhookURL
	}

	timestamp := now.UnixMilli()
	separator := "&"
	if !strings.Contains(dtn.webhookURL, "?") {
		separator = "?"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s",
		dtn.webhookURL, separator, timestamp, dtn.generateSignature(timestamp))
}

// buildMarkdownContent 构建开平仓的Markdown内容
func (dtn *DingTalkNotifier) buildMarkdownContent(event *types.PositionEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s\n\n", eventTitle(event))
	fmt.Fprintf(&b, "**交易品种**: [%s](%s)  \n", event.Instrument, buildTradingURL(event.Instrument))
	fmt.Fprintf(&b, "**方向**: %s  \n", sideText(event.Side))
	fmt.Fprintf(&b, "**数量**: %v  \n", event.Quantity)

	if event.Type == types.EventOpened {
		fmt.Fprintf(&b, "**入场价格**: %.6f  \n", event.Price)
		fmt.Fprintf(&b, "**止损价格**: <font color=\"red\">%.6f</font>  \n", event.StopLoss)
		fmt.Fprintf(&b, "**止盈价格**: <font color=\"green\">%.6f</font>  \n", event.TakeProfit)
		fmt.Fprintf(&b, "**综合得分**: %.2f  \n", event.Score)
	} else {
		color := "green"
		if event.ReturnPct() < 0 {
			color = "red"
		}
		fmt.Fprintf(&b, "**入场价格**: %.6f  \n", event.EntryPrice)
		fmt.Fprintf(&b, "**平仓价格**: %.6f  \n", event.Price)
		fmt.Fprintf(&b, "**收益率**: <font color=\"%s\">%+.2f%%</font>  \n", color, event.ReturnPct())
		fmt.Fprintf(&b, "**平仓原因**: %s  \n", reasonText(event.Reason))
	}
	fmt.Fprintf(&b, "**时间**: %s\n", event.Time.Format("2006-01-02 15:04:05"))

	return b.String()
}

// sendDingTalkMessage 发送钉钉消息
func (dtn *DingTalkNotifier) sendDingTalkMessage(title, content string) error {
	message := &DingTalkMessage{
		MsgType: "markdown",
		Markdown: &DingTalkMarkdown{
			Title: title,
			Text:  content,
		},
		At: &DingTalkAt{
			AtAll: false, // 不@所有人，避免过度打扰
		},
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	resp, err := dtn.httpClient.Post(dtn.buildSignedURL(time.Now()), "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var dingResp DingTalkResponse
	if err := json.NewDecoder(resp.Body).Decode(&dingResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if dingResp.ErrCode != 0 {
		return fmt.Errorf("钉钉API错误 [%d]: %s", dingResp.ErrCode, dingResp.ErrMsg)
	}

	return nil
}
