package notifier

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// safePadding 安全地计算填充空格数量，避免负数
func safePadding(content string, totalWidth int) int {
	// 使用utf8.RuneCountInString计算实际显示字符数，而不是字节数
	runeCount := utf8.RuneCountInString(content)
	padding := totalWidth - runeCount - 4 // 4是边框字符数
	if padding < 0 {
		padding = 0
	}
	return padding
}

// buildTradingURL 根据交易品种生成OKX交易页链接
func buildTradingURL(instrument string) string {
	market := "trade-spot"
	if strings.HasSuffix(instrument, "-SWAP") {
		market = "trade-swap"
	}
	return fmt.Sprintf("https://www.okx.com/%s/%s", market, strings.ToLower(instrument))
}

// sideText 持仓方向中文
func sideText(side types.Side) string {
	if side == types.SideShort {
		return "做空"
	}
	return "做多"
}

// reasonText 平仓原因中文
func reasonText(reason types.ExitReason) string {
	switch reason {
	case types.ExitStopLoss:
		return "止损"
	case types.ExitTakeProfit:
		return "止盈"
	case types.ExitOpposite:
		return "反向信号"
	case types.ExitExternal:
		return "交易所侧平仓"
	default:
		return string(reason)
	}
}

// eventTitle 通知标题
func eventTitle(event *types.PositionEvent) string {
	if event.Type == types.EventOpened {
		return fmt.Sprintf("📥 开仓 %s %s", sideText(event.Side), event.Instrument)
	}
	return fmt.Sprintf("📤 平仓 %s %s（%s）", sideText(event.Side), event.Instrument, reasonText(event.Reason))
}

// Interface 通知接口
type Interface interface {
	SendPositionEvent(event *types.PositionEvent) error
	SendText(title, content string) error
}

// ConsoleNotifier 控制台通知器
type ConsoleNotifier struct{}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{}
}

func (cn *ConsoleNotifier) SendPositionEvent(event *types.PositionEvent) error {
	cn.printEvent(event)
	return nil
}

func (cn *ConsoleNotifier) SendText(title, content string) error {
	lines := append([]string{title, ""}, strings.Split(strings.TrimSpace(content), "\n")...)
	cn.printBox(lines, 70)
	return nil
}

func (cn *ConsoleNotifier) printEvent(event *types.PositionEvent) {
	lines := []string{
		eventTitle(event),
		"",
		fmt.Sprintf("交易品种: %s", event.Instrument),
		fmt.Sprintf("方向: %s", sideText(event.Side)),
		fmt.Sprintf("数量: %v", event.Quantity),
	}
	if event.Type == types.EventOpened {
		lines = append(lines,
			fmt.Sprintf("入场价格: %.6f", event.Price),
			fmt.Sprintf("止损价格: %.6f", event.StopLoss),
			fmt.Sprintf("止盈价格: %.6f", event.TakeProfit),
			fmt.Sprintf("综合得分: %.2f", event.Score),
		)
	} else {
		lines = append(lines,
			fmt.Sprintf("入场价格: %.6f", event.EntryPrice),
			fmt.Sprintf("平仓价格: %.6f", event.Price),
			fmt.Sprintf("收益率: %+.2f%%", event.ReturnPct()),
		)
	}
	lines = append(lines, fmt.Sprintf("时间: %s", event.Time.Format("2006-01-02 15:04:05")))
	cn.printBox(lines, 60)
}

func (cn *ConsoleNotifier) printBox(lines []string, width int) {
	fmt.Println()
	fmt.Println("╔" + strings.Repeat("═", width) + "╗")
	for _, line := range lines {
		if line == "" {
			fmt.Println("║" + strings.Repeat(" ", width) + "║")
			continue
		}
		fmt.Printf("║ %s%s ║\n", line, strings.Repeat(" ", safePadding(line, width+2)))
	}
	fmt.Println("╚" + strings.Repeat("═", width) + "╝")
	fmt.Println()
}

// MultiNotifier 同时发往多个渠道，任一失败不影响其他渠道
type MultiNotifier struct {
	notifiers []Interface
}

// New 按配置组装通知渠道，未配置任何远程渠道时使用控制台输出
func New(dingTalk types.DingTalkConfig, pushPlus types.PushPlusConfig) Interface {
	var notifiers []Interface
	if dingTalk.WebhookURL != "" {
		notifiers = append(notifiers, NewDingTalkNotifier(dingTalk.WebhookURL, dingTalk.Secret))
	}
	if pushPlus.UserToken != "" {
		notifiers = append(notifiers, NewPushPlusNotifier(pushPlus.UserToken, pushPlus.To))
	}
	if len(notifiers) == 0 {
		zap.L().Info("🔧 未配置远程通知渠道，使用控制台输出模式")
		return NewConsoleNotifier()
	}
	if len(notifiers) == 1 {
		return notifiers[0]
	}
	return &MultiNotifier{notifiers: notifiers}
}

func (mn *MultiNotifier) SendPositionEvent(event *types.PositionEvent) error {
	var firstErr error
	for _, n := range mn.notifiers {
		if err := n.SendPositionEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (mn *MultiNotifier) SendText(title, content string) error {
	var firstErr error
	for _, n := range mn.notifiers {
		if err := n.SendText(title, content); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
