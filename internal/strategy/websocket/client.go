package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// Client OKX公共行情WebSocket客户端，订阅 tickers 频道
type Client struct {
	endpoint      string
	proxy         string
	conn          *websocket.Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
	isConnected   bool
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	tickChan      chan types.PriceTick
	config        types.WebSocketConfig
	instruments   []string
}

// OKXTickerResponse OKX tickers 推送
type OKXTickerResponse struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	} `json:"data"`
}

type subscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// OKXSubscription OKX订阅消息
type OKXSubscription struct {
	Op   string            `json:"op"`
	Args []subscriptionArg `json:"args"`
}

// NewClient 创建新的WebSocket客户端
func NewClient(proxy string, config types.WebSocketConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		endpoint:      config.OKXEndpoint,
		proxy:         proxy,
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		tickChan:      make(chan types.PriceTick, 1000),
		config:        config,
	}
}

// Connect 建立WebSocket连接
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := *websocket.DefaultDialer
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil {
			return fmt.Errorf("解析代理URL失败: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: WebSocket连接失败: %w", types.ErrExchangeUnavailable, err)
	}

	c.conn = conn
	c.isConnected = true

	zap.L().Info("✅ WebSocket连接建立成功",
		zap.String("endpoint", c.endpoint),
		zap.String("proxy", c.proxy))

	return nil
}

// Subscribe 订阅实时成交价，重连后自动重新订阅
func (c *Client) Subscribe(instruments []string) error {
	c.mu.Lock()
	c.instruments = append([]string(nil), instruments...)
	c.mu.Unlock()
	return c.sendSubscription()
}

func (c *Client) sendSubscription() error {
	c.mu.RLock()
	conn := c.conn
	instruments := c.instruments
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("WebSocket未连接")
	}

	subscription := OKXSubscription{Op: "subscribe"}
	for _, inst := range instruments {
		subscription.Args = append(subscription.Args, subscriptionArg{Channel: "tickers", InstID: inst})
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(subscription)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("发送订阅消息失败: %w", err)
	}

	zap.L().Info("📊 已订阅实时价格", zap.Strings("instruments", instruments))
	return nil
}

// StartReading 开始读取WebSocket数据
func (c *Client) StartReading() {
	go c.readLoop()
	go c.reconnectLoop()
	go c.pingLoop()
}

// readLoop 读取数据循环
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("WebSocket读取panic", zap.Any("error", r))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			zap.L().Error("WebSocket读取消息失败", zap.Error(err))
			c.handleDisconnect(conn)
			continue
		}

		if err := c.handleMessage(message); err != nil {
			zap.L().Warn("解析行情数据失败", zap.Error(err))
		}
	}
}

// handleMessage 解析推送消息，tickers 数据转为 PriceTick
func (c *Client) handleMessage(message []byte) error {
	if string(message) == "pong" {
		return nil
	}

	var response OKXTickerResponse
	if err := json.Unmarshal(message, &response); err != nil {
		return err
	}

	switch response.Event {
	case "subscribe":
		return nil
	case "error":
		return fmt.Errorf("订阅失败: code=%s msg=%s", response.Code, response.Msg)
	}

	if response.Arg.Channel != "tickers" {
		return nil
	}

	for _, d := range response.Data {
		tick, err := parseTicker(d.InstID, d.Last, d.Ts)
		if err != nil {
			zap.L().Warn("解析单条行情失败", zap.Error(err))
			continue
		}

		select {
		case c.tickChan <- tick:
		default:
			zap.L().Warn("行情通道满，丢弃数据", zap.String("inst_id", tick.Symbol))
		}
	}
	return nil
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	reconnectAttempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			reconnectAttempts++
			if c.config.MaxReconnectAttempts > 0 && reconnectAttempts > c.config.MaxReconnectAttempts {
				zap.L().Error("达到最大重连次数，停止重连",
					zap.Int("max_attempts", c.config.MaxReconnectAttempts))
				return
			}

			zap.L().Info("尝试重连WebSocket",
				zap.Int("attempt", reconnectAttempts),
				zap.Int("max_attempts", c.config.MaxReconnectAttempts))

			if err := c.Connect(); err != nil {
				zap.L().Error("重连失败", zap.Error(err))
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.config.ReconnectInterval):
				}
				c.triggerReconnect()
				continue
			}

			if err := c.sendSubscription(); err != nil {
				zap.L().Error("重新订阅失败", zap.Error(err))
			}

			reconnectAttempts = 0
			zap.L().Info("WebSocket重连成功")
		}
	}
}

// pingLoop OKX要求30秒内有消息往来，定时发送文本 ping
func (c *Client) pingLoop() {
	interval := c.config.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			isConnected := c.isConnected
			c.mu.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			c.writeMu.Unlock()
			if err != nil {
				zap.L().Error("发送心跳失败", zap.Error(err))
				c.handleDisconnect(conn)
			}
		}
	}
}

// handleDisconnect 处理断线，只关闭出错的那条连接
func (c *Client) handleDisconnect(failed *websocket.Conn) {
	c.mu.Lock()
	if c.conn != failed {
		c.mu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.isConnected = false
	c.mu.Unlock()

	c.triggerReconnect()
}

func (c *Client) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// Ticks 实时价格通道
func (c *Client) Ticks() <-chan types.PriceTick {
	return c.tickChan
}

// Close 关闭WebSocket连接
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.isConnected = false
		return err
	}

	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}
