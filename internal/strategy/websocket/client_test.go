package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"okx-signal-trader/pkg/types"
)

func TestHandleMessageTickers(t *testing.T) {
	c := NewClient("", types.WebSocketConfig{})
	defer c.Close()

	msg := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"50123.4","ts":"1700000000000"}]}`
	if err := c.handleMessage([]byte(msg)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	select {
	case tick := <-c.Ticks():
		if tick.Symbol != "BTC-USDT" || tick.Price != 50123.4 || tick.Time.UnixMilli() != 1700000000000 {
			t.Fatalf("tick=%+v", tick)
		}
	default:
		t.Fatalf("no tick emitted")
	}

	if err := c.handleMessage([]byte("pong")); err != nil {
		t.Fatalf("pong should be ignored: %v", err)
	}
	if err := c.handleMessage([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`)); err == nil {
		t.Fatalf("expected error event to surface")
	}
}

func TestSubscribeAndStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan OKXSubscription, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub OKXSubscription
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscription: %v", err)
			return
		}
		subscribed <- sub

		push := map[string]any{
			"arg":  map[string]string{"channel": "tickers", "instId": "ETH-USDT"},
			"data": []map[string]string{{"instId": "ETH-USDT", "last": "3000.5", "ts": "1700000000000"}},
		}
		raw, _ := json.Marshal(push)
		_ = conn.WriteMessage(websocket.TextMessage, raw)

		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	c := NewClient("", types.WebSocketConfig{
		OKXEndpoint:       "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectInterval: 10 * time.Millisecond,
		PingInterval:      time.Second,
	})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Subscribe([]string{"ETH-USDT"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.StartReading()

	select {
	case sub := <-subscribed:
		if sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0].Channel != "tickers" {
			t.Fatalf("subscription=%+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not received")
	}

	select {
	case tick := <-c.Ticks():
		if tick.Price != 3000.5 {
			t.Fatalf("tick=%+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick not received")
	}
}
