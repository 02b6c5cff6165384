package notifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"okx-signal-trader/pkg/types"
)

func closedEvent() *types.PositionEvent {
	return &types.PositionEvent{
		Type:       types.EventClosed,
		Instrument: "BTC-USDT",
		Side:       types.SideLong,
		Price:      50900,
		EntryPrice: 50000,
		Quantity:   0.02,
		Reason:     types.ExitTakeProfit,
		Time:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDingTalkSignedRequest(t *testing.T) {
	var got DingTalkMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ts := q.Get("timestamp")
		mac := hmac.New(sha256.New, []byte("SECxyz"))
		mac.Write([]byte(ts + "\nSECxyz"))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if q.Get("sign") != want {
			t.Errorf("sign=%s want %s", q.Get("sign"), want)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer server.Close()

	n := NewDingTalkNotifier(server.URL+"/robot/send?access_token=abc", "SECxyz")
	if err := n.SendPositionEvent(closedEvent()); err != nil {
		t.Fatalf("SendPositionEvent: %v", err)
	}
	if got.MsgType != "markdown" || got.Markdown == nil {
		t.Fatalf("message=%+v", got)
	}
	if !strings.Contains(got.Markdown.Text, "止盈") || !strings.Contains(got.Markdown.Text, "+1.80%") {
		t.Fatalf("markdown missing exit details:\n%s", got.Markdown.Text)
	}
}

func TestDingTalkAPIErrorFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":310000,"errmsg":"sign not match"}`))
	}))
	defer server.Close()

	n := NewDingTalkNotifier(server.URL, "")
	err := n.SendText("报告", "内容")
	if err == nil || !strings.Contains(err.Error(), "310000") {
		t.Fatalf("err=%v want dingtalk api error", err)
	}
}

func TestPushPlusRequest(t *testing.T) {
	var got PushPlusRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":"1"}`))
	}))
	defer server.Close()

	n := NewPushPlusNotifier("token", "friend")
	n.endpoint = server.URL

	event := &types.PositionEvent{
		Type: types.EventOpened, Instrument: "ETH-USDT-SWAP", Side: types.SideShort,
		Price: 3000, StopLoss: 3060, TakeProfit: 2940, Quantity: 4, Score: -72.5, Time: time.Now(),
	}
	if err := n.SendPositionEvent(event); err != nil {
		t.Fatalf("SendPositionEvent: %v", err)
	}
	if got.Token != "token" || got.To != "friend" || got.Template != "html" {
		t.Fatalf("request=%+v", got)
	}
	if !strings.Contains(got.Content, "trade-swap") || !strings.Contains(got.Title, "做空") {
		t.Fatalf("content=%s title=%s", got.Content, got.Title)
	}
}

type recordingNotifier struct {
	events int
	err    error
}

func (r *recordingNotifier) SendPositionEvent(*types.PositionEvent) error {
	r.events++
	return r.err
}

func (r *recordingNotifier) SendText(string, string) error { return r.err }

func TestMultiNotifierContinuesAfterFailure(t *testing.T) {
	failing := &recordingNotifier{err: fmt.Errorf("down")}
	ok := &recordingNotifier{}
	mn := &MultiNotifier{notifiers: []Interface{failing, ok}}

	if err := mn.SendPositionEvent(closedEvent()); err == nil {
		t.Fatalf("expected first error to be returned")
	}
	if ok.events != 1 {
		t.Fatalf("second notifier not called")
	}
}
