package wsassist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/ports"
)

var upgrader = websocket.Upgrader{}

// 测试用 envelope：{"channel":"book"|"junk","seq":N}
type frame struct {
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
}

func decodeFrame(data []byte) (Decoded, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Decoded{}, err
	}
	if f.Channel != "book" {
		return Decoded{}, fmt.Errorf("unknown channel %q", f.Channel)
	}
	return Decoded{Book: &ports.BookMessage{
		Kind:        ports.BookMessageDiff,
		TradingPair: domain.NewTradingPair("ETH", "USDT"),
		UpdateID:    f.Seq,
		Orders: []ports.BookOrder{
			{OrderID: "x", Side: domain.SideBuy, Price: decimal.New(1, 0), Size: decimal.New(1, 0)},
		},
	}}, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_DeliversMessagesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// 先读订阅请求
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscription: %v", err)
			return
		}
		if sub["op"] != "subscribe" {
			t.Errorf("subscription = %v", sub)
		}
		for i := 1; i <= 5; i++ {
			if err := conn.WriteJSON(frame{Channel: "book", Seq: uint64(i)}); err != nil {
				return
			}
		}
		// 保持连接，等客户端关
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewStream(Config{
		URL:           wsURL(srv),
		Subscriptions: []any{map[string]any{"op": "subscribe", "channel": "book"}},
		Decode:        decodeFrame,
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	for want := uint64(1); want <= 5; want++ {
		select {
		case msg := <-s.BookMessages():
			if msg.UpdateID != want {
				t.Fatalf("out of order: got seq %d, want %d", msg.UpdateID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for seq %d", want)
		}
	}
	if !s.IsConnected() {
		t.Fatal("stream should report connected")
	}
}

func TestStream_SkipsUndecodableFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("this is not json"))
		_ = conn.WriteJSON(frame{Channel: "junk", Seq: 1})
		_ = conn.WriteJSON(frame{Channel: "book", Seq: 2})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewStream(Config{URL: wsURL(srv), Decode: decodeFrame})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	select {
	case msg := <-s.BookMessages():
		if msg.UpdateID != 2 {
			t.Fatalf("got seq %d, want 2（坏帧应被跳过）", msg.UpdateID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: 坏帧不应中断流")
	}
}

// 消费方先退出、队列被塞满时，Close 必须能打断卡在投递上的读循环
func TestStream_CloseUnderBackpressure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 1; i <= 50; i++ {
			if err := conn.WriteJSON(frame{Channel: "book", Seq: uint64(i)}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := NewStream(Config{URL: wsURL(srv), Decode: decodeFrame, QueueSize: 1})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// 只取一条就不再消费，让读循环堵在满队列上
	select {
	case <-s.BookMessages():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first message")
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close 被满队列卡死：投递必须能被取消")
	}
}

func TestStream_ConnectFailsFast(t *testing.T) {
	s := NewStream(Config{URL: "ws://127.0.0.1:1", Decode: decodeFrame})
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
