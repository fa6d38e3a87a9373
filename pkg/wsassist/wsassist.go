// Package wsassist 提供推送路径的 WebSocket 接入：自动重连、心跳、
// 订阅恢复，并把交易所消息按到达顺序解码进有序通道。
//
// 消息格式差异由 DecodeFunc 吸收：adapter 提供解码函数，把私有 JSON
// 转成归一化的 ports.BookMessage / ports.UserEvent，本包不关心字段细节。
package wsassist

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnector/internal/ports"
)

var wsLog = logrus.WithField("component", "ws_stream")

// Decoded 单条消息的解码结果（两个字段至多一个非空；都为空表示忽略该条）
type Decoded struct {
	Book *ports.BookMessage
	User *ports.UserEvent
}

// DecodeFunc 把一帧原始报文解码为归一化消息。
// 返回错误只影响这一帧（计数并丢弃），不会断开连接。
type DecodeFunc func(data []byte) (Decoded, error)

// Config 流客户端参数
type Config struct {
	URL            string
	Subscriptions  []any // 连接建立后按序发送的订阅请求（JSON 编码）
	Decode         DecodeFunc
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxReconnect   int // <=0 表示不限次数
	QueueSize      int
}

func (c *Config) fillDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// Stream 实现 ports.MarketDataSource：一条连接，两个有序输出通道。
type Stream struct {
	cfg Config

	bookC chan ports.BookMessage
	userC chan ports.UserEvent

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	reconnectCount int
	closed         bool

	parseErrCount uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStream(cfg Config) *Stream {
	cfg.fillDefaults()
	return &Stream{
		cfg:   cfg,
		bookC: make(chan ports.BookMessage, cfg.QueueSize),
		userC: make(chan ports.UserEvent, cfg.QueueSize),
	}
}

func (s *Stream) BookMessages() <-chan ports.BookMessage { return s.bookC }
func (s *Stream) UserEvents() <-chan ports.UserEvent     { return s.userC }

// Connect 建立连接并启动读循环与心跳。失败直接返回，不在这里重试；
// 连接建立后的断开由读循环带退避自动重连。
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return websocket.ErrCloseSent
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.dial(rctx); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.readPump(rctx)
	go s.pingLoop(rctx)
	return nil
}

// Close 断开连接并关闭输出通道
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	close(s.bookC)
	close(s.userC)
	return nil
}

func (s *Stream) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	// 按序重放订阅（重连后恢复原有订阅）
	for _, sub := range s.cfg.Subscriptions {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(sub); err != nil {
			_ = conn.Close()
			return err
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.reconnectCount = 0
	s.mu.Unlock()
	wsLog.Infof("WebSocket 已连接: %s", s.cfg.URL)
	return nil
}

// readPump 顺序读取，逐帧解码。连接断开时退避重连；
// 解码失败只丢这一帧，绝不中断流。
func (s *Stream) readPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			wsLog.Warnf("读取失败，准备重连: %v", err)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.dispatch(ctx, data)
	}
}

// dispatch 解码并投递一帧。队列满时也要能被 Close 打断：
// 消费方先退出的话读循环不能永久卡在发送上。
func (s *Stream) dispatch(ctx context.Context, data []byte) {
	decoded, err := s.cfg.Decode(data)
	if err != nil {
		s.mu.Lock()
		s.parseErrCount++
		n := s.parseErrCount
		s.mu.Unlock()
		wsLog.Debugf("丢弃无法解码的消息（累计 %d）: %v", n, err)
		return
	}
	switch {
	case decoded.Book != nil:
		select {
		case s.bookC <- *decoded.Book:
		case <-ctx.Done():
		}
	case decoded.User != nil:
		select {
		case s.userC <- *decoded.User:
		case <-ctx.Done():
		}
	}
}

// reconnect 带固定退避的重连。成功返回 true；
// 超过 MaxReconnect 或 ctx 取消返回 false。
func (s *Stream) reconnect(ctx context.Context) bool {
	for {
		s.mu.Lock()
		s.connected = false
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.reconnectCount++
		attempt := s.reconnectCount
		max := s.cfg.MaxReconnect
		s.mu.Unlock()

		if max > 0 && attempt > max {
			wsLog.Errorf("重连次数用尽（%d 次），放弃", max)
			return false
		}
		wsLog.Infof("第 %d 次重连，%s 后尝试...", attempt, s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.ReconnectDelay):
		}
		if err := s.dial(ctx); err != nil {
			wsLog.Warnf("重连失败: %v", err)
			continue
		}
		return true
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			ok := s.connected
			s.mu.Unlock()
			if !ok || conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				// 读循环会在 ReadMessage 出错时触发重连，这里只记录
				wsLog.Debugf("ping 发送失败: %v", err)
			}
		}
	}
}

// IsConnected 当前连接状态
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
