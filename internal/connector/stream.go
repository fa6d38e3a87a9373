package connector

import (
	"context"

	"github.com/betbot/goconnector/internal/ports"
)

// consumeBookStream 按到达顺序逐条消费行情消息。
// 单条消息的处理错误/panic 被隔离，不会终止整个流。
func (c *Connector) consumeBookStream(ctx context.Context) {
	ch := c.source.BookMessages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				connLog.Warn("行情消息通道已关闭")
				return
			}
			c.processBookMessage(msg)
		}
	}
}

func (c *Connector) processBookMessage(msg ports.BookMessage) {
	defer func() {
		if r := recover(); r != nil {
			connLog.Errorf("行情消息处理 panic（丢弃该条）: pair=%s kind=%s err=%v",
				msg.TradingPair, msg.Kind, r)
		}
	}()

	c.mu.RLock()
	st, ok := c.books[msg.TradingPair.String()]
	c.mu.RUnlock()
	if !ok {
		connLog.Debugf("忽略未注册交易对的行情: %s", msg.TradingPair)
		return
	}

	// 聚合器是单写者（只有本 goroutine 调 Apply），把订单级消息折叠成价位行
	bidRows, askRows := st.agg.Apply(msg)

	switch msg.Kind {
	case ports.BookMessageSnapshot:
		st.book.ApplySnapshot(bidRows, askRows)
	case ports.BookMessageDiff:
		for _, row := range bidRows {
			st.book.ApplyDiff(row)
		}
		for _, row := range askRows {
			st.book.ApplyDiff(row)
		}
	case ports.BookMessageTrade:
		// trade 不改变簿状态，rows 为空
	}

	c.emitRows(bidRows)
	c.emitRows(askRows)
}

// consumeUserStream 消费私有流：订单状态、成交、余额。
// 与轮询共用同一套 transition 入口，到达顺序不影响最终状态。
func (c *Connector) consumeUserStream(ctx context.Context) {
	ch := c.source.UserEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				connLog.Warn("私有流通道已关闭")
				return
			}
			c.processUserEvent(ev)
		}
	}
}

func (c *Connector) processUserEvent(ev ports.UserEvent) {
	defer func() {
		if r := recover(); r != nil {
			connLog.Errorf("私有流事件处理 panic（丢弃该条）: %v", r)
		}
	}()

	switch {
	case ev.OrderUpdate != nil:
		c.tracker.ProcessOrderUpdate(*ev.OrderUpdate)
	case ev.Trade != nil:
		c.tracker.ApplyFill(*ev.Trade)
	case ev.Balance != nil:
		c.ledger.ApplyBalanceUpdate(*ev.Balance)
	default:
		connLog.Debug("忽略空的私有流事件")
	}
}
