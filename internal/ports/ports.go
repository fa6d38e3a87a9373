// Package ports defines the capability interfaces between the exchange-agnostic
// core and per-venue adapters.
//
// NOTE: These interfaces live in a "neutral" package on purpose, to avoid
// circular dependencies between the connector runtime, trackers, and venue
// infrastructure. The core depends only on these; adapters implement them.
package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
)

// PlaceOrderRequest 已量化的下单请求（核心只发送量化后的值）
type PlaceOrderRequest struct {
	ClientOrderID string
	TradingPair   domain.TradingPair
	Side          domain.Side
	Type          domain.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
}

// TradingAPIClient 交易 API 能力接口（REST 轮询路径）
//
// 所有方法都接受 context 且可能因网络原因失败；瞬态失败由调用方带退避重试，
// 实现方不应无限阻塞。
type TradingAPIClient interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	FetchOrderStatus(ctx context.Context, exchangeOrderID string) (domain.OrderStatusUpdate, error)
	FetchBalances(ctx context.Context) ([]domain.AccountBalance, error)
	FetchTradingRules(ctx context.Context) ([]domain.TradingRule, error)
}

// BookMessageKind 行情消息类型
type BookMessageKind string

const (
	BookMessageSnapshot BookMessageKind = "snapshot"
	BookMessageDiff     BookMessageKind = "diff"
	BookMessageTrade    BookMessageKind = "trade"
)

// DiffAction 单条 diff 的动作（变更单位是"单个订单"而不是价位）
type DiffAction string

const (
	DiffActionNew    DiffAction = "new"
	DiffActionCancel DiffAction = "cancel"
	DiffActionFill   DiffAction = "fill"
)

// BookOrder snapshot/diff 中的单个挂单
type BookOrder struct {
	OrderID string
	Side    domain.Side
	Price   decimal.Decimal // cancel/fill 消息里经常缺省（零值），核心用 id 索引反查
	Size    decimal.Decimal // fill 时为剩余数量；0 表示完全成交
}

// BookMessage 归一化后的行情消息（adapter 把交易所私有格式转成它）
type BookMessage struct {
	Kind        BookMessageKind
	TradingPair domain.TradingPair
	Timestamp   int64  // 交易所时间戳（毫秒）
	UpdateID    uint64 // 单调递增的序号

	// snapshot: 全量挂单；diff: 本条涉及的挂单
	Orders []BookOrder
	Action DiffAction // 仅 diff 有效

	// trade: 执行记录（不改变簿状态）
	TradePrice  decimal.Decimal
	TradeAmount decimal.Decimal
	TradeSide   domain.Side
}

// UserEvent 用户私有流事件（订单状态 / 成交 / 余额，三选一非空）
type UserEvent struct {
	OrderUpdate *domain.OrderStatusUpdate
	Trade       *domain.Trade
	Balance     *domain.AccountBalance
}

// MarketDataSource 市场数据源：adapter 把归一化后的消息写入有序通道
type MarketDataSource interface {
	// BookMessages 返回按到达顺序排列的行情消息通道（关闭表示流结束）
	BookMessages() <-chan BookMessage
	// UserEvents 返回私有流事件通道
	UserEvents() <-chan UserEvent
	Connect(ctx context.Context) error
	Close() error
}

// 事件处理器接口（串行投递；实现方不应长时间阻塞）

type FillHandler interface {
	OnFill(ctx context.Context, ev events.FillEvent)
}

type OrderEventHandler interface {
	OnOrderCompleted(ctx context.Context, ev events.OrderCompletedEvent)
	OnOrderCancelled(ctx context.Context, ev events.OrderCancelledEvent)
	OnOrderFailed(ctx context.Context, ev events.OrderFailedEvent)
}

type BalanceHandler interface {
	OnBalanceUpdated(ctx context.Context, ev events.BalanceUpdatedEvent)
}

type BookRowHandler interface {
	OnBookRow(ctx context.Context, ev events.BookRowEvent)
}
