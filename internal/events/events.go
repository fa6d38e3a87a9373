package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
)

// FillEvent 单笔成交事件（每个 trade id 恰好发出一次）
type FillEvent struct {
	ClientOrderID string
	TradeID       string
	TradingPair   domain.TradingPair
	Side          domain.Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	FeeAsset      string
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// OrderCompletedEvent 订单完全成交事件
type OrderCompletedEvent struct {
	Order     domain.InFlightOrder
	Timestamp time.Time
}

// OrderCancelledEvent 订单取消确认事件
type OrderCancelledEvent struct {
	Order     domain.InFlightOrder
	Timestamp time.Time
}

// OrderFailedEvent 订单失败事件（提交被拒 / 连续 not-found 判定失败）
type OrderFailedEvent struct {
	Order     domain.InFlightOrder
	Reason    string
	Timestamp time.Time
}

// BalanceUpdatedEvent 余额变化事件
type BalanceUpdatedEvent struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Timestamp time.Time
}

// BookRowEvent 订单簿价位行（聚合后的一个 price level 变化）
// UpdateID 单调递增；消费方应丢弃 <= 已应用 id 的行。
type BookRowEvent struct {
	TradingPair domain.TradingPair
	Side        domain.Side // SideBuy=bid 行, SideSell=ask 行
	Price       decimal.Decimal
	Size        decimal.Decimal // 该价位的聚合剩余数量；0 表示价位移除
	UpdateID    uint64
	Timestamp   time.Time
}
