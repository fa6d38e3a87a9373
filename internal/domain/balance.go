package domain

import "github.com/shopspring/decimal"

// AccountBalance 账户单资产余额
// Available 在交易所不提供实时可用余额时由 ledger 推导。
type AccountBalance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// OrderStatusUpdate 轮询/推送统一的订单状态更新（adapter 归一化后的形状）
type OrderStatusUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     TradingPair
	State           OrderState
	NotFound        bool // 交易所返回"订单不存在"（新订单可能短暂 404，单次视为瞬态）
}
