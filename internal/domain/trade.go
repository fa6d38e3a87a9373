package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade 成交记录（与 Order 分离：Order 是委托，Trade 是已发生的执行）
type Trade struct {
	ID            string // 交易所上报的 trade id（幂等去重键）
	ClientOrderID string
	TradingPair   TradingPair
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	FeeAsset      string
	Fee           decimal.Decimal
	Time          time.Time
}

// Key 返回 (order, trade) 维度的去重键。
// 同一 trade id 在重连/重放场景下可能被推送多次，必须保证只应用一次。
func (t *Trade) Key() string {
	return t.ClientOrderID + "/" + t.ID
}
