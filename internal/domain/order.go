package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderState 订单状态机状态
//
// 状态推进由轮询结果与推送事件共同驱动，且都经过同一个 transition 函数，
// 因此到达顺序不影响最终状态；重复进入已到达的状态是 no-op。
type OrderState string

const (
	OrderStateOpen          OrderState = "open"           // 本地已创建，尚未提交
	OrderStatePendingSubmit OrderState = "pending_submit" // 已提交，等待交易所确认
	OrderStateConfirmed     OrderState = "open_confirmed" // 交易所已分配 exchange order id
	OrderStatePartialFill   OrderState = "partially_filled"
	OrderStateFilled        OrderState = "filled"
	OrderStateCancelled     OrderState = "cancelled"
	OrderStateFailed        OrderState = "failed"
)

// stateRank 状态的单调序（transition 只允许向更高 rank 推进）。
// partial fill 与 confirmed 同级之上，终态并列最高。
var stateRank = map[OrderState]int{
	OrderStateOpen:          0,
	OrderStatePendingSubmit: 1,
	OrderStateConfirmed:     2,
	OrderStatePartialFill:   3,
	OrderStateFilled:        4,
	OrderStateCancelled:     4,
	OrderStateFailed:        4,
}

// IsTerminal 是否为终态（filled/cancelled/failed）
// 终态不允许被任何中间状态覆盖。
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled || s == OrderStateFailed
}

// CanTransitionTo 共享的状态推进判定：
// - 不允许回退（rank 变小）
// - 不允许离开终态
// - 进入当前状态本身是 no-op（返回 false，调用方跳过）
func (s OrderState) CanTransitionTo(next OrderState) bool {
	if s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	cur, ok1 := stateRank[s]
	nxt, ok2 := stateRank[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt > cur
}

// 判定"全部成交"的容差指数。
// 交易所上报的成交数量经常带有 1e-8 级别的舍入误差，不能用严格等于。
const fillToleranceExp = -8

func fillRatioTolerance() decimal.Decimal {
	return decimal.New(1, fillToleranceExp)
}

// InFlightOrder 在途订单（由创建它的 connector 独占所有权）
//
// 字段更新全部经由 tracking.OrderTracker 串行化；这里只是纯数据 + 只读判定，
// 跨组件传递时使用 Snapshot() 的拷贝，绝不共享可变指针。
type InFlightOrder struct {
	ClientOrderID   string // 本地生成的唯一 id（下单即返回）
	ExchangeOrderID string // 交易所分配的 id（异步到达，可能长时间为空）

	TradingPair TradingPair
	Side        Side
	Type        OrderType

	Price  decimal.Decimal // 限价单价格（市价单为零值）
	Amount decimal.Decimal // 委托数量（base）

	ExecutedAmountBase  decimal.Decimal // 已成交数量（base，单调不减）
	ExecutedAmountQuote decimal.Decimal // 已成交金额（quote，单调不减）
	FeeAsset            string
	FeePaid             decimal.Decimal

	State     OrderState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDone 等价于 State.IsTerminal，便于调用方语义化判断
func (o *InFlightOrder) IsDone() bool {
	return o.State.IsTerminal()
}

// RemainingAmount 未成交数量（不会为负）
func (o *InFlightOrder) RemainingAmount() decimal.Decimal {
	rem := o.Amount.Sub(o.ExecutedAmountBase)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsFullyFilled 已成交比例是否达到 1（带容差）
func (o *InFlightOrder) IsFullyFilled() bool {
	if o.Amount.IsZero() {
		return false
	}
	ratio := o.ExecutedAmountBase.Div(o.Amount)
	return ratio.GreaterThanOrEqual(decimal.New(1, 0).Sub(fillRatioTolerance()))
}

// OutstandingQuoteValue 未成交部分占用的 quote 价值（用于 BUY 单的余额锁定估算）
func (o *InFlightOrder) OutstandingQuoteValue() decimal.Decimal {
	return o.RemainingAmount().Mul(o.Price)
}

// Snapshot 返回订单的值拷贝（跨组件只读视图）
func (o *InFlightOrder) Snapshot() InFlightOrder {
	return *o
}
