package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TradingPair 交易对（base-quote 市场标识）
// 统一使用 "BASE-QUOTE" 形式（例如 "ETH-USDT"），与各交易所的私有符号解耦，
// 私有符号的转换由各 venue adapter 负责。
type TradingPair struct {
	Base  string
	Quote string
}

func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParseTradingPair 从 "BASE-QUOTE" 解析交易对
func ParseTradingPair(s string) (TradingPair, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("invalid trading pair: %q", s)
	}
	return NewTradingPair(parts[0], parts[1]), nil
}

func (p TradingPair) String() string {
	return p.Base + "-" + p.Quote
}

func (p TradingPair) IsValid() bool {
	return p.Base != "" && p.Quote != ""
}

// TradingRule 交易规则快照（不可变，刷新时整体替换）
// 数值约束来自交易所的市场元数据；所有下单前的价格/数量量化都以它为准。
type TradingRule struct {
	TradingPair TradingPair

	MinOrderSize            decimal.Decimal // 最小下单数量（base）
	MaxOrderSize            decimal.Decimal // 最大下单数量（base），零值表示无上限
	MinPriceIncrement       decimal.Decimal // 价格最小步长（tick size）
	MinBaseAmountIncrement  decimal.Decimal // base 数量最小步长
	MinQuoteAmountIncrement decimal.Decimal // quote 数量最小步长
	MinNotionalSize         decimal.Decimal // 最小名义价值（price * amount）

	SupportsLimitOrders  bool
	SupportsMarketOrders bool
}

// DefaultTradingRule 返回宽松的默认规则（仅用于规则尚未加载时的展示，不用于下单）
func DefaultTradingRule(pair TradingPair) TradingRule {
	return TradingRule{
		TradingPair:            pair,
		MinOrderSize:           decimal.Zero,
		MinPriceIncrement:      decimal.New(1, -8),
		MinBaseAmountIncrement: decimal.New(1, -8),
		SupportsLimitOrders:    true,
		SupportsMarketOrders:   true,
	}
}
