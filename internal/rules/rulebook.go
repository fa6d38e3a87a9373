package rules

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
)

// ErrRuleNotFound 表示交易对没有已加载的交易规则。
// 对本次操作是致命错误（不能在没有规则的情况下量化/下单），不做静默重试。
var ErrRuleNotFound = errors.New("trading rule not found")

// notionalSafetyFactor 名义价值校验的安全系数：
// 下单瞬间价格可能变化，留 1% 余量避免刚好卡在 minNotional 上被交易所拒单。
var notionalSafetyFactor = decimal.NewFromFloat(1.01)

// RuleBook 持有每个交易对的 TradingRule 快照。
// 刷新时整体替换（ReplaceAll），读路径只拿值拷贝，规则本身不可变。
type RuleBook struct {
	mu    sync.RWMutex
	rules map[domain.TradingPair]domain.TradingRule
}

func NewRuleBook() *RuleBook {
	return &RuleBook{rules: make(map[domain.TradingPair]domain.TradingRule)}
}

// ReplaceAll 用最新一批规则整体替换（轮询刷新路径）
func (b *RuleBook) ReplaceAll(rules []domain.TradingRule) {
	next := make(map[domain.TradingPair]domain.TradingRule, len(rules))
	for _, r := range rules {
		if !r.TradingPair.IsValid() {
			continue
		}
		next[r.TradingPair] = r
	}
	b.mu.Lock()
	b.rules = next
	b.mu.Unlock()
}

// Get 返回交易对的规则快照
func (b *RuleBook) Get(pair domain.TradingPair) (domain.TradingRule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rules[pair]
	if !ok {
		return domain.TradingRule{}, ErrRuleNotFound
	}
	return r, nil
}

// Len 已加载的规则数量（readiness 判定用）
func (b *RuleBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules)
}

// QuantizeOrderPrice 把价格对齐到 minPriceIncrement 的整数倍。
//
// 取整策略：四舍五入、ties away from zero。不同交易所对取整方向并无统一约定
//（有的要求 floor，有的 truncate）；需要其他策略的 venue 在 adapter 层自行
// 预处理后再进核心。
func (b *RuleBook) QuantizeOrderPrice(pair domain.TradingPair, price decimal.Decimal) (decimal.Decimal, error) {
	rule, err := b.Get(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return quantizeNearest(price, rule.MinPriceIncrement), nil
}

// QuantizeOrderAmount 把数量向下对齐到 minBaseAmountIncrement 的整数倍，
// 超过 maxOrderSize 时截断到上限。
//
// 返回零值是哨兵而不是错误：量化后数量低于 minOrderSize、或名义价值低于
// minNotional（含 1% 安全系数）时返回 decimal.Zero，调用方必须检查。
// price 传零表示调用方无法提供参考价，此时跳过名义价值校验。
func (b *RuleBook) QuantizeOrderAmount(pair domain.TradingPair, amount, price decimal.Decimal) (decimal.Decimal, error) {
	rule, err := b.Get(pair)
	if err != nil {
		return decimal.Zero, err
	}

	quantized := quantizeFloor(amount, rule.MinBaseAmountIncrement)

	if rule.MaxOrderSize.IsPositive() && quantized.GreaterThan(rule.MaxOrderSize) {
		quantized = quantizeFloor(rule.MaxOrderSize, rule.MinBaseAmountIncrement)
	}

	if quantized.LessThan(rule.MinOrderSize) {
		return decimal.Zero, nil
	}

	if rule.MinNotionalSize.IsPositive() && price.IsPositive() {
		notional := price.Mul(quantized)
		if notional.LessThan(rule.MinNotionalSize.Mul(notionalSafetyFactor)) {
			return decimal.Zero, nil
		}
	}
	return quantized, nil
}

// quantizeFloor 向下取整到 quantum 的整数倍（quantum<=0 时原样返回）
func quantizeFloor(value, quantum decimal.Decimal) decimal.Decimal {
	if !quantum.IsPositive() {
		return value
	}
	return value.Div(quantum).Floor().Mul(quantum)
}

// quantizeNearest 取整到最近的 quantum 整数倍，ties away from zero
func quantizeNearest(value, quantum decimal.Decimal) decimal.Decimal {
	if !quantum.IsPositive() {
		return value
	}
	steps := value.Div(quantum)
	// decimal.Round 采用 half away from zero，正好是我们要的 tie 策略
	return steps.Round(0).Mul(quantum)
}
