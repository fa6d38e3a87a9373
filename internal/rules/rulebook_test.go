package rules

import (
	"math"
	"testing"
	"testing/quick"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
)

func testRuleBook(t *testing.T) *RuleBook {
	t.Helper()
	b := NewRuleBook()
	b.ReplaceAll([]domain.TradingRule{
		{
			TradingPair:            domain.NewTradingPair("ETH", "USDT"),
			MinOrderSize:           decimal.RequireFromString("0.01"),
			MaxOrderSize:           decimal.RequireFromString("1000"),
			MinPriceIncrement:      decimal.RequireFromString("0.01"),
			MinBaseAmountIncrement: decimal.RequireFromString("0.01"),
			MinNotionalSize:        decimal.RequireFromString("10"),
			SupportsLimitOrders:    true,
			SupportsMarketOrders:   true,
		},
	})
	return b
}

func TestQuantizeOrderAmount_FloorsToIncrement(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")

	// 1.23456 在 0.01 步长下应向下量化为 1.23
	got, err := b.QuantizeOrderAmount(pair, decimal.RequireFromString("1.23456"), decimal.RequireFromString("2000"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("quantized = %s, want 1.23", got)
	}
}

func TestQuantizeOrderAmount_ZeroSentinelBelowMinSize(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")

	got, err := b.QuantizeOrderAmount(pair, decimal.RequireFromString("0.009"), decimal.RequireFromString("2000"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero sentinel, got %s", got)
	}
}

func TestQuantizeOrderAmount_ZeroSentinelBelowMinNotional(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")

	// 0.05 * 100 = 5 USDT < minNotional(10)*1.01
	got, err := b.QuantizeOrderAmount(pair, decimal.RequireFromString("0.05"), decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero sentinel, got %s", got)
	}
}

func TestQuantizeOrderAmount_CapsAtMaxOrderSize(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")

	got, err := b.QuantizeOrderAmount(pair, decimal.RequireFromString("2500"), decimal.RequireFromString("2000"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("quantized = %s, want 1000", got)
	}
}

func TestQuantizeOrderPrice_NearestTiesAwayFromZero(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")

	cases := []struct{ in, want string }{
		{"100.004", "100.00"},
		{"100.005", "100.01"}, // tie → away from zero
		{"100.006", "100.01"},
		{"100.015", "100.02"},
	}
	for _, c := range cases {
		got, err := b.QuantizeOrderPrice(pair, decimal.RequireFromString(c.in))
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("quantize(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestRuleBook_RuleNotFoundIsFatal(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("DOGE", "USDT")

	if _, err := b.QuantizeOrderPrice(pair, decimal.RequireFromString("1")); err != ErrRuleNotFound {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := b.QuantizeOrderAmount(pair, decimal.RequireFromString("1"), decimal.Zero); err != ErrRuleNotFound {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

// **Property: 量化结果是步长的整数倍、不超过输入、低于最小下单量时为 0**
func TestProperty_QuantizeAmountGrid(t *testing.T) {
	b := testRuleBook(t)
	pair := domain.NewTradingPair("ETH", "USDT")
	step := decimal.RequireFromString("0.01")
	minSize := decimal.RequireFromString("0.01")

	property := func(raw float64) bool {
		// 输入域约束：有限、非负、不超过 maxOrderSize
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return true
		}
		amount := decimal.NewFromFloat(math.Abs(math.Mod(raw, 1000)))

		got, err := b.QuantizeOrderAmount(pair, amount, decimal.Zero)
		if err != nil {
			return false
		}
		if got.IsZero() {
			// 哨兵：要么原始数量本身就低于最小下单量
			return quantizeFloorForTest(amount, step).LessThan(minSize)
		}
		// 必须是步长整数倍且 <= 输入
		if !got.Mod(step).IsZero() {
			return false
		}
		return got.LessThanOrEqual(amount)
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 2000}); err != nil {
		t.Fatal(err)
	}
}

func quantizeFloorForTest(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Floor().Mul(step)
}
