package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
)

var pair = domain.NewTradingPair("ETH", "USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeOrders 固定返回一组在途订单
type fakeOrders struct {
	orders []domain.InFlightOrder
}

func (f *fakeOrders) ActiveOrders() []domain.InFlightOrder { return f.orders }

func buyOrder(price, amount, executed string) domain.InFlightOrder {
	return domain.InFlightOrder{
		ClientOrderID:      "b1",
		TradingPair:        pair,
		Side:               domain.SideBuy,
		Type:               domain.OrderTypeLimit,
		Price:              d(price),
		Amount:             d(amount),
		ExecutedAmountBase: d(executed),
		State:              domain.OrderStateConfirmed,
	}
}

func sellOrder(amount, executed string) domain.InFlightOrder {
	return domain.InFlightOrder{
		ClientOrderID:      "s1",
		TradingPair:        pair,
		Side:               domain.SideSell,
		Amount:             d(amount),
		ExecutedAmountBase: d(executed),
		State:              domain.OrderStateConfirmed,
	}
}

func TestRealTimeMode_TrustsPush(t *testing.T) {
	l := New(ModeRealTime, &fakeOrders{})
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("100"), Available: d("80")})

	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("80")) {
		t.Fatalf("available = %s, want 80", got)
	}
	if got := l.GetTotalBalance("USDT"); !got.Equal(d("100")) {
		t.Fatalf("total = %s, want 100", got)
	}
}

func TestSnapshotReconcile_NewOrderLocksQuote(t *testing.T) {
	src := &fakeOrders{}
	l := New(ModeSnapshotReconcile, src)

	// 快照时没有在途订单
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("1000"), Available: d("1000")})

	// 快照后挂出 BUY 0.1 ETH @ 2000 ⇒ 锁定 200
	src.orders = []domain.InFlightOrder{buyOrder("2000", "0.1", "0")}
	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("800")) {
		t.Fatalf("available = %s, want 800", got)
	}
}

func TestSnapshotReconcile_SellLocksBase(t *testing.T) {
	src := &fakeOrders{}
	l := New(ModeSnapshotReconcile, src)
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "ETH", Total: d("2"), Available: d("2")})

	src.orders = []domain.InFlightOrder{sellOrder("0.5", "0.2")}
	// 剩余 0.3 被锁定
	if got := l.GetAvailableBalance("ETH"); !got.Equal(d("1.7")) {
		t.Fatalf("available = %s, want 1.7", got)
	}
}

func TestSnapshotReconcile_FeeInflatesBuyLock(t *testing.T) {
	src := &fakeOrders{orders: []domain.InFlightOrder{buyOrder("2000", "0.1", "0")}}
	l := New(ModeSnapshotReconcile, src)
	l.SetFeeSchedule(pair, d("0.01")) // 1%

	// 快照时订单已在途：lockedAtSnapshot == lockedNow，available 不变
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("1000"), Available: d("798")})
	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("798")) {
		t.Fatalf("available = %s, want 798", got)
	}

	// 撤单后锁定归零：返还 200*1.01 = 202
	src.orders = nil
	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("1000")) {
		t.Fatalf("available = %s, want 1000", got)
	}
}

func TestSnapshotReconcile_FillDelta(t *testing.T) {
	src := &fakeOrders{}
	l := New(ModeSnapshotReconcile, src)
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("1000"), Available: d("1000")})
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "ETH", Total: d("0"), Available: d("0")})

	// 买入成交 0.1 @ 2000：USDT -200，ETH +0.1
	l.RecordFill(events.FillEvent{
		TradingPair: pair,
		Side:        domain.SideBuy,
		Price:       d("2000"),
		Amount:      d("0.1"),
	})

	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("800")) {
		t.Fatalf("USDT available = %s, want 800", got)
	}
	if got := l.GetAvailableBalance("ETH"); !got.Equal(d("0.1")) {
		t.Fatalf("ETH available = %s, want 0.1", got)
	}
}

func TestBudgetLimit_CapsAvailable(t *testing.T) {
	src := &fakeOrders{}
	l := New(ModeRealTime, src)
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("10000"), Available: d("10000")})
	l.SetBudgetLimit("USDT", d("500"))

	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("500")) {
		t.Fatalf("available = %s, want 500 (capped)", got)
	}

	// 锁定 200 后上限随之下降
	src.orders = []domain.InFlightOrder{buyOrder("2000", "0.1", "0")}
	if got := l.GetAvailableBalance("USDT"); !got.Equal(d("300")) {
		t.Fatalf("available = %s, want 300", got)
	}
}

// 任意成交/挂单/撤单序列下 available 恒 >= 0
func TestAvailableNeverNegative(t *testing.T) {
	src := &fakeOrders{}
	l := New(ModeSnapshotReconcile, src)
	l.SetBudgetLimit("USDT", d("100"))
	l.ApplyBalanceUpdate(domain.AccountBalance{Asset: "USDT", Total: d("50"), Available: d("50")})

	// 锁定远超可用
	src.orders = []domain.InFlightOrder{buyOrder("2000", "1", "0")}
	if got := l.GetAvailableBalance("USDT"); got.IsNegative() {
		t.Fatalf("available = %s, must not be negative", got)
	}

	// 大额卖出成交后 quote 流出（构造极端负 delta）
	l.RecordFill(events.FillEvent{TradingPair: pair, Side: domain.SideBuy, Price: d("2000"), Amount: d("5")})
	if got := l.GetAvailableBalance("USDT"); got.IsNegative() {
		t.Fatalf("available = %s, must not be negative", got)
	}
}
