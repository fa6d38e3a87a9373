package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
	"github.com/betbot/goconnector/internal/ports"
)

var testPair = domain.NewTradingPair("ETH", "USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshotMsg(orders ...ports.BookOrder) ports.BookMessage {
	return ports.BookMessage{
		Kind:        ports.BookMessageSnapshot,
		TradingPair: testPair,
		Orders:      orders,
	}
}

func diffMsg(action ports.DiffAction, orders ...ports.BookOrder) ports.BookMessage {
	return ports.BookMessage{
		Kind:        ports.BookMessageDiff,
		TradingPair: testPair,
		Action:      action,
		Orders:      orders,
	}
}

// 谱系场景：snapshot → NEW 同价位 → CANCEL → 未知 id CANCEL
func TestAggregator_NewCancelLifecycle(t *testing.T) {
	a := NewAggregator(testPair)

	bids, asks := a.Apply(snapshotMsg(
		ports.BookOrder{OrderID: "1", Side: domain.SideBuy, Price: d("100"), Size: d("2")},
		ports.BookOrder{OrderID: "2", Side: domain.SideSell, Price: d("101"), Size: d("3")},
	))
	if len(bids) != 1 || len(asks) != 1 {
		t.Fatalf("snapshot rows: bids=%d asks=%d, want 1/1", len(bids), len(asks))
	}
	if !bids[0].Size.Equal(d("2")) || !asks[0].Size.Equal(d("3")) {
		t.Fatalf("snapshot sizes: bid=%s ask=%s", bids[0].Size, asks[0].Size)
	}

	// NEW id=5 @100 qty=1 ⇒ 聚合 (100, 3)
	bids, asks = a.Apply(diffMsg(ports.DiffActionNew,
		ports.BookOrder{OrderID: "5", Side: domain.SideBuy, Price: d("100"), Size: d("1")}))
	if len(asks) != 0 || len(bids) != 1 {
		t.Fatalf("NEW rows: bids=%d asks=%d", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(d("100")) || !bids[0].Size.Equal(d("3")) {
		t.Fatalf("NEW row = (%s,%s), want (100,3)", bids[0].Price, bids[0].Size)
	}

	// CANCEL id=5（不带价格）⇒ (100, 2)
	bids, _ = a.Apply(diffMsg(ports.DiffActionCancel, ports.BookOrder{OrderID: "5"}))
	if len(bids) != 1 || !bids[0].Size.Equal(d("2")) {
		t.Fatalf("CANCEL row = %+v, want size 2", bids)
	}

	// 未知 id：无行、无错误
	bids, asks = a.Apply(diffMsg(ports.DiffActionCancel, ports.BookOrder{OrderID: "99"}))
	if len(bids) != 0 || len(asks) != 0 {
		t.Fatalf("unknown cancel emitted rows: bids=%d asks=%d", len(bids), len(asks))
	}
}

func TestAggregator_LastOrderRemovalEmitsZeroRow(t *testing.T) {
	a := NewAggregator(testPair)
	a.Apply(snapshotMsg(ports.BookOrder{OrderID: "1", Side: domain.SideBuy, Price: d("100"), Size: d("2")}))

	bids, _ := a.Apply(diffMsg(ports.DiffActionCancel, ports.BookOrder{OrderID: "1"}))
	if len(bids) != 1 {
		t.Fatalf("rows = %d, want 1", len(bids))
	}
	if !bids[0].Size.IsZero() {
		t.Fatalf("size = %s, want 0 (价位移除)", bids[0].Size)
	}
	if a.TrackedOrderCount() != 0 {
		t.Fatalf("tracked orders = %d, want 0", a.TrackedOrderCount())
	}
}

func TestAggregator_PartialFillUpdatesInPlace(t *testing.T) {
	a := NewAggregator(testPair)
	a.Apply(snapshotMsg(
		ports.BookOrder{OrderID: "1", Side: domain.SideSell, Price: d("101"), Size: d("3")},
		ports.BookOrder{OrderID: "2", Side: domain.SideSell, Price: d("101"), Size: d("1")},
	))

	// id=1 剩余 1.5 ⇒ 聚合 2.5
	_, asks := a.Apply(diffMsg(ports.DiffActionFill,
		ports.BookOrder{OrderID: "1", Size: d("1.5")}))
	if len(asks) != 1 || !asks[0].Size.Equal(d("2.5")) {
		t.Fatalf("rows = %+v, want one (101,2.5)", asks)
	}

	// 完全成交（size=0）⇒ 剩 id=2 的 1
	_, asks = a.Apply(diffMsg(ports.DiffActionFill,
		ports.BookOrder{OrderID: "1", Size: decimal.Zero}))
	if len(asks) != 1 || !asks[0].Size.Equal(d("1")) {
		t.Fatalf("rows = %+v, want one (101,1)", asks)
	}
}

// 同一 snapshot 应用两次与应用一次得到完全相同的簿
func TestAggregator_SnapshotIdempotent(t *testing.T) {
	msg := snapshotMsg(
		ports.BookOrder{OrderID: "a", Side: domain.SideBuy, Price: d("99"), Size: d("4")},
		ports.BookOrder{OrderID: "b", Side: domain.SideBuy, Price: d("100"), Size: d("2")},
		ports.BookOrder{OrderID: "c", Side: domain.SideSell, Price: d("101"), Size: d("3")},
	)

	once := NewAggregator(testPair)
	b1, a1 := once.Apply(msg)

	twice := NewAggregator(testPair)
	twice.Apply(msg)
	b2, a2 := twice.Apply(msg)

	assertSameLevels(t, b1, b2)
	assertSameLevels(t, a1, a2)
}

// NEW 在不同价位的应用顺序不影响最终簿
func TestAggregator_NewOrderCommutes(t *testing.T) {
	n1 := ports.BookOrder{OrderID: "1", Side: domain.SideBuy, Price: d("10"), Size: d("1")}
	n2 := ports.BookOrder{OrderID: "2", Side: domain.SideBuy, Price: d("20"), Size: d("1")}

	build := func(first, second ports.BookOrder) *OrderBook {
		a := NewAggregator(testPair)
		book := NewOrderBook(testPair)
		bids, asks := a.Apply(snapshotMsg())
		book.ApplySnapshot(bids, asks)
		for _, o := range []ports.BookOrder{first, second} {
			bids, _ := a.Apply(diffMsg(ports.DiffActionNew, o))
			for _, r := range bids {
				book.ApplyDiff(r)
			}
		}
		return book
	}

	b1 := build(n1, n2)
	b2 := build(n2, n1)

	e1, e2 := b1.BidEntries(), b2.BidEntries()
	if len(e1) != len(e2) {
		t.Fatalf("level counts differ: %d vs %d", len(e1), len(e2))
	}
	for i := range e1 {
		if !e1[i].Price.Equal(e2[i].Price) || !e1[i].Size.Equal(e2[i].Size) {
			t.Fatalf("level %d differs: (%s,%s) vs (%s,%s)", i, e1[i].Price, e1[i].Size, e2[i].Price, e2[i].Size)
		}
	}
}

func TestAggregator_TradeNeverMutatesBook(t *testing.T) {
	a := NewAggregator(testPair)
	a.Apply(snapshotMsg(ports.BookOrder{OrderID: "1", Side: domain.SideBuy, Price: d("100"), Size: d("2")}))

	bids, asks := a.Apply(ports.BookMessage{
		Kind:        ports.BookMessageTrade,
		TradingPair: testPair,
		TradePrice:  d("100"),
		TradeAmount: d("1"),
		TradeSide:   domain.SideBuy,
	})
	if len(bids) != 0 || len(asks) != 0 {
		t.Fatalf("trade produced rows: bids=%d asks=%d", len(bids), len(asks))
	}
	if a.TrackedOrderCount() != 1 {
		t.Fatalf("tracked orders = %d, want 1", a.TrackedOrderCount())
	}
}

func TestAggregator_RowUpdateIDsMonotonic(t *testing.T) {
	a := NewAggregator(testPair)
	var last uint64
	check := func(rows []events.BookRowEvent) {
		for _, r := range rows {
			if r.UpdateID <= last {
				t.Fatalf("update id %d not > %d", r.UpdateID, last)
			}
			last = r.UpdateID
		}
	}

	bids, asks := a.Apply(snapshotMsg(
		ports.BookOrder{OrderID: "1", Side: domain.SideBuy, Price: d("100"), Size: d("2")},
		ports.BookOrder{OrderID: "2", Side: domain.SideSell, Price: d("101"), Size: d("3")},
	))
	check(bids)
	check(asks)

	bids, _ = a.Apply(diffMsg(ports.DiffActionNew,
		ports.BookOrder{OrderID: "3", Side: domain.SideBuy, Price: d("100"), Size: d("1")}))
	check(bids)
}

func assertSameLevels(t *testing.T, r1, r2 []events.BookRowEvent) {
	t.Helper()
	if len(r1) != len(r2) {
		t.Fatalf("row counts differ: %d vs %d", len(r1), len(r2))
	}
	for i := range r1 {
		if !r1[i].Price.Equal(r2[i].Price) || !r1[i].Size.Equal(r2[i].Size) {
			t.Fatalf("row %d differs: (%s,%s) vs (%s,%s)", i, r1[i].Price, r1[i].Size, r2[i].Price, r2[i].Size)
		}
	}
}
