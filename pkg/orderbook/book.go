package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
)

// PriceLevel 一个价位的聚合视图
type PriceLevel struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	UpdateID uint64
}

// OrderBook 单交易对的价位簿视图：bid 降序、ask 升序，
// 用单调的 lastAppliedID 丢弃迟到/重复的行。
//
// 写路径来自该交易对的单写者（connector 的推送消费循环），
// 读路径（策略/调用方）拿到的永远是拷贝。
type OrderBook struct {
	mu   sync.RWMutex
	pair domain.TradingPair

	bids []PriceLevel // 价格降序
	asks []PriceLevel // 价格升序

	lastAppliedID uint64
	snapshotSeen  bool
}

func NewOrderBook(pair domain.TradingPair) *OrderBook {
	return &OrderBook{pair: pair}
}

func (b *OrderBook) TradingPair() domain.TradingPair {
	return b.pair
}

// ApplySnapshot 用 snapshot 产生的行整体重建两边。
// snapshot 之前收到的 diff 一律被 ApplyDiff 拒绝。
func (b *OrderBook) ApplySnapshot(bidRows, askRows []events.BookRowEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	maxID := b.lastAppliedID
	for _, r := range bidRows {
		if r.Size.IsPositive() {
			b.bids = append(b.bids, PriceLevel{Price: r.Price, Size: r.Size, UpdateID: r.UpdateID})
		}
		if r.UpdateID > maxID {
			maxID = r.UpdateID
		}
	}
	for _, r := range askRows {
		if r.Size.IsPositive() {
			b.asks = append(b.asks, PriceLevel{Price: r.Price, Size: r.Size, UpdateID: r.UpdateID})
		}
		if r.UpdateID > maxID {
			maxID = r.UpdateID
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })

	b.lastAppliedID = maxID
	b.snapshotSeen = true
}

// ApplyDiff 应用单条价位行；返回是否被接受。
// 拒绝条件：尚未应用过 snapshot，或行的 UpdateID 不大于已应用的 id。
func (b *OrderBook) ApplyDiff(row events.BookRowEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snapshotSeen {
		return false
	}
	if row.UpdateID <= b.lastAppliedID {
		return false
	}
	b.lastAppliedID = row.UpdateID

	if row.Side == domain.SideBuy {
		b.bids = upsertLevel(b.bids, row, true)
	} else {
		b.asks = upsertLevel(b.asks, row, false)
	}
	return true
}

// upsertLevel 在有序价位切片中插入/更新/删除一个价位（size=0 即删除）
func upsertLevel(levels []PriceLevel, row events.BookRowEvent, descending bool) []PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return !levels[i].Price.GreaterThan(row.Price) // 第一个 <= row.Price
		}
		return !levels[i].Price.LessThan(row.Price) // 第一个 >= row.Price
	})

	found := idx < len(levels) && levels[idx].Price.Equal(row.Price)
	switch {
	case !row.Size.IsPositive():
		if found {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
	case found:
		levels[idx].Size = row.Size
		levels[idx].UpdateID = row.UpdateID
	default:
		levels = append(levels, PriceLevel{})
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = PriceLevel{Price: row.Price, Size: row.Size, UpdateID: row.UpdateID}
	}
	return levels
}

// BestBid 返回最优买价（无则 ok=false）
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk 返回最优卖价（无则 ok=false）
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return PriceLevel{}, false
	}
	return b.asks[0], true
}

// BidEntries 返回 bid 侧全部价位的拷贝（降序）
func (b *OrderBook) BidEntries() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PriceLevel, len(b.bids))
	copy(out, b.bids)
	return out
}

// AskEntries 返回 ask 侧全部价位的拷贝（升序）
func (b *OrderBook) AskEntries() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PriceLevel, len(b.asks))
	copy(out, b.asks)
	return out
}

// LastAppliedID 已应用的最大行 id
func (b *OrderBook) LastAppliedID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedID
}

// Ready 是否已应用过 snapshot
func (b *OrderBook) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotSeen
}
