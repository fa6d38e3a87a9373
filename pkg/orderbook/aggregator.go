package orderbook

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
	"github.com/betbot/goconnector/internal/ports"
)

var aggLog = logrus.WithField("component", "book_aggregator")

// orderRef 订单 id 反查索引项。
// cancel/fill 消息经常只带 order id 不带价格，必须靠它定位桶。
type orderRef struct {
	side     domain.Side
	priceKey string
	price    decimal.Decimal
}

// sideBuckets 单边的价位桶：priceKey -> (orderID -> 剩余数量)
type sideBuckets map[string]map[string]decimal.Decimal

// Aggregator 把"以单个订单为变更单位"的行情消息聚合成价位级别的行。
//
// 不变式：任一价位行的 size 恒等于该桶内所有订单剩余数量之和；
// 桶清空时价位移除并发出 size=0 的行。
//
// 并发模型：单写者。一个交易对的消息必须由同一个 goroutine 按到达顺序喂入；
// 不同交易对各建各的 Aggregator，互不相干。
type Aggregator struct {
	pair domain.TradingPair

	bids  sideBuckets
	asks  sideBuckets
	index map[string]orderRef // orderID -> 所在位置

	nextUpdateID uint64 // 每发出一行递增一次
}

func NewAggregator(pair domain.TradingPair) *Aggregator {
	return &Aggregator{
		pair:  pair,
		bids:  make(sideBuckets),
		asks:  make(sideBuckets),
		index: make(map[string]orderRef),
	}
}

// Apply 应用一条归一化行情消息，返回本条消息产生的 bid/ask 价位行。
// trade 消息只透传执行记录、不改变簿状态，返回空行。
func (a *Aggregator) Apply(msg ports.BookMessage) (bidRows, askRows []events.BookRowEvent) {
	switch msg.Kind {
	case ports.BookMessageSnapshot:
		return a.applySnapshot(msg)
	case ports.BookMessageDiff:
		return a.applyDiff(msg)
	case ports.BookMessageTrade:
		// 执行记录单独上报，永远不动簿
		return nil, nil
	default:
		aggLog.Warnf("未知行情消息类型: %q pair=%s", msg.Kind, a.pair)
		return nil, nil
	}
}

// applySnapshot 全量替换：清空所有桶与索引，按 payload 重建，
// 每个结果价位发一行。
func (a *Aggregator) applySnapshot(msg ports.BookMessage) (bidRows, askRows []events.BookRowEvent) {
	a.bids = make(sideBuckets)
	a.asks = make(sideBuckets)
	a.index = make(map[string]orderRef)

	for _, o := range msg.Orders {
		if o.OrderID == "" || !o.Size.IsPositive() || !o.Price.IsPositive() {
			continue
		}
		a.insert(o)
	}

	now := time.Unix(0, msg.Timestamp*int64(time.Millisecond))
	bidRows = a.emitAllLevels(domain.SideBuy, a.bids, now)
	askRows = a.emitAllLevels(domain.SideSell, a.asks, now)
	return bidRows, askRows
}

func (a *Aggregator) applyDiff(msg ports.BookMessage) (bidRows, askRows []events.BookRowEvent) {
	now := time.Unix(0, msg.Timestamp*int64(time.Millisecond))

	for _, o := range msg.Orders {
		if o.OrderID == "" {
			continue
		}
		var row *events.BookRowEvent
		switch msg.Action {
		case ports.DiffActionNew:
			row = a.applyNew(o, now)
		case ports.DiffActionCancel:
			row = a.applyRemove(o.OrderID, now)
		case ports.DiffActionFill:
			row = a.applyFill(o, now)
		default:
			aggLog.Warnf("未知 diff 动作: %q pair=%s orderID=%s", msg.Action, a.pair, o.OrderID)
			continue
		}
		if row == nil {
			continue
		}
		if row.Side == domain.SideBuy {
			bidRows = append(bidRows, *row)
		} else {
			askRows = append(askRows, *row)
		}
	}
	return bidRows, askRows
}

// applyNew 新订单进桶，发出该价位的最新聚合行
func (a *Aggregator) applyNew(o ports.BookOrder, ts time.Time) *events.BookRowEvent {
	if !o.Size.IsPositive() || !o.Price.IsPositive() {
		aggLog.Debugf("丢弃无效 NEW: pair=%s orderID=%s price=%s size=%s", a.pair, o.OrderID, o.Price, o.Size)
		return nil
	}
	if _, exists := a.index[o.OrderID]; exists {
		// 重复 NEW（重连重放等）：按无操作处理，保持幂等
		aggLog.Debugf("忽略重复 NEW: pair=%s orderID=%s", a.pair, o.OrderID)
		return nil
	}
	ref := a.insert(o)
	return a.emitLevel(ref.side, ref.priceKey, ref.price, ts)
}

// applyRemove 按 id 摘除订单（cancel / 完全成交共用路径）。
// 未知 id（NEW 还没到、或超出跟踪窗口）记日志后忽略，不是错误。
func (a *Aggregator) applyRemove(orderID string, ts time.Time) *events.BookRowEvent {
	ref, ok := a.index[orderID]
	if !ok {
		aggLog.Debugf("忽略未知订单的移除: pair=%s orderID=%s", a.pair, orderID)
		return nil
	}
	buckets := a.sideOf(ref.side)
	bucket := buckets[ref.priceKey]
	delete(bucket, orderID)
	delete(a.index, orderID)

	if len(bucket) == 0 {
		delete(buckets, ref.priceKey)
		// 价位清空：发 size=0 行通知消费方移除该档
		return a.newRow(ref.side, ref.price, decimal.Zero, ts)
	}
	return a.emitLevel(ref.side, ref.priceKey, ref.price, ts)
}

// applyFill 订单部分/完全成交：
// size>0 原地更新剩余数量；size<=0 走移除路径。
func (a *Aggregator) applyFill(o ports.BookOrder, ts time.Time) *events.BookRowEvent {
	ref, ok := a.index[o.OrderID]
	if !ok {
		aggLog.Debugf("忽略未知订单的 FILL: pair=%s orderID=%s", a.pair, o.OrderID)
		return nil
	}
	if !o.Size.IsPositive() {
		return a.applyRemove(o.OrderID, ts)
	}
	a.sideOf(ref.side)[ref.priceKey][o.OrderID] = o.Size
	return a.emitLevel(ref.side, ref.priceKey, ref.price, ts)
}

func (a *Aggregator) insert(o ports.BookOrder) orderRef {
	buckets := a.sideOf(o.Side)
	key := o.Price.String()
	bucket, ok := buckets[key]
	if !ok {
		bucket = make(map[string]decimal.Decimal)
		buckets[key] = bucket
	}
	bucket[o.OrderID] = o.Size
	ref := orderRef{side: o.Side, priceKey: key, price: o.Price}
	a.index[o.OrderID] = ref
	return ref
}

func (a *Aggregator) sideOf(side domain.Side) sideBuckets {
	if side == domain.SideBuy {
		return a.bids
	}
	return a.asks
}

// emitLevel 重算并发出单个价位的聚合行
func (a *Aggregator) emitLevel(side domain.Side, priceKey string, price decimal.Decimal, ts time.Time) *events.BookRowEvent {
	total := decimal.Zero
	for _, sz := range a.sideOf(side)[priceKey] {
		total = total.Add(sz)
	}
	return a.newRow(side, price, total, ts)
}

// emitAllLevels 发出某一边当前全部价位行（snapshot 重建后使用）。
// 按价格排序保证输出确定性（bid 降序、ask 升序）。
func (a *Aggregator) emitAllLevels(side domain.Side, buckets sideBuckets, ts time.Time) []events.BookRowEvent {
	type lv struct {
		price decimal.Decimal
		size  decimal.Decimal
	}
	levels := make([]lv, 0, len(buckets))
	for key, bucket := range buckets {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		total := decimal.Zero
		for _, sz := range bucket {
			total = total.Add(sz)
		}
		levels = append(levels, lv{price: price, size: total})
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == domain.SideBuy {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})

	rows := make([]events.BookRowEvent, 0, len(levels))
	for _, l := range levels {
		rows = append(rows, *a.newRow(side, l.price, l.size, ts))
	}
	return rows
}

func (a *Aggregator) newRow(side domain.Side, price, size decimal.Decimal, ts time.Time) *events.BookRowEvent {
	a.nextUpdateID++
	return &events.BookRowEvent{
		TradingPair: a.pair,
		Side:        side,
		Price:       price,
		Size:        size,
		UpdateID:    a.nextUpdateID,
		Timestamp:   ts,
	}
}

// TrackedOrderCount 当前索引里的订单数（测试/诊断用）
func (a *Aggregator) TrackedOrderCount() int {
	return len(a.index)
}
