package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
)

var ledgerLog = logrus.WithField("component", "balance_ledger")

// Mode 可用余额的来源模式
type Mode int

const (
	// ModeRealTime 交易所实时推送 total+available，直接采信
	ModeRealTime Mode = iota
	// ModeSnapshotReconcile 交易所只给快照，available 由
	// 快照 + 在途订单锁定变化 + 成交净变化推导
	ModeSnapshotReconcile
)

// OrderSource 在途订单来源（tracker.ActiveOrders；按拷贝读取，不共享可变状态）
type OrderSource interface {
	ActiveOrders() []domain.InFlightOrder
}

// snapshotState 单资产的对账基线
type snapshotState struct {
	available        decimal.Decimal // 快照时交易所报告的可用
	total            decimal.Decimal
	lockedAtSnapshot decimal.Decimal // 快照时本地计算的锁定量
	fillDelta        decimal.Decimal // 快照之后成交带来的净变化
	takenAt          time.Time
}

// Ledger 账户余额 + 可用余额推导。
//
// 推导公式（snapshot-reconciliation 模式）：
//
//	available = snapshot_available + (locked_at_snapshot − locked_now) + net_fill_delta
//
// locked_now 对所有非终态订单求和：BUY 锁定未成交 quote 价值（乘以手续费
// 系数），SELL 锁定未成交 base 数量。
// 预算上限：available = max(0, min(available, limit − locked_now + filled_since_start))。
type Ledger struct {
	mu   sync.RWMutex
	mode Mode

	orders OrderSource

	realtime  map[string]domain.AccountBalance // ModeRealTime 的直接余额
	snapshots map[string]*snapshotState        // ModeSnapshotReconcile 的基线

	limits           map[string]decimal.Decimal // 资产 -> 预算上限（未配置则不限）
	filledSinceStart map[string]decimal.Decimal // 资产 -> 启动以来成交净流入

	feePct map[domain.TradingPair]decimal.Decimal
	// defaultFeePct 缺失费率表时的兜底费率。宁可用文档化的默认值继续算，
	// 也不让余额计算整体失败。
	defaultFeePct decimal.Decimal

	handlerMu sync.RWMutex
	handlers  []func(events.BalanceUpdatedEvent)
}

func New(mode Mode, orders OrderSource) *Ledger {
	return &Ledger{
		mode:             mode,
		orders:           orders,
		realtime:         make(map[string]domain.AccountBalance),
		snapshots:        make(map[string]*snapshotState),
		limits:           make(map[string]decimal.Decimal),
		filledSinceStart: make(map[string]decimal.Decimal),
		feePct:           make(map[domain.TradingPair]decimal.Decimal),
	}
}

// SetBudgetLimit 配置单资产的暴露上限（零值清除限制）
func (l *Ledger) SetBudgetLimit(asset string, limit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit.IsPositive() {
		l.limits[asset] = limit
	} else {
		delete(l.limits, asset)
	}
}

// SetFeeSchedule 配置交易对的估算费率（小数，0.001 = 0.1%）
func (l *Ledger) SetFeeSchedule(pair domain.TradingPair, feePct decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feePct[pair] = feePct
}

// SetDefaultFeePct 配置兜底费率
func (l *Ledger) SetDefaultFeePct(feePct decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultFeePct = feePct
}

// OnBalanceUpdated 注册余额变化回调
func (l *Ledger) OnBalanceUpdated(fn func(events.BalanceUpdatedEvent)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// ApplyBalanceUpdate 应用一条余额数据（推送或轮询）。
// RealTime 模式直接采信；SnapshotReconcile 模式把它当新的对账基线，
// 记录当下的锁定量并清零 fill delta。
func (l *Ledger) ApplyBalanceUpdate(b domain.AccountBalance) {
	l.mu.Lock()
	switch l.mode {
	case ModeRealTime:
		l.realtime[b.Asset] = b
	case ModeSnapshotReconcile:
		l.snapshots[b.Asset] = &snapshotState{
			available:        b.Available,
			total:            b.Total,
			lockedAtSnapshot: l.lockedNowLocked(b.Asset),
			fillDelta:        decimal.Zero,
			takenAt:          time.Now(),
		}
	}
	l.mu.Unlock()

	avail := l.GetAvailableBalance(b.Asset)
	l.emit(events.BalanceUpdatedEvent{
		Asset:     b.Asset,
		Total:     b.Total,
		Available: avail,
		Timestamp: time.Now(),
	})
}

// RecordFill 把一笔成交计入对账增量。
// BUY: base 流入、quote 流出（含手续费）；SELL 相反。
func (l *Ledger) RecordFill(ev events.FillEvent) {
	base := ev.TradingPair.Base
	quote := ev.TradingPair.Quote
	quoteValue := ev.Amount.Mul(ev.Price)

	l.mu.Lock()
	defer l.mu.Unlock()

	addDelta := func(asset string, d decimal.Decimal) {
		if s, ok := l.snapshots[asset]; ok {
			s.fillDelta = s.fillDelta.Add(d)
		}
		l.filledSinceStart[asset] = l.filledSinceStart[asset].Add(d)
	}

	switch ev.Side {
	case domain.SideBuy:
		addDelta(base, ev.Amount)
		addDelta(quote, quoteValue.Neg())
	case domain.SideSell:
		addDelta(base, ev.Amount.Neg())
		addDelta(quote, quoteValue)
	}
	if ev.Fee.IsPositive() && ev.FeeAsset != "" {
		addDelta(ev.FeeAsset, ev.Fee.Neg())
	}
}

// GetAvailableBalance 返回资产当前可用余额，恒 >= 0。
func (l *Ledger) GetAvailableBalance(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var available decimal.Decimal
	switch l.mode {
	case ModeRealTime:
		available = l.realtime[asset].Available
	case ModeSnapshotReconcile:
		s, ok := l.snapshots[asset]
		if !ok {
			return decimal.Zero
		}
		lockedNow := l.lockedNowLocked(asset)
		available = s.available.Add(s.lockedAtSnapshot.Sub(lockedNow)).Add(s.fillDelta)
	}

	if limit, ok := l.limits[asset]; ok {
		capped := limit.Sub(l.lockedNowLocked(asset)).Add(l.filledSinceStart[asset])
		if capped.LessThan(available) {
			available = capped
		}
	}
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// GetTotalBalance 返回资产总额（无数据时为零）
func (l *Ledger) GetTotalBalance(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.mode {
	case ModeRealTime:
		return l.realtime[asset].Total
	case ModeSnapshotReconcile:
		if s, ok := l.snapshots[asset]; ok {
			return s.total
		}
	}
	return decimal.Zero
}

// Balances 全部已知资产的 (asset -> available) 视图
func (l *Ledger) Balances() map[string]decimal.Decimal {
	l.mu.RLock()
	assets := make([]string, 0, len(l.realtime)+len(l.snapshots))
	for a := range l.realtime {
		assets = append(assets, a)
	}
	for a := range l.snapshots {
		assets = append(assets, a)
	}
	l.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(assets))
	for _, a := range assets {
		out[a] = l.GetAvailableBalance(a)
	}
	return out
}

// lockedNowLocked 计算资产当前被非终态订单锁定的数量（调用方持有 l.mu）。
func (l *Ledger) lockedNowLocked(asset string) decimal.Decimal {
	if l.orders == nil {
		return decimal.Zero
	}
	locked := decimal.Zero
	one := decimal.New(1, 0)
	for _, o := range l.orders.ActiveOrders() {
		if o.State.IsTerminal() {
			continue
		}
		switch {
		case o.Side == domain.SideBuy && o.TradingPair.Quote == asset:
			fee := l.feeForLocked(o.TradingPair)
			locked = locked.Add(o.OutstandingQuoteValue().Mul(one.Add(fee)))
		case o.Side == domain.SideSell && o.TradingPair.Base == asset:
			locked = locked.Add(o.RemainingAmount())
		}
	}
	return locked
}

func (l *Ledger) feeForLocked(pair domain.TradingPair) decimal.Decimal {
	if fee, ok := l.feePct[pair]; ok {
		return fee
	}
	if len(l.feePct) == 0 && l.defaultFeePct.IsZero() {
		ledgerLog.Debugf("缺少费率表，使用默认费率 0%%: pair=%s", pair)
	}
	return l.defaultFeePct
}

func (l *Ledger) emit(ev events.BalanceUpdatedEvent) {
	l.handlerMu.RLock()
	handlers := l.handlers
	l.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ledgerLog.Errorf("余额回调 panic: %v", r)
				}
			}()
			h(ev)
		}()
	}
}
