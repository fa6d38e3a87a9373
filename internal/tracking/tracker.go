package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
	"github.com/betbot/goconnector/internal/ports"
	"github.com/betbot/goconnector/pkg/sigchan"
)

var trackLog = logrus.WithField("component", "order_tracker")

var (
	// ErrOrderNotTracked 订单不在活跃集合里（可能已终态移除）
	ErrOrderNotTracked = errors.New("order not tracked")
	// ErrDuplicateClientOrderID client order id 必须唯一
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	// ErrAwaitExchangeIDTimeout 等待 exchange order id 超时
	ErrAwaitExchangeIDTimeout = errors.New("await exchange order id timeout")
)

// DefaultNotFoundLimit 连续 not-found 判定订单失败的默认阈值。
// 部分交易所对新订单会短暂返回 404，单次 not-found 视为瞬态。
const DefaultNotFoundLimit = 3

// trackedOrder 活跃订单 + 它的串行化锁与成交去重集合。
// 同一订单的轮询路径与推送路径都先拿 mu，字段更新不会被撕裂；
// 不同订单各持各锁，互不阻塞。
type trackedOrder struct {
	mu            sync.Mutex
	order         domain.InFlightOrder
	fills         map[string]struct{} // 已应用的 trade id
	notFoundCount int
	idReady       *sigchan.Chan // exchange order id 到达信号
}

// OrderTracker 在途订单仓库（per-connector 独占）。
//
// 状态推进由轮询与推送共同驱动，全部经过 transition（基于
// domain.OrderState.CanTransitionTo），到达顺序不影响最终状态。
// 事件通过注册的回调串行投递，回调里的 panic 不会影响仓库本身。
type OrderTracker struct {
	mu     sync.RWMutex
	orders map[string]*trackedOrder // clientOrderID -> 订单
	// exchangeOrderID -> clientOrderID（推送消息常只带交易所 id）
	byExchangeID map[string]string
	// 先于 Create 到达的更新暂存：
	// 推送与下单回包存在竞速，早到的更新不能被静默丢弃
	pendingUpdates map[string][]domain.OrderStatusUpdate

	notFoundLimit int

	handlerMu     sync.RWMutex
	fillHandlers  []ports.FillHandler
	orderHandlers []ports.OrderEventHandler
}

func NewOrderTracker() *OrderTracker {
	return &OrderTracker{
		orders:         make(map[string]*trackedOrder),
		byExchangeID:   make(map[string]string),
		pendingUpdates: make(map[string][]domain.OrderStatusUpdate),
		notFoundLimit:  DefaultNotFoundLimit,
	}
}

// SetNotFoundLimit 覆盖连续 not-found 阈值（<=0 忽略）
func (t *OrderTracker) SetNotFoundLimit(n int) {
	if n > 0 {
		t.notFoundLimit = n
	}
}

// OnFill 注册成交事件回调
func (t *OrderTracker) OnFill(h ports.FillHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.fillHandlers = append(t.fillHandlers, h)
}

// OnOrderEvent 注册订单终态事件回调
func (t *OrderTracker) OnOrderEvent(h ports.OrderEventHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.orderHandlers = append(t.orderHandlers, h)
}

// Create 本地注册一个 OPEN 订单（无网络 I/O；exchange id 之后异步补上）。
// 如果该 clientOrderID 有早到的暂存更新，注册后立即重放。
func (t *OrderTracker) Create(order domain.InFlightOrder) error {
	if order.ClientOrderID == "" {
		return fmt.Errorf("client order id is empty")
	}
	if order.State == "" {
		order.State = domain.OrderStateOpen
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = order.CreatedAt

	t.mu.Lock()
	if _, exists := t.orders[order.ClientOrderID]; exists {
		t.mu.Unlock()
		return ErrDuplicateClientOrderID
	}
	to := &trackedOrder{
		order:   order,
		fills:   make(map[string]struct{}),
		idReady: sigchan.New(1),
	}
	t.orders[order.ClientOrderID] = to
	if order.ExchangeOrderID != "" {
		t.byExchangeID[order.ExchangeOrderID] = order.ClientOrderID
	}
	replay := t.pendingUpdates[order.ClientOrderID]
	delete(t.pendingUpdates, order.ClientOrderID)
	t.mu.Unlock()

	trackLog.Debugf("开始跟踪订单: clientID=%s pair=%s side=%s amount=%s",
		order.ClientOrderID, order.TradingPair, order.Side, order.Amount)

	for _, upd := range replay {
		t.ProcessOrderUpdate(upd)
	}
	return nil
}

// MarkPendingSubmit 订单已发往交易所，等待确认
func (t *OrderTracker) MarkPendingSubmit(clientOrderID string) {
	t.transition(clientOrderID, domain.OrderStatePendingSubmit, "")
}

// SetExchangeOrderID 记录交易所分配的 id 并推进到 confirmed。
// 重复设置同一 id 是 no-op。
func (t *OrderTracker) SetExchangeOrderID(clientOrderID, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return fmt.Errorf("exchange order id is empty")
	}
	to, ok := t.lookup(clientOrderID)
	if !ok {
		return ErrOrderNotTracked
	}

	to.mu.Lock()
	current := to.order.ExchangeOrderID
	stored := false
	if current == "" {
		to.order.ExchangeOrderID = exchangeOrderID
		to.order.UpdatedAt = time.Now()
		stored = true
	}
	to.mu.Unlock()

	if current != "" && current != exchangeOrderID {
		// 同一订单出现第二个不同的 exchange id：保留首个，
		// 冲突的 id 不进索引（否则会留下指向错误订单的悬挂映射）
		trackLog.Warnf("忽略冲突的 exchange id: clientID=%s 已有=%s 新=%s",
			clientOrderID, current, exchangeOrderID)
		return nil
	}
	if stored {
		t.mu.Lock()
		t.byExchangeID[exchangeOrderID] = clientOrderID
		t.mu.Unlock()
		t.transition(clientOrderID, domain.OrderStateConfirmed, "")
	}
	to.idReady.Emit()
	return nil
}

// AwaitExchangeOrderID 挂起直到 exchange id 就绪或超时。
// 取消逻辑等需要 exchange id 的调用方用它等待确认。
func (t *OrderTracker) AwaitExchangeOrderID(ctx context.Context, clientOrderID string, timeout time.Duration) (string, error) {
	to, ok := t.lookup(clientOrderID)
	if !ok {
		return "", ErrOrderNotTracked
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		to.mu.Lock()
		id := to.order.ExchangeOrderID
		to.mu.Unlock()
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrAwaitExchangeIDTimeout
		case <-to.idReady.C():
			// 醒来后重新检查
		}
	}
}

// ApplyFill 应用一笔成交：按 trade id 幂等，重复成交静默丢弃
//（保持不变式的 no-op，不是错误）。已成交数量单调推进，
// 成交比例到 1（容差内）时翻转为 FILLED 并移出活跃集合。
// 每个 trade id 恰好发出一次 FillEvent。
func (t *OrderTracker) ApplyFill(trade domain.Trade) {
	to, ok := t.lookup(trade.ClientOrderID)
	if !ok {
		// 未跟踪（含已终态移除）：终态后的新 trade id 一律拒绝
		trackLog.Debugf("忽略未跟踪订单的成交: clientID=%s tradeID=%s", trade.ClientOrderID, trade.ID)
		return
	}

	to.mu.Lock()
	if to.order.State.IsTerminal() {
		to.mu.Unlock()
		trackLog.Debugf("忽略终态订单的成交: clientID=%s tradeID=%s", trade.ClientOrderID, trade.ID)
		return
	}
	if _, dup := to.fills[trade.ID]; dup {
		to.mu.Unlock()
		trackLog.Debugf("忽略重复成交: %s", trade.Key())
		return
	}
	to.fills[trade.ID] = struct{}{}

	to.order.ExecutedAmountBase = to.order.ExecutedAmountBase.Add(trade.Amount)
	to.order.ExecutedAmountQuote = to.order.ExecutedAmountQuote.Add(trade.Amount.Mul(trade.Price))
	if trade.FeeAsset != "" {
		to.order.FeeAsset = trade.FeeAsset
	}
	to.order.FeePaid = to.order.FeePaid.Add(trade.Fee)
	to.order.UpdatedAt = time.Now()

	filled := to.order.IsFullyFilled()
	if filled {
		to.order.State = domain.OrderStateFilled
	} else if to.order.State.CanTransitionTo(domain.OrderStatePartialFill) {
		to.order.State = domain.OrderStatePartialFill
	}
	snapshot := to.order.Snapshot()
	to.mu.Unlock()

	t.emitFill(events.FillEvent{
		ClientOrderID: trade.ClientOrderID,
		TradeID:       trade.ID,
		TradingPair:   snapshot.TradingPair,
		Side:          snapshot.Side,
		Price:         trade.Price,
		Amount:        trade.Amount,
		FeeAsset:      trade.FeeAsset,
		Fee:           trade.Fee,
		Timestamp:     orNow(trade.Time),
	})

	if filled {
		t.remove(trade.ClientOrderID, snapshot.ExchangeOrderID)
		t.emitCompleted(events.OrderCompletedEvent{Order: snapshot, Timestamp: time.Now()})
		trackLog.Infof("订单完全成交: clientID=%s executed=%s/%s",
			trade.ClientOrderID, snapshot.ExecutedAmountBase, snapshot.Amount)
	}
}

// ProcessOrderUpdate 统一的订单状态更新入口（轮询与推送共用）。
// 订单未注册时暂存更新，等 Create 后重放。
func (t *OrderTracker) ProcessOrderUpdate(update domain.OrderStatusUpdate) {
	clientID := update.ClientOrderID
	if clientID == "" && update.ExchangeOrderID != "" {
		t.mu.RLock()
		clientID = t.byExchangeID[update.ExchangeOrderID]
		t.mu.RUnlock()
	}
	if clientID == "" {
		trackLog.Debugf("忽略无法归属的订单更新: exchangeID=%s", update.ExchangeOrderID)
		return
	}

	to, ok := t.lookup(clientID)
	if !ok {
		t.mu.Lock()
		// 再查一次，避免与 Create 竞速时误存
		if _, exists := t.orders[clientID]; exists {
			t.mu.Unlock()
			t.ProcessOrderUpdate(update)
			return
		}
		update.ClientOrderID = clientID
		t.pendingUpdates[clientID] = append(t.pendingUpdates[clientID], update)
		t.mu.Unlock()
		trackLog.Debugf("暂存早到的订单更新: clientID=%s state=%s", clientID, update.State)
		return
	}

	if update.NotFound {
		t.handleNotFound(clientID, to)
		return
	}
	to.mu.Lock()
	to.notFoundCount = 0
	to.mu.Unlock()

	if update.ExchangeOrderID != "" {
		_ = t.SetExchangeOrderID(clientID, update.ExchangeOrderID)
	}
	if update.State != "" {
		t.transition(clientID, update.State, "")
	}
}

// handleNotFound 单次 not-found 视为瞬态；连续 notFoundLimit 次判定 FAILED
func (t *OrderTracker) handleNotFound(clientID string, to *trackedOrder) {
	to.mu.Lock()
	to.notFoundCount++
	count := to.notFoundCount
	to.mu.Unlock()

	if count < t.notFoundLimit {
		trackLog.Debugf("订单 not-found（%d/%d，视为瞬态）: clientID=%s", count, t.notFoundLimit, clientID)
		return
	}
	trackLog.Warnf("订单连续 %d 次 not-found，标记失败: clientID=%s", count, clientID)
	t.transition(clientID, domain.OrderStateFailed, fmt.Sprintf("not found after %d consecutive polls", count))
}

// MarkTerminal 显式标记终态（提交失败等本地原因）。
// 从终态重复调用是 no-op（吸收重复的取消/失败通知）。
func (t *OrderTracker) MarkTerminal(clientOrderID string, state domain.OrderState, reason string) {
	if !state.IsTerminal() {
		trackLog.Warnf("MarkTerminal 收到非终态 %s: clientID=%s", state, clientOrderID)
		return
	}
	t.transition(clientOrderID, state, reason)
}

// transition 共享状态推进函数。只有 CanTransitionTo 允许的推进会生效；
// 到达终态时移出活跃集合并发事件。
func (t *OrderTracker) transition(clientOrderID string, next domain.OrderState, reason string) {
	to, ok := t.lookup(clientOrderID)
	if !ok {
		return
	}

	to.mu.Lock()
	if !to.order.State.CanTransitionTo(next) {
		to.mu.Unlock()
		return
	}
	prev := to.order.State
	to.order.State = next
	to.order.UpdatedAt = time.Now()
	snapshot := to.order.Snapshot()
	to.mu.Unlock()

	trackLog.Debugf("订单状态推进: clientID=%s %s -> %s", clientOrderID, prev, next)

	if !next.IsTerminal() {
		return
	}
	t.remove(clientOrderID, snapshot.ExchangeOrderID)
	now := time.Now()
	switch next {
	case domain.OrderStateFilled:
		t.emitCompleted(events.OrderCompletedEvent{Order: snapshot, Timestamp: now})
	case domain.OrderStateCancelled:
		t.emitCancelled(events.OrderCancelledEvent{Order: snapshot, Timestamp: now})
	case domain.OrderStateFailed:
		t.emitFailed(events.OrderFailedEvent{Order: snapshot, Reason: reason, Timestamp: now})
	}
}

// Get 返回订单快照（值拷贝）
func (t *OrderTracker) Get(clientOrderID string) (domain.InFlightOrder, bool) {
	to, ok := t.lookup(clientOrderID)
	if !ok {
		return domain.InFlightOrder{}, false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	return to.order.Snapshot(), true
}

// ActiveOrders 返回全部活跃订单的快照（ledger 计算锁定余额用）
func (t *OrderTracker) ActiveOrders() []domain.InFlightOrder {
	t.mu.RLock()
	tracked := make([]*trackedOrder, 0, len(t.orders))
	for _, to := range t.orders {
		tracked = append(tracked, to)
	}
	t.mu.RUnlock()

	out := make([]domain.InFlightOrder, 0, len(tracked))
	for _, to := range tracked {
		to.mu.Lock()
		out = append(out, to.order.Snapshot())
		to.mu.Unlock()
	}
	return out
}

// ActiveCount 活跃订单数
func (t *OrderTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// TrackingStates 导出活跃订单（warm restart 的持久化由外层完成）
func (t *OrderTracker) TrackingStates() map[string]domain.InFlightOrder {
	out := make(map[string]domain.InFlightOrder)
	for _, o := range t.ActiveOrders() {
		out[o.ClientOrderID] = o
	}
	return out
}

// RestoreTrackingStates 恢复此前导出的在途订单（终态的跳过）
func (t *OrderTracker) RestoreTrackingStates(states map[string]domain.InFlightOrder) {
	for _, o := range states {
		if o.State.IsTerminal() {
			continue
		}
		if err := t.Create(o); err != nil {
			trackLog.Warnf("恢复订单失败: clientID=%s err=%v", o.ClientOrderID, err)
		}
	}
}

func (t *OrderTracker) lookup(clientOrderID string) (*trackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	to, ok := t.orders[clientOrderID]
	return to, ok
}

func (t *OrderTracker) remove(clientOrderID, exchangeOrderID string) {
	t.mu.Lock()
	delete(t.orders, clientOrderID)
	if exchangeOrderID != "" {
		delete(t.byExchangeID, exchangeOrderID)
	}
	delete(t.pendingUpdates, clientOrderID)
	t.mu.Unlock()
}

// 回调在锁外串行执行；panic 被隔离，不影响仓库状态

func (t *OrderTracker) emitFill(ev events.FillEvent) {
	t.handlerMu.RLock()
	handlers := t.fillHandlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		safeInvoke(func() { h.OnFill(context.Background(), ev) })
	}
}

func (t *OrderTracker) emitCompleted(ev events.OrderCompletedEvent) {
	t.handlerMu.RLock()
	handlers := t.orderHandlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		safeInvoke(func() { h.OnOrderCompleted(context.Background(), ev) })
	}
}

func (t *OrderTracker) emitCancelled(ev events.OrderCancelledEvent) {
	t.handlerMu.RLock()
	handlers := t.orderHandlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		safeInvoke(func() { h.OnOrderCancelled(context.Background(), ev) })
	}
}

func (t *OrderTracker) emitFailed(ev events.OrderFailedEvent) {
	t.handlerMu.RLock()
	handlers := t.orderHandlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		safeInvoke(func() { h.OnOrderFailed(context.Background(), ev) })
	}
}

func safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			trackLog.Errorf("事件回调 panic: %v", r)
		}
	}()
	fn()
}

func orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
