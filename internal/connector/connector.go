// Package connector 是交易所无关的连接器核心：组合交易规则、在途订单跟踪、
// 余额账本和订单簿聚合，对上层暴露统一的下单/撤单/行情接口。
//
// 对接一个新交易所只需要实现 ports.TradingAPIClient（REST 轮询路径）和
// ports.MarketDataSource（推送路径），核心不 import 任何交易所私有代码。
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/events"
	"github.com/betbot/goconnector/internal/execution"
	"github.com/betbot/goconnector/internal/ledger"
	"github.com/betbot/goconnector/internal/ports"
	"github.com/betbot/goconnector/internal/rules"
	"github.com/betbot/goconnector/internal/tracking"
	"github.com/betbot/goconnector/pkg/orderbook"
	"github.com/betbot/goconnector/pkg/ratelimit"
	"github.com/betbot/goconnector/pkg/syncgroup"
)

var connLog = logrus.WithField("component", "connector")

var (
	// ErrAmountQuantizedToZero 量化后数量为零（低于最小下单量或最小名义价值）
	ErrAmountQuantizedToZero = fmt.Errorf("order amount quantized to zero")
	// ErrPairNotRegistered 交易对未注册（先 AddPair）
	ErrPairNotRegistered = fmt.Errorf("trading pair not registered")
	// ErrOrderTypeNotSupported 该市场不支持这种订单类型
	ErrOrderTypeNotSupported = fmt.Errorf("order type not supported by market")
	// ErrNotStarted 连接器未启动
	ErrNotStarted = fmt.Errorf("connector not started")
)

// Config 连接器运行参数
type Config struct {
	PollInterval   time.Duration // 轮询周期，默认 5s
	SubmitTimeout  time.Duration // 单次下单请求超时，默认 10s
	AwaitIDTimeout time.Duration // 撤单前等待 exchange id 的超时，默认 10s
	RuleSyncEvery  int           // 每 N 轮轮询刷一次交易规则，默认 12
	NotFoundLimit  int           // 连续 not-found 判失败阈值，默认 tracking.DefaultNotFoundLimit
	LedgerMode     ledger.Mode   // 余额账本模式
	RequestsPerSec float64       // REST 限速（令牌桶补充速率），默认 10
	RequestBurst   int           // REST 限速突发容量，默认 20
	DefaultFeePct  decimal.Decimal
}

func (c *Config) fillDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.AwaitIDTimeout <= 0 {
		c.AwaitIDTimeout = 10 * time.Second
	}
	if c.RuleSyncEvery <= 0 {
		c.RuleSyncEvery = 12
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 10
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 20
	}
}

// bookState 单个交易对的簿状态：按订单 id 聚合 + 按价位排序的两侧视图。
// 推送消费是单写者，aggregator 本身不加锁；book 内部有自己的读写锁。
type bookState struct {
	agg  *orderbook.Aggregator
	book *orderbook.OrderBook
}

// Connector 连接器运行时。一个实例对应一个交易所账户。
type Connector struct {
	cfg    Config
	api    ports.TradingAPIClient
	source ports.MarketDataSource

	rules   *rules.RuleBook
	tracker *tracking.OrderTracker
	ledger  *ledger.Ledger
	limiter *ratelimit.TokenBucket
	gate    *execution.InFlightDeduper

	mu    sync.RWMutex
	books map[string]*bookState // pair.String() -> 簿状态

	// 就绪标志（轮询/推送首次成功后置位）
	rulesLoaded    bool
	balancesLoaded bool

	handlerMu   sync.RWMutex
	rowHandlers []ports.BookRowHandler
	balHandlers []ports.BalanceHandler

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      *syncgroup.Group
}

// New 创建连接器。source 可以为 nil（纯轮询模式）。
func New(cfg Config, api ports.TradingAPIClient, source ports.MarketDataSource) *Connector {
	cfg.fillDefaults()
	tracker := tracking.NewOrderTracker()
	if cfg.NotFoundLimit > 0 {
		tracker.SetNotFoundLimit(cfg.NotFoundLimit)
	}
	led := ledger.New(cfg.LedgerMode, tracker)
	if !cfg.DefaultFeePct.IsZero() {
		led.SetDefaultFeePct(cfg.DefaultFeePct)
	}

	c := &Connector{
		cfg:     cfg,
		api:     api,
		source:  source,
		rules:   rules.NewRuleBook(),
		tracker: tracker,
		ledger:  led,
		limiter: ratelimit.NewTokenBucket(cfg.RequestBurst, cfg.RequestsPerSec),
		gate:    execution.NewInFlightDeduper(cfg.SubmitTimeout, 64),
		books:   make(map[string]*bookState),
		wg:      syncgroup.New(),
	}

	// 成交入账：tracker 发出的每笔 FillEvent 同步进账本
	tracker.OnFill(fillToLedger{led})
	// 账本的余额变化转发给外部注册的 BalanceHandler
	led.OnBalanceUpdated(c.emitBalance)
	return c
}

// fillToLedger FillEvent -> 账本的桥接
type fillToLedger struct{ l *ledger.Ledger }

func (f fillToLedger) OnFill(_ context.Context, ev events.FillEvent) {
	f.l.RecordFill(ev)
}

// AddPair 注册交易对：为它建立订单簿状态。必须在 Start 前或运行中调用，
// 未注册交易对的行情消息会被丢弃。
func (c *Connector) AddPair(pair domain.TradingPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pair.String()
	if _, ok := c.books[key]; ok {
		return
	}
	c.books[key] = &bookState{
		agg:  orderbook.NewAggregator(pair),
		book: orderbook.NewOrderBook(pair),
	}
	connLog.Infof("注册交易对: %s", key)
}

// Start 启动轮询循环与推送消费。重复调用是 no-op。
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	if c.source != nil {
		if err := c.source.Connect(c.ctx); err != nil {
			connLog.Errorf("行情源连接失败（仅轮询模式继续运行）: %v", err)
		} else {
			c.wg.Go(func() { c.consumeBookStream(c.ctx) })
			c.wg.Go(func() { c.consumeUserStream(c.ctx) })
		}
	}
	c.wg.Go(func() { c.runPollingLoop(c.ctx) })

	connLog.Info("✅ 连接器已启动")
	return nil
}

// Stop 停止全部循环并等待退出
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.started = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.source != nil {
		_ = c.source.Close()
	}
	c.wg.Wait()
	connLog.Info("连接器已停止")
}

// Buy 提交买单。本地校验+量化后立刻返回 clientOrderID，网络提交异步进行；
// 提交结果通过订单事件（OnOrderEvent）回流。
func (c *Connector) Buy(pair domain.TradingPair, amount decimal.Decimal, orderType domain.OrderType, price decimal.Decimal) (string, error) {
	return c.createOrder(domain.SideBuy, pair, amount, orderType, price)
}

// Sell 提交卖单，语义与 Buy 对称。
func (c *Connector) Sell(pair domain.TradingPair, amount decimal.Decimal, orderType domain.OrderType, price decimal.Decimal) (string, error) {
	return c.createOrder(domain.SideSell, pair, amount, orderType, price)
}

func (c *Connector) createOrder(side domain.Side, pair domain.TradingPair, amount decimal.Decimal, orderType domain.OrderType, price decimal.Decimal) (string, error) {
	c.mu.RLock()
	started := c.started
	ctx := c.ctx
	c.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	rule, err := c.rules.Get(pair)
	if err != nil {
		return "", err
	}
	if (orderType == domain.OrderTypeLimit && !rule.SupportsLimitOrders) ||
		(orderType == domain.OrderTypeMarket && !rule.SupportsMarketOrders) {
		return "", ErrOrderTypeNotSupported
	}

	qPrice := decimal.Zero
	if orderType == domain.OrderTypeLimit {
		qPrice, err = c.rules.QuantizeOrderPrice(pair, price)
		if err != nil {
			return "", err
		}
	}
	qAmount, err := c.rules.QuantizeOrderAmount(pair, amount, qPrice)
	if err != nil {
		return "", err
	}
	if qAmount.IsZero() {
		// 哨兵：低于最小下单量/最小名义价值，不是可下调的请求
		return "", ErrAmountQuantizedToZero
	}

	clientID := fmt.Sprintf("%s-%s", side, uuid.NewString())
	order := domain.InFlightOrder{
		ClientOrderID: clientID,
		TradingPair:   pair,
		Side:          side,
		Type:          orderType,
		Price:         qPrice,
		Amount:        qAmount,
		State:         domain.OrderStateOpen,
	}
	if err := c.tracker.Create(order); err != nil {
		return "", err
	}

	c.wg.Go(func() { c.submitOrder(ctx, order) })
	return clientID, nil
}

// submitOrder 异步提交路径。失败只影响这一个订单（标记 FAILED 并发事件），
// 绝不让错误冒泡到调用方之外的订单。
func (c *Connector) submitOrder(ctx context.Context, order domain.InFlightOrder) {
	if err := c.gate.TryAcquire(execution.OpSubmit, order.ClientOrderID); err != nil {
		connLog.Warnf("重复提交被拦截: clientID=%s", order.ClientOrderID)
		return
	}
	defer c.gate.Release(execution.OpSubmit, order.ClientOrderID)

	c.tracker.MarkPendingSubmit(order.ClientOrderID)

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()
	if err := c.limiter.Wait(sctx); err != nil {
		c.tracker.MarkTerminal(order.ClientOrderID, domain.OrderStateFailed, fmt.Sprintf("rate limit wait: %v", err))
		return
	}

	exchangeID, err := c.api.PlaceOrder(sctx, ports.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		TradingPair:   order.TradingPair,
		Side:          order.Side,
		Type:          order.Type,
		Amount:        order.Amount,
		Price:         order.Price,
	})
	if err != nil {
		connLog.Warnf("下单失败: clientID=%s err=%v", order.ClientOrderID, err)
		c.tracker.MarkTerminal(order.ClientOrderID, domain.OrderStateFailed, err.Error())
		return
	}
	if err := c.tracker.SetExchangeOrderID(order.ClientOrderID, exchangeID); err != nil {
		// 订单可能在回包前已被推送流到终态（极快成交/取消），不算错误
		connLog.Debugf("下单回包晚到: clientID=%s exchangeID=%s err=%v", order.ClientOrderID, exchangeID, err)
		return
	}
	connLog.Infof("下单成功: clientID=%s exchangeID=%s %s %s %s@%s",
		order.ClientOrderID, exchangeID, order.TradingPair, order.Side, order.Amount, order.Price)
}

// Cancel 发起撤单（fire-and-forget）。本地不直接置终态，
// CANCELLED 只能由轮询或推送确认后到达。
func (c *Connector) Cancel(clientOrderID string) {
	c.mu.RLock()
	started := c.started
	ctx := c.ctx
	c.mu.RUnlock()
	if !started {
		connLog.Warnf("连接器未启动，忽略撤单: clientID=%s", clientOrderID)
		return
	}
	c.wg.Go(func() { c.cancelOrder(ctx, clientOrderID) })
}

func (c *Connector) cancelOrder(ctx context.Context, clientOrderID string) {
	if err := c.gate.TryAcquire(execution.OpCancel, clientOrderID); err != nil {
		return
	}
	defer c.gate.Release(execution.OpCancel, clientOrderID)

	// 下单回包可能还没回来，先等 exchange id
	exchangeID, err := c.tracker.AwaitExchangeOrderID(ctx, clientOrderID, c.cfg.AwaitIDTimeout)
	if err != nil {
		connLog.Warnf("撤单放弃（等不到 exchange id）: clientID=%s err=%v", clientOrderID, err)
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	if err := c.api.CancelOrder(ctx, exchangeID); err != nil {
		connLog.Warnf("撤单请求失败（等待轮询对账）: clientID=%s err=%v", clientOrderID, err)
		return
	}
	connLog.Infof("撤单已受理: clientID=%s exchangeID=%s", clientOrderID, exchangeID)
}

// CancelAll 尽力撤掉全部活跃订单，返回 clientOrderID -> 错误（nil 表示已受理）。
// 超时内没拿到 exchange id 的订单记为失败，但不影响其它订单。
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) map[string]error {
	active := c.tracker.ActiveOrders()
	results := make(map[string]error, len(active))
	var resMu sync.Mutex

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g := syncgroup.New()
	for _, o := range active {
		o := o
		g.Go(func() {
			err := c.cancelOne(cctx, o)
			resMu.Lock()
			results[o.ClientOrderID] = err
			resMu.Unlock()
		})
	}
	g.Wait()
	return results
}

func (c *Connector) cancelOne(ctx context.Context, o domain.InFlightOrder) error {
	exchangeID := o.ExchangeOrderID
	if exchangeID == "" {
		var err error
		exchangeID, err = c.tracker.AwaitExchangeOrderID(ctx, o.ClientOrderID, c.cfg.AwaitIDTimeout)
		if err != nil {
			return err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.api.CancelOrder(ctx, exchangeID)
}

// GetOrderBook 返回交易对的簿视图。返回的对象内部有自己的锁，读是安全的。
func (c *Connector) GetOrderBook(pair domain.TradingPair) (*orderbook.OrderBook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.books[pair.String()]
	if !ok {
		return nil, ErrPairNotRegistered
	}
	return st.book, nil
}

// GetAvailableBalance 可用余额（扣除活跃订单锁定+预算上限裁剪）
func (c *Connector) GetAvailableBalance(asset string) decimal.Decimal {
	return c.ledger.GetAvailableBalance(asset)
}

// GetTotalBalance 总余额
func (c *Connector) GetTotalBalance(asset string) decimal.Decimal {
	return c.ledger.GetTotalBalance(asset)
}

// GetOrder 订单快照
func (c *Connector) GetOrder(clientOrderID string) (domain.InFlightOrder, bool) {
	return c.tracker.Get(clientOrderID)
}

// ActiveOrders 全部活跃订单快照
func (c *Connector) ActiveOrders() []domain.InFlightOrder {
	return c.tracker.ActiveOrders()
}

// Ledger 暴露账本（设置预算/费率用）
func (c *Connector) Ledger() *ledger.Ledger {
	return c.ledger
}

// Rules 暴露规则簿（量化检查用）
func (c *Connector) Rules() *rules.RuleBook {
	return c.rules
}

// Ready 规则、余额都已加载且全部注册交易对的簿收到过快照
func (c *Connector) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.rulesLoaded || !c.balancesLoaded {
		return false
	}
	for _, st := range c.books {
		if !st.book.Ready() {
			return false
		}
	}
	return true
}

// TrackingStates 导出在途订单（热重启用，持久化由调用方完成）
func (c *Connector) TrackingStates() map[string]domain.InFlightOrder {
	return c.tracker.TrackingStates()
}

// RestoreTrackingStates 恢复在途订单，之后由轮询对账纠偏
func (c *Connector) RestoreTrackingStates(states map[string]domain.InFlightOrder) {
	c.tracker.RestoreTrackingStates(states)
}

// 事件注册（转发给 tracker / 本地处理器列表）

func (c *Connector) OnFill(h ports.FillHandler) {
	c.tracker.OnFill(h)
}

func (c *Connector) OnOrderEvent(h ports.OrderEventHandler) {
	c.tracker.OnOrderEvent(h)
}

func (c *Connector) OnBalanceUpdated(h ports.BalanceHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.balHandlers = append(c.balHandlers, h)
}

func (c *Connector) OnBookRow(h ports.BookRowHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.rowHandlers = append(c.rowHandlers, h)
}

func (c *Connector) emitBalance(ev events.BalanceUpdatedEvent) {
	c.handlerMu.RLock()
	handlers := c.balHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h.OnBalanceUpdated(context.Background(), ev)
	}
}

func (c *Connector) emitRows(rows []events.BookRowEvent) {
	if len(rows) == 0 {
		return
	}
	c.handlerMu.RLock()
	handlers := c.rowHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		for _, row := range rows {
			h.OnBookRow(context.Background(), row)
		}
	}
}
