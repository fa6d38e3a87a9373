package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/ports"
)

// simVenue 进程内模拟交易所：实现 TradingAPIClient + MarketDataSource。
// 限价单在中间价穿过委托价时成交；订单簿按随机游走生成订单级 diff。
type simVenue struct {
	mu sync.Mutex

	pair     domain.TradingPair
	mid      decimal.Decimal
	balances map[string]decimal.Decimal

	nextOrderID int
	nextTradeID int
	nextBookID  int
	open        map[string]*simOrder         // exchangeOrderID -> 活跃订单
	closed      map[string]domain.OrderState // 已终态订单（轮询查询要能看到终态）

	bookC chan ports.BookMessage
	userC chan ports.UserEvent

	cancel context.CancelFunc
}

type simOrder struct {
	req        ports.PlaceOrderRequest
	exchangeID string
	state      domain.OrderState
}

func newSimVenue(pair domain.TradingPair, startMid decimal.Decimal) *simVenue {
	return &simVenue{
		pair: pair,
		mid:  startMid,
		balances: map[string]decimal.Decimal{
			pair.Quote: decimal.NewFromInt(100000),
			pair.Base:  decimal.NewFromInt(100),
		},
		open:   make(map[string]*simOrder),
		closed: make(map[string]domain.OrderState),
		bookC:  make(chan ports.BookMessage, 256),
		userC:  make(chan ports.UserEvent, 256),
	}
}

// --- TradingAPIClient ---

func (v *simVenue) PlaceOrder(_ context.Context, req ports.PlaceOrderRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextOrderID++
	id := fmt.Sprintf("SIM-%d", v.nextOrderID)
	v.open[id] = &simOrder{req: req, exchangeID: id, state: domain.OrderStateConfirmed}
	return id, nil
}

func (v *simVenue) CancelOrder(_ context.Context, exchangeOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.open[exchangeOrderID]
	if !ok {
		return fmt.Errorf("order %s not open", exchangeOrderID)
	}
	o.state = domain.OrderStateCancelled
	v.closed[exchangeOrderID] = domain.OrderStateCancelled
	delete(v.open, exchangeOrderID)
	v.pushUserLocked(ports.UserEvent{OrderUpdate: &domain.OrderStatusUpdate{
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     o.req.TradingPair,
		State:           domain.OrderStateCancelled,
	}})
	return nil
}

func (v *simVenue) FetchOrderStatus(_ context.Context, exchangeOrderID string) (domain.OrderStatusUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.open[exchangeOrderID]
	if !ok {
		if state, done := v.closed[exchangeOrderID]; done {
			return domain.OrderStatusUpdate{ExchangeOrderID: exchangeOrderID, State: state}, nil
		}
		return domain.OrderStatusUpdate{ExchangeOrderID: exchangeOrderID, NotFound: true}, nil
	}
	return domain.OrderStatusUpdate{
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     o.req.TradingPair,
		State:           o.state,
	}, nil
}

func (v *simVenue) FetchBalances(_ context.Context) ([]domain.AccountBalance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.AccountBalance, 0, len(v.balances))
	for asset, total := range v.balances {
		out = append(out, domain.AccountBalance{Asset: asset, Total: total, Available: total})
	}
	return out, nil
}

func (v *simVenue) FetchTradingRules(_ context.Context) ([]domain.TradingRule, error) {
	return []domain.TradingRule{{
		TradingPair:            v.pair,
		MinOrderSize:           decimal.RequireFromString("0.001"),
		MinPriceIncrement:      decimal.RequireFromString("0.01"),
		MinBaseAmountIncrement: decimal.RequireFromString("0.001"),
		MinNotionalSize:        decimal.RequireFromString("5"),
		SupportsLimitOrders:    true,
		SupportsMarketOrders:   true,
	}}, nil
}

// --- MarketDataSource ---

func (v *simVenue) BookMessages() <-chan ports.BookMessage { return v.bookC }
func (v *simVenue) UserEvents() <-chan ports.UserEvent     { return v.userC }

func (v *simVenue) Connect(ctx context.Context) error {
	vctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.emitSnapshot()
	go v.run(vctx)
	return nil
}

func (v *simVenue) Close() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

// run 行情与撮合主循环：每个 tick 随机游走中间价、重发簿快照、撮合挂单
func (v *simVenue) run(ctx context.Context) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.tick()
		}
	}
}

func (v *simVenue) tick() {
	v.mu.Lock()
	defer v.mu.Unlock()

	// 随机游走：±0.05 步长
	step := decimal.NewFromFloat((rand.Float64() - 0.5) / 10)
	v.mid = v.mid.Add(step)
	if v.mid.LessThan(decimal.NewFromInt(1)) {
		v.mid = decimal.NewFromInt(1)
	}

	v.emitSnapshotLocked()
	v.matchLocked()
}

func (v *simVenue) emitSnapshot() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emitSnapshotLocked()
}

// emitSnapshotLocked 以 mid 为中心生成三层深度的快照
func (v *simVenue) emitSnapshotLocked() {
	v.nextBookID++
	tickSize := decimal.RequireFromString("0.05")
	orders := make([]ports.BookOrder, 0, 6)
	for i := 1; i <= 3; i++ {
		off := tickSize.Mul(decimal.NewFromInt(int64(i)))
		size := decimal.NewFromInt(int64(10 * i))
		orders = append(orders,
			ports.BookOrder{
				OrderID: fmt.Sprintf("bid-%d-%d", v.nextBookID, i),
				Side:    domain.SideBuy,
				Price:   v.mid.Sub(off).Round(2),
				Size:    size,
			},
			ports.BookOrder{
				OrderID: fmt.Sprintf("ask-%d-%d", v.nextBookID, i),
				Side:    domain.SideSell,
				Price:   v.mid.Add(off).Round(2),
				Size:    size,
			},
		)
	}
	select {
	case v.bookC <- ports.BookMessage{
		Kind:        ports.BookMessageSnapshot,
		TradingPair: v.pair,
		Timestamp:   time.Now().UnixMilli(),
		UpdateID:    uint64(v.nextBookID),
		Orders:      orders,
	}:
	default:
	}
}

// matchLocked 中间价穿过委托价的限价单全额成交
func (v *simVenue) matchLocked() {
	for id, o := range v.open {
		crossed := (o.req.Side == domain.SideBuy && v.mid.LessThanOrEqual(o.req.Price)) ||
			(o.req.Side == domain.SideSell && v.mid.GreaterThanOrEqual(o.req.Price))
		if !crossed {
			continue
		}
		v.nextTradeID++
		v.closed[id] = domain.OrderStateFilled
		delete(v.open, id)
		v.pushUserLocked(ports.UserEvent{Trade: &domain.Trade{
			ID:            fmt.Sprintf("SIMT-%d", v.nextTradeID),
			ClientOrderID: o.req.ClientOrderID,
			TradingPair:   o.req.TradingPair,
			Side:          o.req.Side,
			Price:         o.req.Price,
			Amount:        o.req.Amount,
			Time:          time.Now(),
		}})
	}
}

func (v *simVenue) pushUserLocked(ev ports.UserEvent) {
	select {
	case v.userC <- ev:
	default:
	}
}
