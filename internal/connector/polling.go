package connector

import (
	"context"
	"time"

	"github.com/betbot/goconnector/internal/execution"
	"github.com/betbot/goconnector/pkg/syncgroup"
)

// 轮询失败退避：连续失败时在固定周期之外额外等待，上限封顶
const (
	pollBackoffBase = time.Second
	pollBackoffMax  = 30 * time.Second
)

// runPollingLoop 对账轮询主循环。固定周期触发，同一时刻最多一轮在跑：
// 上一轮还没结束时本 tick 直接跳过（gate 挡住），绝不堆积。
func (c *Connector) runPollingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// 启动即跑一轮，让 Ready() 尽快置位
	consecutiveFailures := 0
	tick := 0
	c.pollOnce(ctx, tick, &consecutiveFailures)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			c.pollOnce(ctx, tick, &consecutiveFailures)
		}
	}
}

func (c *Connector) pollOnce(ctx context.Context, tick int, consecutiveFailures *int) {
	if err := c.gate.TryAcquire(execution.OpPoll, ""); err != nil {
		connLog.Debug("上一轮轮询未完成，跳过本轮")
		return
	}
	defer c.gate.Release(execution.OpPoll, "")

	// panic 只断送这一轮，循环继续
	defer func() {
		if r := recover(); r != nil {
			connLog.Errorf("轮询迭代 panic: %v", r)
		}
	}()

	failed := c.runPollIteration(ctx, tick)
	if !failed {
		*consecutiveFailures = 0
		return
	}
	*consecutiveFailures++
	delay := pollBackoffBase << (*consecutiveFailures - 1)
	if delay > pollBackoffMax || delay <= 0 {
		delay = pollBackoffMax
	}
	connLog.Warnf("轮询部分失败（连续 %d 次），退避 %s", *consecutiveFailures, delay)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// runPollIteration 一轮对账：余额 / 订单状态 / 交易规则并发拉取。
// 各子任务互相独立，任一失败不阻止其它任务（返回值只用于退避判定）。
func (c *Connector) runPollIteration(ctx context.Context, tick int) (failed bool) {
	var balErr, ordErr, ruleErr error

	g := syncgroup.New()
	g.Go(func() { balErr = c.syncBalances(ctx) })
	g.Go(func() { ordErr = c.syncOrderStatus(ctx) })
	// 规则变化慢，降频刷新
	if tick%c.cfg.RuleSyncEvery == 0 {
		g.Go(func() { ruleErr = c.syncTradingRules(ctx) })
	}
	g.Wait()

	return balErr != nil || ordErr != nil || ruleErr != nil
}

func (c *Connector) syncBalances(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	balances, err := c.api.FetchBalances(ctx)
	if err != nil {
		connLog.Warnf("拉取余额失败: %v", err)
		return err
	}
	for _, b := range balances {
		c.ledger.ApplyBalanceUpdate(b)
	}

	c.mu.Lock()
	c.balancesLoaded = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) syncTradingRules(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ruleList, err := c.api.FetchTradingRules(ctx)
	if err != nil {
		connLog.Warnf("拉取交易规则失败: %v", err)
		return err
	}
	c.rules.ReplaceAll(ruleList)

	c.mu.Lock()
	c.rulesLoaded = true
	c.mu.Unlock()
	connLog.Debugf("交易规则已刷新: %d 个交易对", len(ruleList))
	return nil
}

// syncOrderStatus 逐个查询活跃订单状态。单个订单查询失败只记日志，
// 不影响其它订单，也不做任何本地状态变更（瞬态错误留给下一轮）。
func (c *Connector) syncOrderStatus(ctx context.Context) error {
	var lastErr error
	for _, o := range c.tracker.ActiveOrders() {
		if o.ExchangeOrderID == "" {
			// 提交回包未到，本轮跳过（not-found 计数不应从这里开始）
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		update, err := c.api.FetchOrderStatus(ctx, o.ExchangeOrderID)
		if err != nil {
			connLog.Warnf("查询订单状态失败: clientID=%s err=%v", o.ClientOrderID, err)
			lastErr = err
			continue
		}
		if update.ClientOrderID == "" {
			update.ClientOrderID = o.ClientOrderID
		}
		c.tracker.ProcessOrderUpdate(update)
	}
	return lastErr
}
