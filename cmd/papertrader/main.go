// papertrader: 纸交易演示。把进程内模拟交易所接到连接器上，
// 跑一小段下单/撤单/成交生命周期，验证整条链路（规则量化、
// 订单跟踪、余额账本、订单簿聚合）不依赖任何真实交易所。
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/connector"
	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/pkg/config"
	"github.com/betbot/goconnector/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// .env 可选（代理等环境变量）
	_ = godotenv.Load()

	cfg := loadConfigOrDefault(*configPath)
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("❌ 初始化日志失败: %v", err)
	}

	pairs := cfg.TradingPairs()
	if len(pairs) == 0 {
		pairs = []domain.TradingPair{domain.NewTradingPair("ETH", "USDT")}
	}
	pair := pairs[0]

	venue := newSimVenue(pair, decimal.NewFromInt(100))
	conn := connector.New(connector.Config{
		PollInterval:   cfg.PollInterval(),
		RuleSyncEvery:  cfg.Connector.RuleSyncEvery,
		NotFoundLimit:  cfg.Connector.NotFoundLimit,
		LedgerMode:     cfg.LedgerMode(),
		RequestsPerSec: cfg.Connector.RequestsPerSecond,
		RequestBurst:   cfg.Connector.RequestBurst,
		DefaultFeePct:  cfg.DefaultFeePct(),
	}, venue, venue)
	conn.AddPair(pair)
	for asset, limit := range cfg.BudgetLimits() {
		conn.Ledger().SetBudgetLimit(asset, limit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.Start(ctx); err != nil {
		log.Fatalf("❌ 启动连接器失败: %v", err)
	}
	defer conn.Stop()

	log.Println("🚀 papertrader 已启动，等待连接器就绪...")
	waitReady(ctx, conn)

	// 演示生命周期：买一单、卖一单、观察成交/撤单
	buyID, err := conn.Buy(pair, decimal.NewFromInt(1), domain.OrderTypeLimit, decimal.RequireFromString("99.5"))
	if err != nil {
		log.Fatalf("❌ 下买单失败: %v", err)
	}
	log.Printf("📝 买单已提交: clientID=%s", buyID)

	sellID, err := conn.Sell(pair, decimal.NewFromInt(1), domain.OrderTypeLimit, decimal.RequireFromString("100.5"))
	if err != nil {
		log.Fatalf("❌ 下卖单失败: %v", err)
	}
	log.Printf("📝 卖单已提交: clientID=%s", sellID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(3 * time.Second)
	defer statusTicker.Stop()
	for {
		select {
		case <-sig:
			log.Println("收到退出信号，撤掉剩余订单...")
			results := conn.CancelAll(context.Background(), 5*time.Second)
			for id, err := range results {
				if err != nil {
					log.Printf("  撤单失败: %s err=%v", id, err)
				}
			}
			return
		case <-statusTicker.C:
			printStatus(conn, pair)
		}
	}
}

func loadConfigOrDefault(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("⚠️ 加载配置失败（使用默认值）: %v", err)
		return &config.Config{}
	}
	return cfg
}

func waitReady(ctx context.Context, conn *connector.Connector) {
	for !conn.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	log.Println("✅ 连接器就绪（规则/余额/订单簿都已加载）")
}

func printStatus(conn *connector.Connector, pair domain.TradingPair) {
	book, err := conn.GetOrderBook(pair)
	if err != nil {
		return
	}
	bb, hasBid := book.BestBid()
	ba, hasAsk := book.BestAsk()
	if hasBid && hasAsk {
		log.Printf("📊 %s 盘口: bid %s(%s) / ask %s(%s)",
			pair, bb.Price, bb.Size, ba.Price, ba.Size)
	}
	log.Printf("💰 余额: %s=%s %s=%s | 活跃订单 %d",
		pair.Quote, conn.GetAvailableBalance(pair.Quote),
		pair.Base, conn.GetAvailableBalance(pair.Base),
		len(conn.ActiveOrders()))
}
