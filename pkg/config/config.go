// Package config 连接器运行配置（YAML）。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betbot/goconnector/internal/domain"
	"github.com/betbot/goconnector/internal/ledger"
	"github.com/betbot/goconnector/pkg/logger"
)

// ConnectorConfig 连接器核心参数
type ConnectorConfig struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"` // 默认 5
	RuleSyncEvery       int     `yaml:"rule_sync_every"`       // 每 N 轮刷一次交易规则
	NotFoundLimit       int     `yaml:"not_found_limit"`       // 连续 not-found 判失败阈值
	LedgerMode          string  `yaml:"ledger_mode"`           // realtime | snapshot
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	RequestBurst        int     `yaml:"request_burst"`
	DefaultFeePct       string  `yaml:"default_fee_pct"` // 小数，例如 "0.01" 表示 1%
}

// NonceConfig nonce 分配器参数
type NonceConfig struct {
	StalenessSeconds int `yaml:"staleness_seconds"` // 默认 30
}

// Config 顶层配置
type Config struct {
	Pairs     []string          `yaml:"pairs"`   // "BASE-QUOTE" 列表
	Budgets   map[string]string `yaml:"budgets"` // 资产 -> 预算上限
	Connector ConnectorConfig   `yaml:"connector"`
	Nonce     NonceConfig       `yaml:"nonce"`
	Log       logger.Config     `yaml:"log"`
}

// Load 从文件加载配置并补默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Connector.PollIntervalSeconds <= 0 {
		c.Connector.PollIntervalSeconds = 5
	}
	if c.Connector.LedgerMode == "" {
		c.Connector.LedgerMode = "realtime"
	}
	if c.Nonce.StalenessSeconds <= 0 {
		c.Nonce.StalenessSeconds = 30
	}
}

func (c *Config) validate() error {
	switch c.Connector.LedgerMode {
	case "realtime", "snapshot":
	default:
		return fmt.Errorf("未知的 ledger_mode: %q（支持 realtime / snapshot）", c.Connector.LedgerMode)
	}
	for _, p := range c.Pairs {
		if _, err := domain.ParseTradingPair(p); err != nil {
			return err
		}
	}
	if c.Connector.DefaultFeePct != "" {
		if _, err := decimal.NewFromString(c.Connector.DefaultFeePct); err != nil {
			return fmt.Errorf("default_fee_pct 不是合法小数: %w", err)
		}
	}
	for asset, limit := range c.Budgets {
		if _, err := decimal.NewFromString(limit); err != nil {
			return fmt.Errorf("budgets[%s] 不是合法小数: %w", asset, err)
		}
	}
	return nil
}

// PollInterval 轮询周期
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Connector.PollIntervalSeconds) * time.Second
}

// NonceStaleness nonce 缓存的新鲜窗口
func (c *Config) NonceStaleness() time.Duration {
	return time.Duration(c.Nonce.StalenessSeconds) * time.Second
}

// LedgerMode 字符串模式到枚举
func (c *Config) LedgerMode() ledger.Mode {
	if c.Connector.LedgerMode == "snapshot" {
		return ledger.ModeSnapshotReconcile
	}
	return ledger.ModeRealTime
}

// TradingPairs 解析后的交易对列表（validate 已保证合法）
func (c *Config) TradingPairs() []domain.TradingPair {
	out := make([]domain.TradingPair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		pair, _ := domain.ParseTradingPair(p)
		out = append(out, pair)
	}
	return out
}

// DefaultFeePct 解析后的默认费率（未配置为零）
func (c *Config) DefaultFeePct() decimal.Decimal {
	if c.Connector.DefaultFeePct == "" {
		return decimal.Zero
	}
	v, _ := decimal.NewFromString(c.Connector.DefaultFeePct)
	return v
}

// BudgetLimits 解析后的预算表
func (c *Config) BudgetLimits() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Budgets))
	for asset, limit := range c.Budgets {
		v, _ := decimal.NewFromString(limit)
		out[asset] = v
	}
	return out
}
