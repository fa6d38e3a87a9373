package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goconnector/internal/ledger"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
pairs:
  - ETH-USDT
  - BTC-USDT
budgets:
  USDT: "5000"
connector:
  poll_interval_seconds: 3
  ledger_mode: snapshot
  default_fee_pct: "0.01"
nonce:
  staleness_seconds: 60
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.PollInterval(); got != 3*time.Second {
		t.Errorf("PollInterval = %s", got)
	}
	if cfg.LedgerMode() != ledger.ModeSnapshotReconcile {
		t.Errorf("LedgerMode = %v", cfg.LedgerMode())
	}
	if got := cfg.NonceStaleness(); got != time.Minute {
		t.Errorf("NonceStaleness = %s", got)
	}
	pairs := cfg.TradingPairs()
	if len(pairs) != 2 || pairs[0].String() != "ETH-USDT" {
		t.Errorf("pairs = %v", pairs)
	}
	if !cfg.DefaultFeePct().Equal(decimalFromString(t, "0.01")) {
		t.Errorf("fee = %s", cfg.DefaultFeePct())
	}
	if limit, ok := cfg.BudgetLimits()["USDT"]; !ok || !limit.Equal(decimalFromString(t, "5000")) {
		t.Errorf("budget = %v", cfg.BudgetLimits())
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `pairs: []`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval = %s", cfg.PollInterval())
	}
	if cfg.LedgerMode() != ledger.ModeRealTime {
		t.Errorf("LedgerMode = %v", cfg.LedgerMode())
	}
	if cfg.NonceStaleness() != 30*time.Second {
		t.Errorf("NonceStaleness = %s", cfg.NonceStaleness())
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad ledger mode": "connector:\n  ledger_mode: magic\n",
		"bad pair":        "pairs: [\"ETHUSDT\"]\n",
		"bad fee":         "connector:\n  default_fee_pct: \"one percent\"\n",
		"bad budget":      "budgets:\n  USDT: \"lots\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error")
	}
}
