package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: simulation
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if cfg.PollIntervalMs != 1000 {
		t.Fatalf("poll_interval_ms = %d, want 1000", cfg.PollIntervalMs)
	}
	if cfg.TradeCurrency() != core.USD {
		t.Fatalf("trade.currency = %s, want USD", cfg.TradeCurrency())
	}
	if !cfg.Trade.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("trade.amount = %s, want 10", cfg.Trade.Amount.String())
	}
	if !cfg.Trade.MinBalance.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("trade.min_balance = %s, want 2", cfg.Trade.MinBalance.String())
	}
	balance := cfg.SimulationBalance()
	if len(balance) != 1 || !balance[core.LTC].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("simulation.balance = %v, want LTC 100", balance)
	}
	if !cfg.Simulation.FeePercent.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("simulation.fee_percent = %s, want 0.2", cfg.Simulation.FeePercent.String())
	}
	if len(cfg.Strategies) != 1 || cfg.Strategies[0] != StrategyTriangular {
		t.Fatalf("strategies = %v, want [%s]", cfg.Strategies, StrategyTriangular)
	}
	if cfg.Triangular.MinDepth != 3 || cfg.Triangular.MaxDepth != 3 {
		t.Fatalf("triangular depth = %d..%d, want 3..3", cfg.Triangular.MinDepth, cfg.Triangular.MaxDepth)
	}
	if cfg.Triangular.HedgeTimeoutSec != 10000000 {
		t.Fatalf("triangular.hedge_timeout_sec = %d, want 10000000", cfg.Triangular.HedgeTimeoutSec)
	}
	if !cfg.Triangular.WeakMaxDivergencePct.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("triangular.weak_max_divergence_pct = %s, want 0.1", cfg.Triangular.WeakMaxDivergencePct.String())
	}
	if !cfg.StableCurrency.GainThresholdPct.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("stable_currency.gain_threshold_pct = %s, want 0.5", cfg.StableCurrency.GainThresholdPct.String())
	}
	if cfg.Exchange.Name != "btce" || cfg.Exchange.PublicBaseURL != "https://btc-e.com" {
		t.Fatalf("exchange = %+v, want btce defaults", cfg.Exchange)
	}
	if !cfg.Exchange.NonceRetryEnabled() {
		t.Fatalf("exchange.nonce_retry = false, want true")
	}
	if cfg.Observability.Runtime.ReportIntervalSec != 10 {
		t.Fatalf("observability.runtime.report_interval_sec = %d, want 10", cfg.Observability.Runtime.ReportIntervalSec)
	}
	if cfg.Observability.Runtime.AlertDropReportSec != 60 {
		t.Fatalf("observability.runtime.alert_drop_report_sec = %d, want 60", cfg.Observability.Runtime.AlertDropReportSec)
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
	if cfg.Observability.Log.Level != "info" || cfg.Observability.Log.Format != "console" {
		t.Fatalf("observability.log = %+v, want info/console", cfg.Observability.Log)
	}
}

func TestLoadReplayKeepsZeroPollInterval(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: replay
record:
  read_path: data/record.jsonl
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollIntervalMs != 0 {
		t.Fatalf("poll_interval_ms = %d, want 0", cfg.PollIntervalMs)
	}
}

func TestLoadReplayRequiresReadPath(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: replay
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "read_path") {
		t.Fatalf("Load() error = %v, want read_path error", err)
	}
}

func TestLoadRejectsReadPathOutsideReplay(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: simulation
record:
  read_path: data/record.jsonl
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "only used in replay") {
		t.Fatalf("Load() error = %v, want replay-only error", err)
	}
}

func TestLoadRejectsSameRecordPaths(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: replay
record:
  read_path: data/record.jsonl
  write_path: data/record.jsonl
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "write_path") {
		t.Fatalf("Load() error = %v, want write_path error", err)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: live
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("Load() error = %v, want api_key error", err)
	}
}

func TestLoadLiveReadsCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	cfgPath := writeTempConfig(t, `
mode: live
exchange:
  api_key: file-key
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("exchange credentials = %q/%q, want env values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if len(cfg.Simulation.Balance) != 0 {
		t.Fatalf("simulation.balance = %v, want empty in live mode", cfg.Simulation.Balance)
	}
}

func TestLoadEnvReadsDotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("SPOTARB_TELEGRAM_TOKEN=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvTelegramToken, "")
	os.Unsetenv(EnvTelegramToken)

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv(EnvTelegramToken); got != "from-dotenv" {
		t.Fatalf("%s = %q, want from-dotenv", EnvTelegramToken, got)
	}
}

func TestLoadEnvMissingExplicitFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("LoadEnv() error = nil, want error")
	}
}

func TestLoadNormalizesFields(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: " Simulation "
instance_id: " Bot-1 "
trade:
  currency: " btc "
  amount: "0.5"
strategies: [" Triangular_Arbitrage ", "STABLE_CURRENCY"]
simulation:
  balance:
    btc: "2"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeSimulation {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeSimulation)
	}
	if cfg.InstanceID != "bot-1" {
		t.Fatalf("instance_id = %q, want bot-1", cfg.InstanceID)
	}
	if cfg.TradeCurrency() != core.BTC {
		t.Fatalf("trade.currency = %s, want BTC", cfg.TradeCurrency())
	}
	if cfg.Strategies[0] != StrategyTriangular || cfg.Strategies[1] != StrategyStable {
		t.Fatalf("strategies = %v", cfg.Strategies)
	}
	if got := cfg.SimulationBalance()[core.BTC]; !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("simulation.balance[BTC] = %s, want 2", got)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: simulation
grid:
  levels: 20
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "field grid not found") {
		t.Fatalf("Load() error = %v, want unknown field error", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: simulation
---
mode: live
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadRejectsTrailingDocumentWithOtherFields(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: simulation
---
not_a_config_field: 1
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: paper
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "mode must be") {
		t.Fatalf("Load() error = %v, want mode error", err)
	}
}

func TestLoadRejectsUnknownCurrency(t *testing.T) {
	cfgPath := writeTempConfig(t, `
trade:
  currency: DOGE
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "trade currency") {
		t.Fatalf("Load() error = %v, want trade currency error", err)
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	cfgPath := writeTempConfig(t, `
strategies: [martingale]
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "unknown strategy") {
		t.Fatalf("Load() error = %v, want unknown strategy error", err)
	}
}

func TestLoadRejectsDuplicateStrategy(t *testing.T) {
	cfgPath := writeTempConfig(t, `
strategies: [triangular_arbitrage, triangular_arbitrage]
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "listed twice") {
		t.Fatalf("Load() error = %v, want duplicate strategy error", err)
	}
}

func TestLoadRejectsInvalidTriangularDepth(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "too shallow", body: "triangular:\n  min_depth: 2\n"},
		{name: "max below min", body: "triangular:\n  min_depth: 4\n  max_depth: 3\n"},
		{name: "too deep", body: "triangular:\n  max_depth: 7\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), "depth") {
				t.Fatalf("Load() error = %v, want depth error", err)
			}
		})
	}
}

func TestLoadAllowsZeroWeakMinChange(t *testing.T) {
	cfgPath := writeTempConfig(t, `
triangular:
  weak_min_change_pct: "0"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Triangular.WeakMinChangePct.IsZero() {
		t.Fatalf("triangular.weak_min_change_pct = %s, want 0", cfg.Triangular.WeakMinChangePct.String())
	}
}

func TestLoadRejectsInvalidFeePercent(t *testing.T) {
	cfgPath := writeTempConfig(t, `
simulation:
  fee_percent: "100"
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "fee_percent") {
		t.Fatalf("Load() error = %v, want fee_percent error", err)
	}
}

func TestLoadRejectsInvalidRuntimeReportInterval(t *testing.T) {
	cfgPath := writeTempConfig(t, `
observability:
  runtime:
    report_interval_sec: 7200
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "report_interval_sec") {
		t.Fatalf("Load() error = %v, want report_interval_sec error", err)
	}
}

func TestLoadRejectsInvalidPublicBaseURLScheme(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  public_base_url: ftp://btc-e.com
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "public_base_url") {
		t.Fatalf("Load() error = %v, want public_base_url error", err)
	}
}

func TestLoadReplayIgnoresExchangeURLValidation(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: replay
record:
  read_path: data/record.jsonl
exchange:
  public_base_url: not-a-url
  http_timeout_sec: 900
`)

	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v, want nil in replay mode", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
observability:
  telegram:
    enabled: false
    api_base_url: "::bad"
`)

	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
}

func TestLoadTelegramEnabledRequiresChatID(t *testing.T) {
	cfgPath := writeTempConfig(t, `
observability:
  telegram:
    enabled: true
    bot_token: token
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "chat_id") {
		t.Fatalf("Load() error = %v, want chat_id error", err)
	}
}

func TestLoadCircuitBreakerBounds(t *testing.T) {
	cfgPath := writeTempConfig(t, `
circuit_breaker:
  enabled: true
  poll_probe_passes: 50
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "poll_probe_passes") {
		t.Fatalf("Load() error = %v, want poll_probe_passes error", err)
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, `
state:
  lock_takeover: false
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want false", cfg.State.LockTakeover)
	}
}

func TestLoadNonceRetryCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  nonce_retry: false
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.NonceRetryEnabled() {
		t.Fatalf("exchange.nonce_retry = true, want false")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
