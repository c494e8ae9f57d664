package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"spot-arb/internal/config"
	"spot-arb/internal/core"
	"spot-arb/internal/strategy"
)

func decimalPtr(v string) *config.Decimal {
	return &config.Decimal{Decimal: decimal.RequireFromString(v)}
}

func TestBuildExchangeReplayRegistersRecordedPairs(t *testing.T) {
	dir := t.TempDir()
	record := filepath.Join(dir, "pairs.jsonl")
	line := `[{"b":"BTC","q":"USD","bid":"600","ask":"602","avg":"601","v":"10","t":1393675200000}]` + "\n"
	if err := os.WriteFile(record, []byte(line), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	cfg := config.Config{
		Mode:       config.ModeReplay,
		Record:     config.RecordConfig{ReadPath: record},
		Exchange:   config.ExchangeConfig{Name: "btce"},
		Simulation: config.SimulationConfig{FeePercent: decimalPtr("0.2")},
	}
	x, closers, err := buildExchange(cfg, nil, nil, nil)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		t.Fatalf("buildExchange() error = %v", err)
	}
	if x.Mode() != core.Simulation || x.Name() != "btce" {
		t.Fatalf("exchange = %s/%s, want btce/simulation", x.Name(), x.Mode())
	}
	if len(closers) != 1 {
		t.Fatalf("closers = %d, want the record reader", len(closers))
	}

	more, err := x.UpdatePairs(context.Background())
	if err != nil || !more {
		t.Fatalf("UpdatePairs() = %v, %v, want true, nil", more, err)
	}
	p, err := x.Pair(core.BTC, core.USD)
	if err != nil {
		t.Fatalf("Pair(BTC, USD) error = %v", err)
	}
	fee, err := p.Transaction(core.OpSell).Fee(decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Fee() error = %v", err)
	}
	if !fee.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("Fee(1000) = %s, want 2", fee)
	}
}

func TestBuildExchangeWritesRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		Mode:     config.ModeSimulation,
		Record:   config.RecordConfig{WritePath: filepath.Join(dir, "out", "pairs.jsonl")},
		Exchange: config.ExchangeConfig{Name: "btce", PublicBaseURL: "http://127.0.0.1:1"},
	}
	x, closers, err := buildExchange(cfg, nil, nil, nil)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		t.Fatalf("buildExchange() error = %v", err)
	}
	if x.Mode() != core.Simulation {
		t.Fatalf("Mode() = %s, want simulation", x.Mode())
	}
	if len(closers) != 1 {
		t.Fatalf("closers = %d, want the record writer", len(closers))
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "pairs.jsonl")); err != nil {
		t.Fatalf("record file not created: %v", err)
	}
}

func TestBuildExchangeReplayMissingRecord(t *testing.T) {
	cfg := config.Config{
		Mode:   config.ModeReplay,
		Record: config.RecordConfig{ReadPath: filepath.Join(t.TempDir(), "missing.jsonl")},
	}
	if _, _, err := buildExchange(cfg, nil, nil, nil); err == nil {
		t.Fatalf("buildExchange() error = nil, want missing record error")
	}
}

func TestBuildStrategiesKeepsConfiguredOrder(t *testing.T) {
	x, _, err := buildExchange(config.Config{
		Mode:     config.ModeSimulation,
		Exchange: config.ExchangeConfig{Name: "btce", PublicBaseURL: "http://127.0.0.1:1"},
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("buildExchange() error = %v", err)
	}
	cfg := config.Config{
		Strategies: []string{config.StrategyStable, config.StrategyTriangular},
		Triangular: config.TriangularConfig{
			MinDepth:         3,
			MaxDepth:         4,
			WeakMinChangePct: decimalPtr("0"),
		},
		StableCurrency: config.StableCurrencyConfig{GainThresholdPct: decimalPtr("1")},
	}
	got, err := buildStrategies(cfg, x, nil, nil)
	if err != nil {
		t.Fatalf("buildStrategies() error = %v", err)
	}
	if len(got) != 2 || got[0].Name() != strategy.NameStable || got[1].Name() != strategy.NameTriangular {
		t.Fatalf("strategies = %v, want stable then triangular", got)
	}

	cfg.Strategies = []string{"grid"}
	if _, err := buildStrategies(cfg, x, nil, nil); err == nil {
		t.Fatalf("buildStrategies(grid) error = nil, want unknown strategy")
	}
}

func TestAlerterOfDisabledManager(t *testing.T) {
	if a := alerterOf(nil); a != nil {
		t.Fatalf("alerterOf(nil) = %v, want nil interface", a)
	}
	if m := buildAlertManager(config.Config{}, "s", nil); m != nil {
		t.Fatalf("buildAlertManager(disabled) = %v, want nil", m)
	}
}
