package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/alert"
	"spot-arb/internal/backtest"
	"spot-arb/internal/config"
	"spot-arb/internal/core"
	"spot-arb/internal/engine"
	"spot-arb/internal/exchange"
	"spot-arb/internal/exchange/btce"
	"spot-arb/internal/logging"
	"spot-arb/internal/metrics"
	"spot-arb/internal/monitor"
	"spot-arb/internal/safety"
	"spot-arb/internal/store"
	"spot-arb/internal/strategy"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "dotenv file with credentials (default ./.env when present)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, configPath, envPath); err != nil {
		fatal(err.Error())
	}
}

func run(ctx context.Context, configPath, envPath string) error {
	if err := config.LoadEnv(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Observability.Log.Level,
		Format: cfg.Observability.Log.Format,
		File:   cfg.Observability.Log.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	session := uuid.NewString()
	logger = logger.With(zap.String("session", session), zap.String("instance", cfg.InstanceID))
	m := metrics.New(logger)

	alerts := buildAlertManager(cfg, session, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("alert_manager_close_failed", zap.Error(err))
			}
		}()
	}

	var persister store.Persister
	if cfg.State.Dir != "" {
		stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.InstanceID)
		st, err := store.New(stateDir, logger)
		if err != nil {
			return err
		}
		persister = st
		if cfg.Mode != config.ModeReplay {
			lock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
				Name:            cfg.Exchange.Name,
				Session:         session,
				TakeoverEnabled: cfg.State.LockTakeover == nil || *cfg.State.LockTakeover,
				StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := lock.Release(); err != nil {
					logger.Warn("instance_lock_release_failed", zap.Error(err))
				}
			}()
		}
	}

	breaker := safety.NewBreaker(safety.BreakerOptions{
		Enabled:          cfg.CircuitBreaker.Enabled,
		MaxTradeFailures: cfg.CircuitBreaker.MaxTradeFailures,
		MaxPollFailures:  cfg.CircuitBreaker.MaxPollFailures,
		PollCooldown:     time.Duration(cfg.CircuitBreaker.PollCooldownSec) * time.Second,
		PollProbePasses:  cfg.CircuitBreaker.PollProbePasses,
		Logger:           logger,
		Alerter:          alerterOf(alerts),
		Metrics:          m,
	})

	x, closers, err := buildExchange(cfg, breaker, m, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close_failed", zap.Error(err))
			}
		}
	}()
	if err != nil {
		return err
	}
	strategies, err := buildStrategies(cfg, x, logger, m)
	if err != nil {
		return err
	}

	var publisher engine.Publisher
	if cfg.Observability.Monitor.Enabled {
		srv := monitor.New(monitor.Options{
			Addr:           cfg.Observability.Monitor.Addr,
			AllowedOrigins: cfg.Observability.Monitor.AllowedOrigins,
			Metrics:        m,
			Logger:         logger,
		})
		publisher = srv
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("monitor_failed", zap.Error(err))
			}
		}()
	}

	runner, err := engine.New(x, strategies, engine.Options{
		Session:           session,
		Mode:              string(cfg.Mode),
		InstanceID:        cfg.InstanceID,
		TradeCurrency:     cfg.TradeCurrency(),
		TradeAmount:       cfg.Trade.Amount.Decimal,
		MinBalance:        cfg.Trade.MinBalance.Decimal,
		SimulationBalance: cfg.SimulationBalance(),
		PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		ReportInterval:    time.Duration(cfg.Observability.Runtime.ReportIntervalSec) * time.Second,
		Heartbeat:         time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		Debug:             cfg.Debug,
		Logger:            logger,
		Metrics:           m,
		Alerts:            alerterOf(alerts),
		Store:             persister,
		Monitor:           publisher,
		Breaker:           breaker,
	})
	if err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildExchange wires the market data source of the configured mode. The
// returned closers are valid even when err is set.
func buildExchange(cfg config.Config, breaker *safety.Breaker, m *metrics.Metrics, logger *zap.Logger) (*exchange.Exchange, []io.Closer, error) {
	var closers []io.Closer
	opts := exchange.Options{
		Name:   cfg.Exchange.Name,
		Mode:   core.Simulation,
		Logger: logger,
	}
	var port exchange.Port
	switch cfg.Mode {
	case config.ModeReplay:
		reader, err := backtest.NewRecordReader(cfg.Record.ReadPath)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, reader)
		opts.Source = reader
		opts.PairDefaults = replayPairDefaults(cfg)
	case config.ModeSimulation, config.ModeLive:
		if cfg.Mode == config.ModeLive {
			opts.Mode = core.Live
		}
		port = safety.NewGuardedPort(btce.NewClient(cfg.Exchange, logger), breaker, m)
	default:
		return nil, closers, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Record.WritePath != "" {
		w, err := backtest.NewRecordWriter(cfg.Record.WritePath)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, w)
		opts.Recorder = w
	}
	x, err := exchange.New(port, opts)
	return x, closers, err
}

// replayPairDefaults configures the pairs found in a record with the
// configured fee and the usual BTC-e order delays.
func replayPairDefaults(cfg config.Config) []exchange.PairOption {
	fee := decimal.Zero
	if cfg.Simulation.FeePercent != nil {
		fee = cfg.Simulation.FeePercent.Decimal
	}
	timing := core.Timing{Effective: time.Second, Completed: 2 * time.Second}
	tiers := []core.FeeTier{{Percentage: fee}}
	return []exchange.PairOption{
		exchange.WithTransaction(core.OpSell, core.NewTransaction(tiers, core.Limits{}, timing)),
		exchange.WithTransaction(core.OpBuy, core.NewTransaction(tiers, core.Limits{}, timing)),
	}
}

func buildStrategies(cfg config.Config, x *exchange.Exchange, logger *zap.Logger, m *metrics.Metrics) ([]strategy.Strategy, error) {
	out := make([]strategy.Strategy, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		switch name {
		case config.StrategyTriangular:
			tc := cfg.Triangular
			opts := strategy.DefaultTriangularOptions()
			opts.MinDepth = tc.MinDepth
			opts.MaxDepth = tc.MaxDepth
			opts.GainThresholdPct = tc.GainThresholdPct.Decimal
			opts.MaxTimestampSpread = time.Duration(tc.MaxTimestampSpreadMs) * time.Millisecond
			opts.OrderTimeout = time.Duration(tc.OrderTimeoutSec) * time.Second
			opts.HedgeTimeout = time.Duration(tc.HedgeTimeoutSec) * time.Second
			if tc.WeakMinChangePct != nil {
				opts.WeakMinChangePct = tc.WeakMinChangePct.Decimal
			}
			if tc.WeakMaxDivergencePct != nil {
				opts.WeakMaxDivergencePct = tc.WeakMaxDivergencePct.Decimal
			}
			opts.UnitAmount = tc.UnitAmount.Decimal
			opts.Logger = logger
			opts.Metrics = m
			out = append(out, strategy.NewTriangularArbitrage(x, opts))
		case config.StrategyStable:
			sc := cfg.StableCurrency
			opts := strategy.DefaultStableOptions()
			if sc.GainThresholdPct != nil {
				opts.GainThresholdPct = sc.GainThresholdPct.Decimal
			}
			opts.OrderTimeout = time.Duration(sc.OrderTimeoutSec) * time.Second
			opts.Logger = logger
			opts.Metrics = m
			out = append(out, strategy.NewStableCurrency(x, opts))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	return out, nil
}

func buildAlertManager(cfg config.Config, session string, logger *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(alert.Identity{
		Mode:       string(cfg.Mode),
		Exchange:   cfg.Exchange.Name,
		InstanceID: cfg.InstanceID,
		Session:    session,
	}, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}

// alerterOf keeps a disabled manager from becoming a non-nil interface.
func alerterOf(m *alert.Manager) alert.Alerter {
	if m == nil {
		return nil
	}
	return m
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
