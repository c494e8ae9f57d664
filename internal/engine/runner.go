// Package engine drives an exchange and its strategies: it prepares the
// trade sizes, polls the market, hands balances to the strategies and
// reports on the bot's state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/alert"
	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
	"spot-arb/internal/metrics"
	"spot-arb/internal/ratechain"
	"spot-arb/internal/safety"
	"spot-arb/internal/store"
	"spot-arb/internal/strategy"
)

const (
	phaseLoop        = "loop"
	phaseUpdatePairs = "update_pairs"
)

// Publisher receives every periodic report, e.g. the monitor server.
type Publisher interface {
	Publish(v any) error
}

type Options struct {
	Session    string
	Mode       string
	InstanceID string

	TradeCurrency     core.Currency
	TradeAmount       decimal.Decimal
	MinBalance        decimal.Decimal
	SimulationBalance map[core.Currency]decimal.Decimal

	PollInterval   time.Duration
	ReportInterval time.Duration
	Heartbeat      time.Duration
	// Debug turns every loop error into a fatal one.
	Debug bool
	// MaxRateHops bounds the conversion chains used for valuation. Zero
	// leaves them unbounded.
	MaxRateHops int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Alerts  alert.Alerter
	Store   store.Persister
	Monitor Publisher
	Breaker *safety.Breaker
	Now     func() time.Time
}

// Runner owns the trading loop. Only the goroutine calling Init, Step or
// Run touches the exchange pairs and orders; the reporter reads the
// guarded state below.
type Runner struct {
	x          *exchange.Exchange
	strategies []strategy.Strategy
	opts       Options
	logger     *zap.Logger

	rates   ratechain.Rates
	amounts map[core.Currency]ratechain.Amounts

	mu           sync.Mutex
	timings      map[string]*Timing
	initialValue decimal.Decimal
	lastValue    decimal.Decimal
	valueKnown   bool
	startedAt    time.Time
	state        string
	lastErr      error
}

func New(x *exchange.Exchange, strategies []strategy.Strategy, opts Options) (*Runner, error) {
	if x == nil {
		return nil, core.Wrap(core.Fatal, "runner", errors.New("exchange required"))
	}
	if len(strategies) == 0 {
		return nil, core.Wrap(core.Fatal, "runner", errors.New("at least one strategy required"))
	}
	if opts.TradeCurrency == "" {
		return nil, core.Wrap(core.Fatal, "runner", errors.New("trade currency required"))
	}
	if !opts.TradeAmount.IsPositive() {
		return nil, core.Wrap(core.Fatal, "runner", fmt.Errorf("trade amount must be > 0, got %s", opts.TradeAmount))
	}
	if opts.MinBalance.IsNegative() {
		return nil, core.Wrap(core.Fatal, "runner", fmt.Errorf("min balance must be >= 0, got %s", opts.MinBalance))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Mode == "" {
		opts.Mode = string(x.Mode())
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	r := &Runner{
		x:          x,
		strategies: strategies,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("component", "runner")),
		timings:    make(map[string]*Timing),
		state:      "created",
	}
	x.SetStatusHook(r.onStatus)
	return r, nil
}

// Init prepares the exchange and the strategies. The first refresh runs
// before the strategies so that pairs discovered from a replay record are
// already registered when the strategies look for cycles.
func (r *Runner) Init(ctx context.Context) error {
	x := r.x
	if err := x.Initialize(ctx); err != nil {
		return err
	}
	if x.Mode() != core.Live && len(r.opts.SimulationBalance) > 0 {
		x.SetBalance(r.opts.SimulationBalance)
	}

	more, err := r.updatePairs(ctx)
	if err != nil {
		return err
	}
	if !more {
		return core.Wrap(core.Fatal, "init", errors.New("no market data available"))
	}

	for _, s := range r.strategies {
		initer, ok := s.(strategy.Initializer)
		if !ok {
			continue
		}
		if err := initer.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", s.Name(), err)
		}
	}

	target := r.opts.TradeCurrency
	if !x.HasCurrency(target) {
		return core.Wrap(core.Fatal, "init", fmt.Errorf("%w: trade currency %s is not traded on %s", core.ErrMissingConversion, target, x.Name()))
	}
	r.rates = ratechain.IdentifyRates(x, target, r.opts.MaxRateHops)
	r.amounts, err = ratechain.ConvertTradeAmounts(r.rates, target, x.Currencies(), ratechain.Amounts{
		Amount:     r.opts.TradeAmount,
		MinBalance: r.opts.MinBalance,
	})
	if err != nil {
		return core.Wrap(core.Fatal, "init", err)
	}
	for _, c := range x.Currencies() {
		a := r.amounts[c]
		r.logger.Info("trade_amount",
			zap.String("currency", c.String()),
			zap.String("amount", a.Amount.String()),
			zap.String("min_balance", a.MinBalance.String()),
		)
	}
	r.checkTradeLimits()

	if err := x.UpdateOrders(ctx); err != nil {
		return err
	}
	if err := x.UpdateBalance(ctx); err != nil {
		return err
	}

	value, err := ratechain.EstimateValue(x.TotalBalance(), r.rates)
	if err != nil {
		r.logger.Warn("initial_value_unavailable", zap.Error(err))
		return nil
	}
	r.mu.Lock()
	r.initialValue = value
	r.lastValue = value
	r.valueKnown = true
	r.mu.Unlock()
	r.logger.Info("initial_value", zap.String("value", value.String()), zap.String("currency", target.String()))
	return nil
}

// checkTradeLimits warns about currencies whose converted trade amount
// cannot be sold on one of their pairs at the current bid.
func (r *Runner) checkTradeLimits() {
	for _, c := range r.x.Currencies() {
		a, ok := r.amounts[c]
		if !ok {
			continue
		}
		for _, p := range r.x.Pairs(c) {
			bid, err := p.Bid()
			if err != nil {
				continue
			}
			if err := p.Transaction(core.OpSell).WithinLimits(bid, a.Amount); err != nil {
				r.logger.Warn("trade_amount_outside_limits",
					zap.String("currency", c.String()),
					zap.Stringer("pair", p),
					zap.String("amount", a.Amount.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// Step runs one iteration of the trading loop. It returns false once the
// market data is exhausted.
func (r *Runner) Step(ctx context.Context) (bool, error) {
	start := time.Now()
	more, err := r.step(ctx)
	r.observe(phaseLoop, time.Since(start))
	if err != nil || !more {
		return more, err
	}
	r.updateValue()
	return true, nil
}

func (r *Runner) step(ctx context.Context) (bool, error) {
	x := r.x
	if x.Registry().Len() > 0 {
		if err := x.UpdateOrders(ctx); err != nil {
			return true, err
		}
	}

	more, err := r.updatePairs(ctx)
	if err != nil {
		return true, err
	}
	if !more {
		if err := x.UpdateBalance(ctx); err != nil {
			return false, err
		}
		r.logger.Info("final_balance", balanceFields(x.TotalBalance())...)
		return false, nil
	}

	for _, s := range r.strategies {
		start := time.Now()
		err := s.Preprocess(ctx)
		r.observe(s.Name(), time.Since(start))
		if err != nil {
			return true, fmt.Errorf("preprocess %s: %w", s.Name(), err)
		}
	}

	if r.opts.Breaker.TradeOpen() {
		return true, nil
	}

	for _, c := range x.Currencies() {
		size, ok := r.amounts[c]
		if !ok {
			continue
		}
		amount, ok := tradeAmount(x.Balance(c), size)
		if !ok {
			continue
		}
		for _, s := range r.strategies {
			order, err := s.Process(c, amount)
			if err != nil {
				return true, fmt.Errorf("process %s %s: %w", s.Name(), c, err)
			}
			if order == nil {
				continue
			}
			if _, err := order.Execute(ctx, amount); err != nil {
				return true, err
			}
			return true, nil
		}
	}
	return true, nil
}

// tradeAmount sizes the next trade of a currency from its balance. A
// balance barely above the trade size is traded in full rather than
// leaving dust behind.
func tradeAmount(total decimal.Decimal, size ratechain.Amounts) (decimal.Decimal, bool) {
	if !total.IsPositive() || total.LessThan(size.MinBalance) {
		return decimal.Zero, false
	}
	amount := decimal.Min(total, size.Amount)
	if total.LessThanOrEqual(amount.Add(size.MinBalance)) {
		amount = total
	}
	return amount, amount.IsPositive()
}

func (r *Runner) updatePairs(ctx context.Context) (bool, error) {
	start := time.Now()
	more, err := r.x.UpdatePairs(ctx)
	r.observe(phaseUpdatePairs, time.Since(start))
	return more, err
}

func (r *Runner) updateValue() {
	balance := r.x.TotalBalance()
	for c, v := range balance {
		f, _ := v.Float64()
		r.opts.Metrics.Balance(c.String(), f)
	}
	if r.rates == nil {
		return
	}
	value, err := ratechain.EstimateValue(balance, r.rates)
	if err != nil {
		r.logger.Debug("value_unavailable", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.lastValue = value
	r.valueKnown = true
	initial := r.initialValue
	r.mu.Unlock()
	v, _ := value.Float64()
	pct, _ := core.PercentChange(initial, value).Float64()
	r.opts.Metrics.Value(v, pct)
}

// Run initializes the runner and loops until ctx is canceled, the market
// data ends or a fatal error occurs.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	r.mu.Lock()
	r.startedAt = r.opts.Now()
	r.mu.Unlock()
	r.setState("starting", nil)
	r.persistStatus()

	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.setState("stopped", err)
		r.publishReport()
		fields := map[string]string{"state": "stopped"}
		if err != nil {
			fields["reason"] = err.Error()
			r.logger.Error("runner_stopped", zap.Error(err))
		} else {
			r.logger.Info("runner_stopped")
		}
		r.alertImportant("runner_stopped", fields)
	}()

	if err := r.Init(ctx); err != nil {
		return err
	}
	r.setState("running", nil)
	r.logger.Info("runner_started",
		zap.String("session", r.opts.Session),
		zap.String("mode", r.opts.Mode),
		zap.String("exchange", r.x.Name()),
		zap.Int("strategies", len(r.strategies)),
	)
	r.alertImportant("runner_started", map[string]string{
		"trade_currency": r.opts.TradeCurrency.String(),
		"trade_amount":   r.opts.TradeAmount.String(),
	})
	r.publishReport()

	reportCtx, stopReports := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reportLoop(reportCtx)
	}()
	defer func() {
		stopReports()
		wg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := r.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			class := core.ClassOf(err)
			if r.opts.Debug || class == core.Fatal {
				return err
			}
			r.logger.Warn("loop_error", zap.Error(err), zap.Stringer("class", class))
			r.opts.Metrics.LoopError(class.String())
			r.setLastError(err)
		}
		if !more {
			return nil
		}
		if err := sleepCtx(ctx, r.opts.PollInterval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onStatus runs on the trading loop for every order transition.
func (r *Runner) onStatus(o *exchange.Order, status core.OrderStatus, msg string) {
	active := r.x.Registry().Len()
	if status.Terminal() && active > 0 {
		active--
	}
	r.opts.Metrics.OrderStatus(string(status), active)
	if !status.Terminal() {
		return
	}

	ev := store.OrderEvent{
		Time:    r.opts.Now(),
		Session: r.opts.Session,
		OrderID: o.ID(),
		Pair:    o.Pair().String(),
		Kind:    string(o.Kind()),
		Status:  string(status),
		Message: msg,
	}
	if rate := o.Rate(); rate.Valid {
		ev.Rate = rate.Decimal.String()
	}
	if amount := o.Amount(); amount.Valid {
		ev.Amount = amount.Decimal.String()
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.AppendOrderEvent(ev); err != nil {
			r.logger.Warn("order_journal_write_failed", zap.Error(err), zap.Uint64("id", o.ID()))
		}
	}

	fields := map[string]string{
		"order_id": fmt.Sprintf("%d", ev.OrderID),
		"pair":     ev.Pair,
		"kind":     ev.Kind,
		"rate":     ev.Rate,
		"amount":   ev.Amount,
	}
	if msg != "" {
		fields["message"] = msg
	}
	r.alertImportant("order_"+string(status), fields)
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.opts.Alerts == nil {
		return
	}
	r.opts.Alerts.Important(event, fields)
}

func (r *Runner) setState(state string, err error) {
	r.mu.Lock()
	r.state = state
	if err != nil {
		r.lastErr = err
	}
	r.mu.Unlock()
}

func (r *Runner) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runner) observe(phase string, d time.Duration) {
	r.mu.Lock()
	t, ok := r.timings[phase]
	if !ok {
		t = &Timing{}
		r.timings[phase] = t
	}
	t.add(d)
	r.mu.Unlock()
	r.opts.Metrics.Phase(phase, d)
}

// Amounts returns the trade sizes computed by Init.
func (r *Runner) Amounts() map[core.Currency]ratechain.Amounts {
	out := make(map[core.Currency]ratechain.Amounts, len(r.amounts))
	for c, a := range r.amounts {
		out[c] = a
	}
	return out
}

func balanceFields(balance map[core.Currency]decimal.Decimal) []zap.Field {
	fields := make([]zap.Field, 0, len(balance))
	for _, c := range sortedCurrencies(balance) {
		fields = append(fields, zap.String(c.Lower(), balance[c].String()))
	}
	return fields
}
