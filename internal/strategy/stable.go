package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
	"spot-arb/internal/metrics"
)

type StableOptions struct {
	// GainThresholdPct is the premium of the bid over the average price
	// required to move a volatile balance into a stable currency.
	GainThresholdPct decimal.Decimal
	OrderTimeout     time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func DefaultStableOptions() StableOptions {
	return StableOptions{
		GainThresholdPct: decimal.RequireFromString("0.5"),
		OrderTimeout:     10 * time.Second,
	}
}

// StableCurrency brings volatile balances back to a stable currency when
// the market pays noticeably more than its average, and nothing else is in
// flight.
type StableCurrency struct {
	x      *exchange.Exchange
	opts   StableOptions
	logger *zap.Logger
}

func NewStableCurrency(x *exchange.Exchange, opts StableOptions) *StableCurrency {
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = DefaultStableOptions().OrderTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StableCurrency{x: x, opts: opts, logger: logger.With(zap.String("strategy", NameStable))}
}

func (s *StableCurrency) Name() string { return NameStable }

func (s *StableCurrency) Preprocess(context.Context) error { return nil }

func (s *StableCurrency) Process(currency core.Currency, amount decimal.Decimal) (*exchange.Order, error) {
	if !currency.IsVolatile() || s.x.Registry().Len() > 0 {
		return nil, nil
	}
	var (
		best    *exchange.Pair
		bestBid decimal.Decimal
		premium decimal.Decimal
	)
	for _, p := range s.x.Pairs(currency) {
		if !p.Quote().IsStable() {
			continue
		}
		bid, err := p.Bid()
		if err != nil {
			continue
		}
		avg, err := p.Avg()
		if err != nil || avg.IsZero() {
			continue
		}
		pct := core.PercentChange(avg, bid)
		if !pct.GreaterThan(s.opts.GainThresholdPct) {
			continue
		}
		if best == nil || pct.GreaterThan(premium) {
			best, bestBid, premium = p, bid, pct
		}
	}
	if best == nil {
		return nil, nil
	}
	s.logger.Info("opportunity",
		zap.String("currency", currency.String()),
		zap.String("pair", best.String()),
		zap.String("premium_pct", premium.StringFixed(2)),
		zap.String("amount", amount.String()),
	)
	p, _ := premium.Float64()
	s.opts.Metrics.Opportunity(NameStable, currency.String(), p)
	return best.OrderSell(
		exchange.WithRate(bestBid),
		exchange.WithConditions(exchange.Conditions{MinRate: bestBid, Timeout: s.opts.OrderTimeout}),
	), nil
}
