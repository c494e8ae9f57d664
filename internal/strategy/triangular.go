package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
	"spot-arb/internal/metrics"
)

type TriangularOptions struct {
	MinDepth int
	MaxDepth int
	// GainThresholdPct is the round trip gain a cycle must exceed to be
	// considered at all.
	GainThresholdPct decimal.Decimal
	// MaxTimestampSpread bounds the age of the previous observation that a
	// tick is compared against.
	MaxTimestampSpread time.Duration
	OrderTimeout       time.Duration
	HedgeTimeout       time.Duration
	// A first hop becomes weak when both its rate and the chain proceeds
	// moved by more than WeakMinChangePct and by less than
	// WeakMaxDivergencePct apart.
	WeakMinChangePct     decimal.Decimal
	WeakMaxDivergencePct decimal.Decimal
	UnitAmount           decimal.Decimal

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func DefaultTriangularOptions() TriangularOptions {
	return TriangularOptions{
		MinDepth:             3,
		MaxDepth:             3,
		MaxTimestampSpread:   2 * time.Second,
		OrderTimeout:         10 * time.Second,
		HedgeTimeout:         10000000 * time.Second,
		WeakMinChangePct:     decimal.RequireFromString("0.01"),
		WeakMaxDivergencePct: decimal.RequireFromString("0.1"),
		UnitAmount:           decimal.NewFromInt(1),
	}
}

// Opportunity is a cycle whose first hop currently explains its gain.
type Opportunity struct {
	Path  []core.Currency
	Gain  decimal.Decimal
	Chain *exchange.Order
}

// cycle keeps the observation history of one cached order chain between
// ticks. The chain itself is never executed, only cloned.
type cycle struct {
	path  []core.Currency
	chain *exchange.Order

	seen          bool
	lastTimestamp time.Time
	lastAmount    decimal.Decimal
	lastGain      decimal.Decimal
	lastRate      decimal.Decimal
	weak          bool
}

type TriangularArbitrage struct {
	x      *exchange.Exchange
	opts   TriangularOptions
	logger *zap.Logger

	cycles        map[core.Currency][]*cycle
	opportunities map[core.Currency][]*cycle
}

func NewTriangularArbitrage(x *exchange.Exchange, opts TriangularOptions) *TriangularArbitrage {
	def := DefaultTriangularOptions()
	if opts.MinDepth <= 0 {
		opts.MinDepth = def.MinDepth
	}
	if opts.MaxDepth < opts.MinDepth {
		opts.MaxDepth = opts.MinDepth
	}
	if opts.MaxTimestampSpread <= 0 {
		opts.MaxTimestampSpread = def.MaxTimestampSpread
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = def.OrderTimeout
	}
	if opts.HedgeTimeout <= 0 {
		opts.HedgeTimeout = def.HedgeTimeout
	}
	if opts.WeakMaxDivergencePct.IsZero() {
		opts.WeakMaxDivergencePct = def.WeakMaxDivergencePct
	}
	if !opts.UnitAmount.IsPositive() {
		opts.UnitAmount = def.UnitAmount
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriangularArbitrage{
		x:             x,
		opts:          opts,
		logger:        logger.With(zap.String("strategy", NameTriangular)),
		cycles:        make(map[core.Currency][]*cycle),
		opportunities: make(map[core.Currency][]*cycle),
	}
}

func (t *TriangularArbitrage) Name() string { return NameTriangular }

// Init enumerates the cycles of every registered currency and turns each
// into a chain of sell orders.
func (t *TriangularArbitrage) Init(ctx context.Context) error {
	t.cycles = make(map[core.Currency][]*cycle)
	var counts []string
	for _, start := range t.x.Currencies() {
		for _, path := range t.identifyCycles(start) {
			chain, err := t.buildChain(path)
			if err != nil {
				return err
			}
			t.cycles[start] = append(t.cycles[start], &cycle{path: path, chain: chain})
		}
		counts = append(counts, fmt.Sprintf("%s: %d", start, len(t.cycles[start])))
	}
	t.logger.Info("cycles_identified", zap.String("counts", strings.Join(counts, ", ")))
	return nil
}

// identifyCycles returns the simple cycles from start back to start, each
// as the full currency path including start at both ends.
func (t *TriangularArbitrage) identifyCycles(start core.Currency) [][]core.Currency {
	var out [][]core.Currency
	visited := map[core.Currency]bool{start: true}
	var walk func(cur core.Currency, path []core.Currency, depth int)
	walk = func(cur core.Currency, path []core.Currency, depth int) {
		if depth > t.opts.MaxDepth {
			return
		}
		for _, next := range t.x.Counterparts(cur) {
			if next == start {
				if depth >= t.opts.MinDepth {
					full := make([]core.Currency, len(path)+1)
					copy(full, path)
					full[len(path)] = start
					out = append(out, full)
				}
				continue
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			walk(next, append(path, next), depth+1)
			visited[next] = false
		}
	}
	walk(start, []core.Currency{start}, 1)
	return out
}

func (t *TriangularArbitrage) buildChain(path []core.Currency) (*exchange.Order, error) {
	var head *exchange.Order
	for i := 0; i+1 < len(path); i++ {
		p, err := t.x.Pair(path[i], path[i+1])
		if err != nil {
			return nil, core.Wrap(core.Fatal, "triangular_init", err)
		}
		o := p.OrderSell(exchange.WithConditions(exchange.Conditions{Timeout: t.opts.OrderTimeout}))
		if head == nil {
			head = o
		} else {
			head.AddChainOrder(o)
		}
	}
	return head, nil
}

// Cycles lists the currency paths cached for start.
func (t *TriangularArbitrage) Cycles(start core.Currency) [][]core.Currency {
	out := make([][]core.Currency, 0, len(t.cycles[start]))
	for _, c := range t.cycles[start] {
		out = append(out, c.path)
	}
	return out
}

// Preprocess re-evaluates every cycle against the latest quotes and keeps,
// per start currency, the weak cycles sorted by descending gain.
func (t *TriangularArbitrage) Preprocess(ctx context.Context) error {
	t.opportunities = make(map[core.Currency][]*cycle)
	for _, start := range t.x.Currencies() {
		var found []*cycle
		for _, c := range t.cycles[start] {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := t.evaluate(c)
			if err != nil {
				return err
			}
			if ok {
				found = append(found, c)
			}
		}
		sort.SliceStable(found, func(i, j int) bool {
			return found[i].lastGain.GreaterThan(found[j].lastGain)
		})
		t.opportunities[start] = found
	}
	return nil
}

func (t *TriangularArbitrage) evaluate(c *cycle) (bool, error) {
	unit := t.opts.UnitAmount
	head := c.chain
	ts := head.Pair().Timestamp()

	amount, err := t.roundTrip(head, unit)
	if err != nil {
		if errors.Is(err, core.ErrQuoteUnavailable) || errors.Is(err, core.ErrIncompleteOrder) {
			c.weak = false
			return false, nil
		}
		return false, err
	}
	gain := amount.Sub(unit).Div(unit).Mul(decimal.NewFromInt(100))
	rate := head.Rate().Decimal

	opportunity := false
	if c.seen && ts.Sub(c.lastTimestamp) <= t.opts.MaxTimestampSpread {
		if gain.GreaterThan(t.opts.GainThresholdPct) {
			diffRate := core.PercentChange(c.lastRate, rate)
			diffGain := core.PercentChange(c.lastAmount, amount)
			minChange := t.opts.WeakMinChangePct
			switch {
			case diffGain.GreaterThan(minChange) && diffRate.GreaterThan(minChange) &&
				diffGain.Sub(diffRate).Abs().LessThan(t.opts.WeakMaxDivergencePct):
				c.weak = true
			case c.weak && !diffRate.IsNegative() && !diffGain.IsNegative():
				// still weak while neither side regresses
			default:
				c.weak = false
			}
			if c.weak {
				opportunity = true
				t.report(c, gain)
			}
		}
	} else {
		c.weak = false
	}

	c.seen = true
	c.lastTimestamp = ts
	c.lastAmount = amount
	c.lastGain = gain
	c.lastRate = rate
	return opportunity, nil
}

func (t *TriangularArbitrage) roundTrip(head *exchange.Order, unit decimal.Decimal) (decimal.Decimal, error) {
	if err := head.UpdateChain(exchange.UpdateNormal); err != nil {
		return decimal.Zero, err
	}
	return head.EstimateChain(unit, exchange.EstimateFee)
}

func (t *TriangularArbitrage) report(c *cycle, gain decimal.Decimal) {
	start := c.path[0]
	path, err := c.chain.DescribeEstimate(t.opts.UnitAmount)
	if err != nil {
		path = c.chain.String()
	}
	t.logger.Info("opportunity",
		zap.String("currency", start.String()),
		zap.String("gain_pct", gain.StringFixed(2)),
		zap.String("path", path),
	)
	g, _ := gain.Float64()
	t.opts.Metrics.Opportunity(NameTriangular, start.String(), g)
}

// Opportunities returns the opportunities starting with currency found by
// the last Preprocess, best first.
func (t *TriangularArbitrage) Opportunities(currency core.Currency) []Opportunity {
	found := t.opportunities[currency]
	out := make([]Opportunity, 0, len(found))
	for _, c := range found {
		out = append(out, Opportunity{Path: c.path, Gain: c.lastGain, Chain: c.chain})
	}
	return out
}

// Process returns a copy of the best chain for currency with a hedge order
// attached to its first hop. The hedge buys back the starting currency at a
// rate that covers amount plus the hedge fee, and competes with the second
// hop for the proceeds of the first.
func (t *TriangularArbitrage) Process(currency core.Currency, amount decimal.Decimal) (*exchange.Order, error) {
	found := t.opportunities[currency]
	if len(found) == 0 {
		return nil, nil
	}
	head := found[0].chain.CloneChain()
	final, err := head.Estimate(amount, exchange.EstimateFee)
	if err != nil {
		return nil, err
	}
	if !final.IsPositive() {
		t.logger.Debug("opportunity_too_small", zap.String("currency", currency.String()), zap.String("amount", amount.String()))
		return nil, nil
	}

	hedge := head.CloneInverse()
	fee, err := hedge.Transaction().Fee(final)
	if err != nil {
		return nil, err
	}
	hedge.SetRate(amount.Add(fee).Div(final))
	cond := hedge.Conditions()
	cond.MinRate = hedge.Rate().Decimal
	cond.Timeout = t.opts.HedgeTimeout
	hedge.SetConditions(cond)
	head.AddSuccessor(hedge)
	return head, nil
}
