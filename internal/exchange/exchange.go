package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
)

// StatusHook observes every order state change.
type StatusHook func(o *Order, status core.OrderStatus, msg string)

type Options struct {
	Name     string
	Mode     core.Mode
	Registry *OrderRegistry
	Logger   *zap.Logger
	// Recorder receives the direct pair snapshots after every refresh.
	Recorder Recorder
	// Source replaces the port as quote provider. Simulation only.
	Source Source
	// PairDefaults configure pairs that first appear in a replay source.
	PairDefaults []PairOption
	OnStatus     StatusHook
}

type watchEntry struct {
	order *Order
	tx    *core.Transaction
	since time.Time
}

// Exchange holds the pair graph, the balances and the orders placed on one
// venue. Only the trading loop mutates it; balances, watched orders and the
// clock are guarded so a reporter can read them concurrently.
type Exchange struct {
	name         string
	mode         core.Mode
	port         Port
	registry     *OrderRegistry
	logger       *zap.Logger
	recorder     Recorder
	source       Source
	pairDefaults []PairOption
	onStatus     StatusHook

	pairs      map[core.Currency]map[core.Currency]*Pair
	adj        map[core.Currency][]core.Currency
	currencies []core.Currency
	direct     []*Pair

	mu        sync.RWMutex
	balance   map[core.Currency]decimal.Decimal
	watched   map[string]*watchEntry
	timestamp time.Time
}

func New(port Port, opts Options) (*Exchange, error) {
	if opts.Mode == "" {
		opts.Mode = core.Simulation
	}
	if opts.Mode != core.Simulation && opts.Mode != core.Live {
		return nil, core.Wrap(core.Fatal, "exchange", fmt.Errorf("unsupported mode %q", opts.Mode))
	}
	if opts.Source != nil && opts.Mode == core.Live {
		return nil, core.Wrap(core.Fatal, "exchange", errors.New("replaying records requires simulation mode"))
	}
	if port == nil && opts.Source == nil {
		return nil, core.Wrap(core.Fatal, "exchange", errors.New("a port or a replay source is required"))
	}
	if opts.Registry == nil {
		opts.Registry = NewOrderRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" && port != nil {
		name = port.Name()
	}
	if name == "" {
		name = "replay"
	}
	return &Exchange{
		name:         name,
		mode:         opts.Mode,
		port:         port,
		registry:     opts.Registry,
		logger:       opts.Logger.With(zap.String("exchange", name)),
		recorder:     opts.Recorder,
		source:       opts.Source,
		pairDefaults: opts.PairDefaults,
		onStatus:     opts.OnStatus,
		pairs:        make(map[core.Currency]map[core.Currency]*Pair),
		adj:          make(map[core.Currency][]core.Currency),
		balance:      make(map[core.Currency]decimal.Decimal),
		watched:      make(map[string]*watchEntry),
	}, nil
}

func (x *Exchange) Name() string              { return x.name }
func (x *Exchange) Mode() core.Mode           { return x.mode }
func (x *Exchange) Registry() *OrderRegistry  { return x.registry }
func (x *Exchange) Logger() *zap.Logger       { return x.logger }
func (x *Exchange) SetStatusHook(h StatusHook) { x.onStatus = h }

// Initialize lets the port register the tradeable pairs.
func (x *Exchange) Initialize(ctx context.Context) error {
	if x.port == nil {
		return nil
	}
	if err := x.port.Initialize(ctx, x); err != nil {
		if core.ClassOf(err) == core.Transient {
			return err
		}
		return core.Wrap(core.Fatal, "initialize", err)
	}
	x.logger.Info("exchange_initialized", zap.Int("pairs", len(x.direct)), zap.Int("currencies", len(x.currencies)))
	return nil
}

// PairAdd registers a direct pair and, unless the reverse pair already
// exists, its inverse view.
func (x *Exchange) PairAdd(p *Pair) error {
	if p == nil || p.base == "" || p.quote == "" || p.base == p.quote {
		return core.Wrap(core.Fatal, "pair_add", fmt.Errorf("%w: %v", core.ErrIncompletePair, p))
	}
	if p.IsInverse() {
		return core.Wrap(core.Fatal, "pair_add", fmt.Errorf("%w: %s is an inverse view", core.ErrIncompletePair, p))
	}
	if _, exists := x.pairs[p.base][p.quote]; exists {
		return core.Wrap(core.Fatal, "pair_add", fmt.Errorf("%w: %s", core.ErrDuplicatePair, p))
	}
	p.exchange = x
	x.insert(p)
	x.direct = append(x.direct, p)
	if _, exists := x.pairs[p.quote][p.base]; !exists {
		x.insert(newInversePair(p))
	}
	return nil
}

func (x *Exchange) insert(p *Pair) {
	if x.pairs[p.base] == nil {
		x.pairs[p.base] = make(map[core.Currency]*Pair)
	}
	x.pairs[p.base][p.quote] = p
	x.adj[p.base] = append(x.adj[p.base], p.quote)
	x.addCurrency(p.base)
	x.addCurrency(p.quote)
}

func (x *Exchange) addCurrency(c core.Currency) {
	for _, known := range x.currencies {
		if known == c {
			return
		}
	}
	x.currencies = append(x.currencies, c)
}

func (x *Exchange) Pair(base, quote core.Currency) (*Pair, error) {
	p, ok := x.pairs[base][quote]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s on %s", core.ErrUnknownPair, base, quote, x.name)
	}
	return p, nil
}

// Counterparts lists the currencies base converts into, in registration
// order.
func (x *Exchange) Counterparts(base core.Currency) []core.Currency {
	out := make([]core.Currency, len(x.adj[base]))
	copy(out, x.adj[base])
	return out
}

// Pairs lists the pairs selling base, in registration order.
func (x *Exchange) Pairs(base core.Currency) []*Pair {
	out := make([]*Pair, 0, len(x.adj[base]))
	for _, quote := range x.adj[base] {
		out = append(out, x.pairs[base][quote])
	}
	return out
}

// DirectPairs lists the quoted pairs in registration order.
func (x *Exchange) DirectPairs() []*Pair {
	out := make([]*Pair, len(x.direct))
	copy(out, x.direct)
	return out
}

func (x *Exchange) Currencies() []core.Currency {
	out := make([]core.Currency, len(x.currencies))
	copy(out, x.currencies)
	return out
}

func (x *Exchange) HasCurrency(c core.Currency) bool {
	for _, known := range x.currencies {
		if known == c {
			return true
		}
	}
	return false
}

// PairUpdate stores a new quote for a direct pair and advances the exchange
// clock before waiting orders are processed.
func (x *Exchange) PairUpdate(ctx context.Context, base, quote core.Currency, q core.Quote) error {
	p, err := x.Pair(base, quote)
	if err != nil {
		return core.Wrap(core.Fatal, "pair_update", err)
	}
	if p.IsInverse() {
		return core.Wrap(core.Fatal, "pair_update", fmt.Errorf("%w: %s is an inverse view", core.ErrUnknownPair, p))
	}
	x.mu.Lock()
	if q.Timestamp.After(x.timestamp) {
		x.timestamp = q.Timestamp
	}
	x.mu.Unlock()
	return p.Update(ctx, q)
}

func (x *Exchange) Timestamp() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.timestamp
}

func (x *Exchange) SetTimestamp(t time.Time) {
	x.mu.Lock()
	x.timestamp = t
	x.mu.Unlock()
}

// UpdatePairs refreshes every quote. It returns false once a replay source
// is exhausted or the port has no more data.
func (x *Exchange) UpdatePairs(ctx context.Context) (bool, error) {
	more := true
	if x.source != nil {
		snaps, err := x.source.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, core.Wrap(core.Fatal, "replay", err)
		}
		if err := x.apply(ctx, snaps); err != nil {
			return false, err
		}
	} else {
		var err error
		more, err = x.port.UpdatePairs(ctx, x)
		if err != nil {
			return false, err
		}
	}
	if x.recorder != nil {
		if err := x.recorder.Record(x.Snapshots()); err != nil {
			return more, fmt.Errorf("record pairs: %w", err)
		}
	}
	return more, nil
}

func (x *Exchange) apply(ctx context.Context, snaps []Snapshot) error {
	for _, s := range snaps {
		if _, err := x.Pair(s.Base, s.Quote); err != nil {
			if err := x.PairAdd(NewPair(s.Base, s.Quote, x.pairDefaults...)); err != nil {
				return err
			}
		}
		if err := x.PairUpdate(ctx, s.Base, s.Quote, s.Data); err != nil {
			return err
		}
	}
	return nil
}

// Snapshots returns the current quote of every direct pair.
func (x *Exchange) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(x.direct))
	for _, p := range x.direct {
		out = append(out, Snapshot{Base: p.base, Quote: p.quote, Data: p.data})
	}
	return out
}

// UpdateBalance replaces the balance with the port's view. Simulated
// balances are never refreshed.
func (x *Exchange) UpdateBalance(ctx context.Context) error {
	if x.mode != core.Live || x.port == nil {
		return nil
	}
	balance, err := x.port.UpdateBalance(ctx)
	if err != nil {
		return err
	}
	x.SetBalance(balance)
	return nil
}

func (x *Exchange) Balance(c core.Currency) decimal.Decimal {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.balance[c]
}

func (x *Exchange) Balances() map[core.Currency]decimal.Decimal {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[core.Currency]decimal.Decimal, len(x.balance))
	for c, v := range x.balance {
		out[c] = v
	}
	return out
}

func (x *Exchange) SetBalance(balance map[core.Currency]decimal.Decimal) {
	next := make(map[core.Currency]decimal.Decimal, len(balance))
	for c, v := range balance {
		next[c] = v
	}
	x.mu.Lock()
	x.balance = next
	x.mu.Unlock()
}

func (x *Exchange) SetBalanceOf(c core.Currency, v decimal.Decimal) {
	x.mu.Lock()
	x.balance[c] = v
	x.mu.Unlock()
}

func (x *Exchange) AddBalance(c core.Currency, delta decimal.Decimal) {
	x.mu.Lock()
	x.balance[c] = x.balance[c].Add(delta)
	x.mu.Unlock()
}

// PlacedBalance sums the amounts reserved by watched orders.
func (x *Exchange) PlacedBalance() map[core.Currency]decimal.Decimal {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[core.Currency]decimal.Decimal)
	for _, w := range x.watched {
		c := w.order.AmountCurrency()
		out[c] = out[c].Add(w.order.Amount().Decimal)
	}
	return out
}

// TotalBalance is the available plus the placed balance.
func (x *Exchange) TotalBalance() map[core.Currency]decimal.Decimal {
	out := x.Balances()
	for c, v := range x.PlacedBalance() {
		out[c] = out[c].Add(v)
	}
	return out
}
