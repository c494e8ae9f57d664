package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

// Pair is a market between a base and a quote currency. A sell converts base
// into quote at the bid; a buy converts quote into base at 1/ask.
//
// The reciprocal view of a real pair is a Pair too, with invertedFrom set.
// It is never quoted on its own: prices are derived from the real pair, its
// orders are bound to the real pair with the opposite kind, and its waiting
// queue is the real pair's.
type Pair struct {
	base         core.Currency
	quote        core.Currency
	key          string
	transactions map[core.Operation]*core.Transaction
	invertedFrom *Pair
	exchange     *Exchange

	data    core.Quote
	waiting []*Order
}

type PairOption func(*Pair)

// WithKey sets the exchange-native symbol of the pair, e.g. "btc_usd".
func WithKey(key string) PairOption {
	return func(p *Pair) {
		p.key = key
	}
}

func WithTransaction(op core.Operation, tx *core.Transaction) PairOption {
	return func(p *Pair) {
		if tx != nil {
			p.transactions[op] = tx
		}
	}
}

func NewPair(base, quote core.Currency, opts ...PairOption) *Pair {
	p := &Pair{
		base:         base,
		quote:        quote,
		transactions: make(map[core.Operation]*core.Transaction),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.key == "" {
		p.key = base.Lower() + "_" + quote.Lower()
	}
	for _, op := range []core.Operation{core.OpSell, core.OpBuy} {
		if p.transactions[op] == nil {
			p.transactions[op] = core.NewTransaction(nil, core.Limits{}, core.Timing{})
		}
	}
	return p
}

func newInversePair(direct *Pair) *Pair {
	inv := &Pair{
		base:         direct.quote,
		quote:        direct.base,
		key:          direct.key,
		transactions: make(map[core.Operation]*core.Transaction, len(direct.transactions)),
		invertedFrom: direct,
		exchange:     direct.exchange,
	}
	for op, tx := range direct.transactions {
		switch op {
		case core.OpSell:
			inv.transactions[core.OpBuy] = tx.Clone().Inverse()
		case core.OpBuy:
			inv.transactions[core.OpSell] = tx.Clone().Inverse()
		default:
			inv.transactions[op] = tx.Clone()
		}
	}
	return inv
}

func (p *Pair) Base() core.Currency  { return p.base }
func (p *Pair) Quote() core.Currency { return p.quote }
func (p *Pair) Key() string          { return p.key }
func (p *Pair) IsInverse() bool      { return p.invertedFrom != nil }

// Real returns the directly quoted pair behind p.
func (p *Pair) Real() *Pair {
	if p.invertedFrom != nil {
		return p.invertedFrom
	}
	return p
}

func (p *Pair) Exchange() *Exchange {
	return p.Real().exchange
}

func (p *Pair) Transaction(op core.Operation) *core.Transaction {
	return p.transactions[op]
}

func (p *Pair) Timestamp() time.Time {
	return p.Real().data.Timestamp
}

// Data returns the last snapshot of the underlying real pair.
func (p *Pair) Data() core.Quote {
	return p.Real().data
}

func (p *Pair) Bid() (decimal.Decimal, error) {
	if p.invertedFrom != nil {
		return reciprocal(p.invertedFrom.data.Ask, p, "ask")
	}
	return known(p.data.Bid, p, "bid")
}

func (p *Pair) Ask() (decimal.Decimal, error) {
	if p.invertedFrom != nil {
		return reciprocal(p.invertedFrom.data.Bid, p, "bid")
	}
	return known(p.data.Ask, p, "ask")
}

func (p *Pair) Avg() (decimal.Decimal, error) {
	if p.invertedFrom != nil {
		return reciprocal(p.invertedFrom.data.Avg, p, "avg")
	}
	return known(p.data.Avg, p, "avg")
}

func (p *Pair) Spread() (decimal.Decimal, error) {
	bid, err := p.Bid()
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := p.Ask()
	if err != nil {
		return decimal.Zero, err
	}
	return ask.Sub(bid), nil
}

func known(v decimal.NullDecimal, p *Pair, field string) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, fmt.Errorf("%w: %s %s", core.ErrQuoteUnavailable, p, field)
	}
	return v.Decimal, nil
}

func reciprocal(v decimal.NullDecimal, p *Pair, field string) (decimal.Decimal, error) {
	if !v.Valid || v.Decimal.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s inverse of %s", core.ErrQuoteUnavailable, p, field)
	}
	return core.Reciprocal(v.Decimal), nil
}

// OrderSell creates an order converting base into quote.
func (p *Pair) OrderSell(opts ...OrderOption) *Order {
	if p.invertedFrom != nil {
		return newOrder(p.invertedFrom, core.Buy, opts...)
	}
	return newOrder(p, core.Sell, opts...)
}

// OrderBuy creates an order converting quote into base.
func (p *Pair) OrderBuy(opts ...OrderOption) *Order {
	if p.invertedFrom != nil {
		return newOrder(p.invertedFrom, core.Sell, opts...)
	}
	return newOrder(p, core.Buy, opts...)
}

// Update replaces the market snapshot and gives every waiting order one
// chance to progress. Orders that re-queue themselves wait for the next
// update. On error the unprocessed orders stay queued, and so does the
// failing order if it is still pending; an order that already left PENDING
// is owned by its new state.
func (p *Pair) Update(ctx context.Context, q core.Quote) error {
	if p.invertedFrom != nil {
		return fmt.Errorf("%w: %s is derived from %s", core.ErrUnknownPair, p, p.invertedFrom)
	}
	p.data = q
	queue := p.waiting
	p.waiting = nil
	for len(queue) > 0 {
		o := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if err := o.process(ctx); err != nil {
			if o.Status() == core.OrderPending {
				queue = append(queue, o)
			}
			p.waiting = append(queue, p.waiting...)
			return err
		}
	}
	return nil
}

// Waiting returns the number of orders queued on the pair.
func (p *Pair) Waiting() int {
	return len(p.Real().waiting)
}

func (p *Pair) orderWatch(o *Order) {
	direct := p.Real()
	direct.waiting = append(direct.waiting, o)
}

func (p *Pair) String() string {
	return string(p.base) + "/" + string(p.quote)
}
