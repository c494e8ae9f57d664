package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

// EstimateMode flags alter how proceeds are estimated. The zero value
// estimates rate*amount minus the transaction fee.
type EstimateMode int

const (
	EstimateFee   EstimateMode = 0
	EstimateNoFee EstimateMode = 1 << iota
	EstimateInverse
)

type UpdateMode int

const (
	UpdateNormal UpdateMode = iota
	UpdateAverage
)

// Conditions gate a pending order. Zero values are unconstrained.
type Conditions struct {
	MinTimestamp time.Time
	MaxTimestamp time.Time
	// Timeout becomes MaxTimestamp, relative to the pair timestamp, when
	// the order is executed.
	Timeout time.Duration
	MinRate decimal.Decimal
	MaxRate decimal.Decimal
}

func (c Conditions) String() string {
	var parts []string
	if !c.MinTimestamp.IsZero() {
		parts = append(parts, "minTimestamp="+c.MinTimestamp.UTC().Format(time.RFC3339))
	}
	if !c.MaxTimestamp.IsZero() {
		parts = append(parts, "maxTimestamp="+c.MaxTimestamp.UTC().Format(time.RFC3339))
	}
	if c.Timeout > 0 {
		parts = append(parts, "timeout="+c.Timeout.String())
	}
	if !c.MinRate.IsZero() {
		parts = append(parts, "minRate="+c.MinRate.String())
	}
	if !c.MaxRate.IsZero() {
		parts = append(parts, "maxRate="+c.MaxRate.String())
	}
	return strings.Join(parts, ";")
}

type kindRules struct {
	op             core.Operation
	rate           func(p *Pair, mode UpdateMode) (decimal.Decimal, error)
	amountCurrency func(p *Pair) core.Currency
	finalCurrency  func(p *Pair) core.Currency
}

var kinds = map[core.OrderKind]kindRules{
	core.Sell: {
		op: core.OpSell,
		rate: func(p *Pair, mode UpdateMode) (decimal.Decimal, error) {
			if mode == UpdateAverage {
				return p.Avg()
			}
			return p.Bid()
		},
		amountCurrency: (*Pair).Base,
		finalCurrency:  (*Pair).Quote,
	},
	core.Buy: {
		op: core.OpBuy,
		rate: func(p *Pair, mode UpdateMode) (decimal.Decimal, error) {
			var (
				v   decimal.Decimal
				err error
			)
			if mode == UpdateAverage {
				v, err = p.Avg()
			} else {
				v, err = p.Ask()
			}
			if err != nil {
				return decimal.Zero, err
			}
			if v.IsZero() {
				return decimal.Zero, fmt.Errorf("%w: %s zero price", core.ErrQuoteUnavailable, p)
			}
			return core.Reciprocal(v), nil
		},
		amountCurrency: (*Pair).Quote,
		finalCurrency:  (*Pair).Base,
	},
}

// Order is one leg of a conversion, optionally followed by successors that
// run on its proceeds once it completes. Orders are always bound to a
// directly quoted pair.
type Order struct {
	pair       *Pair
	kind       core.OrderKind
	id         uint64
	chain      []*Order
	conditions Conditions

	mu      sync.RWMutex
	rate    decimal.NullDecimal
	amount  decimal.NullDecimal
	status  core.OrderStatus
	message string
}

type OrderOption func(*Order)

func WithRate(rate decimal.Decimal) OrderOption {
	return func(o *Order) {
		o.SetRate(rate)
	}
}

func WithAmount(amount decimal.Decimal) OrderOption {
	return func(o *Order) {
		o.SetAmount(amount)
	}
}

func WithConditions(c Conditions) OrderOption {
	return func(o *Order) {
		o.conditions = c
	}
}

func newOrder(pair *Pair, kind core.OrderKind, opts ...OrderOption) *Order {
	o := &Order{
		pair:   pair,
		kind:   kind,
		id:     nextOrderID(pair),
		status: core.OrderIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func nextOrderID(p *Pair) uint64 {
	if x := p.Exchange(); x != nil && x.registry != nil {
		return x.registry.NextID()
	}
	return 0
}

func (o *Order) ID() uint64           { return o.id }
func (o *Order) Kind() core.OrderKind { return o.kind }
func (o *Order) Pair() *Pair          { return o.pair }

func (o *Order) Conditions() Conditions {
	return o.conditions
}

func (o *Order) SetConditions(c Conditions) {
	o.conditions = c
}

func (o *Order) Rate() decimal.NullDecimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rate
}

func (o *Order) Amount() decimal.NullDecimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.amount
}

// SetRate stores rate floored to the transaction precision.
func (o *Order) SetRate(rate decimal.Decimal) {
	v := o.Transaction().Floor(rate)
	o.mu.Lock()
	o.rate = core.Known(v)
	o.mu.Unlock()
}

// SetAmount stores amount floored to the transaction precision.
func (o *Order) SetAmount(amount decimal.Decimal) {
	v := o.Transaction().Floor(amount)
	o.mu.Lock()
	o.amount = core.Known(v)
	o.mu.Unlock()
}

func (o *Order) Status() core.OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Order) Message() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.message
}

func (o *Order) Transaction() *core.Transaction {
	return o.pair.Transaction(kinds[o.kind].op)
}

// AmountCurrency is the currency spent by the order.
func (o *Order) AmountCurrency() core.Currency {
	return kinds[o.kind].amountCurrency(o.pair)
}

// FinalCurrency is the currency received by the order.
func (o *Order) FinalCurrency() core.Currency {
	return kinds[o.kind].finalCurrency(o.pair)
}

// UpdatedRate is the rate the market currently offers for this order.
func (o *Order) UpdatedRate(mode UpdateMode) (decimal.Decimal, error) {
	return kinds[o.kind].rate(o.pair, mode)
}

// Next returns the i-th successor or nil.
func (o *Order) Next(i int) *Order {
	if i < 0 || i >= len(o.chain) {
		return nil
	}
	return o.chain[i]
}

func (o *Order) Chain() []*Order {
	out := make([]*Order, len(o.chain))
	copy(out, o.chain)
	return out
}

// Len counts the orders along the first-successor path, o included.
func (o *Order) Len() int {
	n := 0
	for cur := o; cur != nil; cur = cur.Next(0) {
		n++
	}
	return n
}

// AddChainOrder appends next at the tail of the first-successor path.
func (o *Order) AddChainOrder(next *Order) {
	tail := o
	for tail.Next(0) != nil {
		tail = tail.Next(0)
	}
	tail.chain = append(tail.chain, next)
}

// AddSuccessor adds next as another successor of o itself.
func (o *Order) AddSuccessor(next *Order) {
	o.chain = append(o.chain, next)
}

// Update refreshes the rate from the pair. The market rate is stored as is.
func (o *Order) Update(mode UpdateMode) error {
	rate, err := o.UpdatedRate(mode)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.rate = core.Known(rate)
	o.mu.Unlock()
	return nil
}

func (o *Order) UpdateChain(mode UpdateMode) error {
	for cur := o; cur != nil; cur = cur.Next(0) {
		if err := cur.Update(mode); err != nil {
			return err
		}
	}
	return nil
}

// Estimate returns the proceeds of converting amount with this order.
func (o *Order) Estimate(amount decimal.Decimal, mode EstimateMode) (decimal.Decimal, error) {
	rate := o.Rate()
	if !rate.Valid || rate.Decimal.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no rate on %s", core.ErrIncompleteOrder, o.describe())
	}
	tx := o.Transaction()
	amount = tx.Floor(amount)
	var final decimal.Decimal
	if mode&EstimateInverse != 0 {
		final = amount.Div(rate.Decimal)
	} else {
		final = rate.Decimal.Mul(amount)
	}
	if mode&EstimateNoFee == 0 {
		fee, err := tx.Fee(final)
		if err != nil {
			return decimal.Zero, err
		}
		final = final.Sub(fee)
	}
	return tx.Floor(final), nil
}

// EstimateChain folds Estimate along the first-successor path.
func (o *Order) EstimateChain(amount decimal.Decimal, mode EstimateMode) (decimal.Decimal, error) {
	var err error
	for cur := o; cur != nil; cur = cur.Next(0) {
		amount, err = cur.Estimate(amount, mode)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return amount, nil
}

func (o *Order) estimateOwn(mode EstimateMode) (decimal.Decimal, error) {
	amount := o.Amount()
	if !amount.Valid {
		return decimal.Zero, fmt.Errorf("%w: no amount on %s", core.ErrIncompleteOrder, o.describe())
	}
	return o.Estimate(amount.Decimal, mode)
}

func (o *Order) clone(kind core.OrderKind) *Order {
	o.mu.RLock()
	c := &Order{
		pair:       o.pair,
		kind:       kind,
		id:         nextOrderID(o.pair),
		conditions: o.conditions,
		rate:       o.rate,
		amount:     o.amount,
		status:     o.status,
	}
	o.mu.RUnlock()
	return c
}

// CloneChain deep-copies o and all its successors with fresh ids.
func (o *Order) CloneChain() *Order {
	c := o.clone(o.kind)
	for _, next := range o.chain {
		c.chain = append(c.chain, next.CloneChain())
	}
	return c
}

// CloneInverse returns a single order of the opposite kind on the same pair.
func (o *Order) CloneInverse() *Order {
	return o.clone(o.kind.Inverse())
}

func (o *Order) describe() string {
	o.mu.RLock()
	rate, amount, status := o.rate, o.amount, o.status
	o.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "<%s %s rate:%s amount:%s", o.kind, o.pair, nullString(rate), nullString(amount))
	if status == core.OrderIdle || status == core.OrderPending {
		fmt.Fprintf(&b, " condition(s):%s", o.conditions)
	}
	b.WriteByte('>')
	return b.String()
}

func (o *Order) String() string {
	var parts []string
	for cur := o; cur != nil; cur = cur.Next(0) {
		parts = append(parts, cur.describe())
	}
	return strings.Join(parts, " -> ")
}

// DescribeEstimate renders the conversion path of amount, e.g.
// "1 BTC -> 600 USD -> 450 EUR".
func (o *Order) DescribeEstimate(amount decimal.Decimal) (string, error) {
	parts := []string{amount.String() + " " + string(o.AmountCurrency())}
	var err error
	for cur := o; cur != nil; cur = cur.Next(0) {
		amount, err = cur.Estimate(amount, EstimateFee)
		if err != nil {
			return "", err
		}
		parts = append(parts, amount.String()+" "+string(cur.FinalCurrency()))
	}
	return strings.Join(parts, " -> "), nil
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return "none"
	}
	return v.Decimal.String()
}
