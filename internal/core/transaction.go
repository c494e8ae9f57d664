package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultMaxDecimal int32 = 9

var hundred = decimal.NewFromInt(100)

// FeeTier applies to amounts greater than or equal to MinAmount.
type FeeTier struct {
	Fixed      decimal.Decimal
	Percentage decimal.Decimal
	MinAmount  decimal.Decimal
}

// Limits bounds a transaction. Zero values mean unconstrained.
type Limits struct {
	MinRate    decimal.Decimal
	MaxRate    decimal.Decimal
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	MinValue   decimal.Decimal
	MaxValue   decimal.Decimal
	MaxDecimal int32
}

// Timing is how long an exchange takes to make a placed order effective
// and then completed.
type Timing struct {
	Effective time.Duration
	Completed time.Duration
}

type Transaction struct {
	fees   []FeeTier
	limits Limits
	timing Timing
	// inverted makes Limits describe the reciprocal of limits.
	inverted bool
}

// NewTransaction builds a transaction policy. A nil fee list means a single
// free tier; an empty non-nil list has no tiers and makes Fee fail.
func NewTransaction(fees []FeeTier, limits Limits, timing Timing) *Transaction {
	if fees == nil {
		fees = []FeeTier{{}}
	}
	tiers := make([]FeeTier, len(fees))
	copy(tiers, fees)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinAmount.GreaterThan(tiers[j].MinAmount)
	})
	return &Transaction{fees: tiers, limits: limits, timing: timing}
}

func (t *Transaction) Fee(amount decimal.Decimal) (decimal.Decimal, error) {
	for _, tier := range t.fees {
		if tier.MinAmount.LessThanOrEqual(amount) {
			return tier.Fixed.Add(amount.Mul(tier.Percentage).Div(hundred)), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w for amount %s", ErrNoFeeTier, amount)
}

// WithinLimits returns a *LimitError for the first bound the trade violates.
func (t *Transaction) WithinLimits(rate, amount decimal.Decimal) error {
	l := t.Limits()
	if err := checkBound(BoundRate, rate, l.MinRate, l.MaxRate); err != nil {
		return err
	}
	if err := checkBound(BoundAmount, amount, l.MinAmount, l.MaxAmount); err != nil {
		return err
	}
	return checkBound(BoundValue, amount.Mul(rate), l.MinValue, l.MaxValue)
}

func checkBound(bound Bound, v, min, max decimal.Decimal) error {
	if !min.IsZero() && v.LessThan(min) {
		return &LimitError{Bound: bound, Below: true, Value: v, Limit: min}
	}
	if !max.IsZero() && v.GreaterThan(max) {
		return &LimitError{Bound: bound, Value: v, Limit: max}
	}
	return nil
}

// Inverse turns the policy of a base/quote transaction into the policy of
// the reciprocal quote/base one. It mutates t and returns it. The stored
// bounds are never divided, so inverting twice restores them exactly.
func (t *Transaction) Inverse() *Transaction {
	t.inverted = !t.inverted
	return t
}

func (t *Transaction) Clone() *Transaction {
	tiers := make([]FeeTier, len(t.fees))
	copy(tiers, t.fees)
	return &Transaction{fees: tiers, limits: t.limits, timing: t.timing, inverted: t.inverted}
}

func (t *Transaction) MaxDecimal() int32 {
	if t.limits.MaxDecimal <= 0 {
		return defaultMaxDecimal
	}
	return t.limits.MaxDecimal
}

func (t *Transaction) Floor(v decimal.Decimal) decimal.Decimal {
	return Floor(v, t.MaxDecimal())
}

func (t *Transaction) Limits() Limits {
	if !t.inverted {
		return t.limits
	}
	l := t.limits
	return Limits{
		MinRate:    Reciprocal(l.MaxRate),
		MaxRate:    Reciprocal(l.MinRate),
		MinAmount:  l.MinValue,
		MaxAmount:  l.MaxValue,
		MinValue:   l.MinAmount,
		MaxValue:   l.MaxAmount,
		MaxDecimal: l.MaxDecimal,
	}
}

func (t *Transaction) Timing() Timing {
	return t.timing
}

func (t *Transaction) Fees() []FeeTier {
	out := make([]FeeTier, len(t.fees))
	copy(out, t.fees)
	return out
}

func (t *Transaction) String() string {
	var b strings.Builder
	b.WriteString("fee=")
	for i, tier := range t.fees {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s+%s%%@%s", tier.Fixed, tier.Percentage, tier.MinAmount)
	}
	l := t.Limits()
	fmt.Fprintf(&b, " rate=[%s,%s] amount=[%s,%s] value=[%s,%s] decimals=%d",
		l.MinRate, l.MaxRate, l.MinAmount, l.MaxAmount, l.MinValue, l.MaxValue, t.MaxDecimal())
	if t.timing.Effective > 0 || t.timing.Completed > 0 {
		fmt.Fprintf(&b, " effective=%s completed=%s", t.timing.Effective, t.timing.Completed)
	}
	return b.String()
}
