package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

func TestPairAddCreatesInverse(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	mustAddPair(t, x, NewPair(core.BTC, core.USD))

	inv, err := x.Pair(core.USD, core.BTC)
	if err != nil {
		t.Fatalf("Pair(USD, BTC) error = %v", err)
	}
	if !inv.IsInverse() || inv.Real().Base() != core.BTC {
		t.Fatalf("Pair(USD, BTC) = %s inverse=%v, want inverse of BTC/USD", inv, inv.IsInverse())
	}
	if _, err := inv.Bid(); !errors.Is(err, core.ErrQuoteUnavailable) {
		t.Fatalf("inverse Bid() before quote error = %v, want %v", err, core.ErrQuoteUnavailable)
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("400", "500", t0))
	bid, err := inv.Bid()
	if err != nil {
		t.Fatalf("inverse Bid() error = %v", err)
	}
	if !bid.Equal(d("0.002")) {
		t.Fatalf("inverse Bid() = %s, want 0.002", bid)
	}
	ask, _ := inv.Ask()
	if !ask.Equal(d("0.0025")) {
		t.Fatalf("inverse Ask() = %s, want 0.0025", ask)
	}
	spread, err := inv.Spread()
	if err != nil || spread.Sign() < 0 {
		t.Fatalf("inverse Spread() = %s, %v, want non-negative", spread, err)
	}
	if !inv.Timestamp().Equal(t0) {
		t.Fatalf("inverse Timestamp() = %s, want %s", inv.Timestamp(), t0)
	}
	if got := x.Currencies(); len(got) != 2 || got[0] != core.BTC || got[1] != core.USD {
		t.Fatalf("Currencies() = %v, want [BTC USD]", got)
	}
}

func TestPairAddRejectsDuplicatesAndIncomplete(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	mustAddPair(t, x, NewPair(core.BTC, core.USD))

	err := x.PairAdd(NewPair(core.BTC, core.USD))
	if !errors.Is(err, core.ErrDuplicatePair) {
		t.Fatalf("PairAdd() duplicate error = %v, want %v", err, core.ErrDuplicatePair)
	}
	if core.ClassOf(err) != core.Fatal {
		t.Fatalf("ClassOf(duplicate) = %s, want fatal", core.ClassOf(err))
	}
	if err := x.PairAdd(NewPair("", core.USD)); !errors.Is(err, core.ErrIncompletePair) {
		t.Fatalf("PairAdd() incomplete error = %v, want %v", err, core.ErrIncompletePair)
	}
	if _, err := x.Pair(core.LTC, core.USD); !errors.Is(err, core.ErrUnknownPair) {
		t.Fatalf("Pair(LTC, USD) error = %v, want %v", err, core.ErrUnknownPair)
	}
}

func TestInversePairOrdersBindToRealPair(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	direct := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	inv, _ := x.Pair(core.USD, core.BTC)

	sell := inv.OrderSell(WithRate(d("0.002")))
	if sell.Pair() != direct || sell.Kind() != core.Buy {
		t.Fatalf("inverse OrderSell() = %s on %s, want buy on %s", sell.Kind(), sell.Pair(), direct)
	}
	if sell.AmountCurrency() != core.USD || sell.FinalCurrency() != core.BTC {
		t.Fatalf("inverse OrderSell() currencies = %s->%s, want USD->BTC", sell.AmountCurrency(), sell.FinalCurrency())
	}
	buy := inv.OrderBuy()
	if buy.Pair() != direct || buy.Kind() != core.Sell {
		t.Fatalf("inverse OrderBuy() = %s on %s, want sell on %s", buy.Kind(), buy.Pair(), direct)
	}
	if sell.ID() == 0 || buy.ID() <= sell.ID() {
		t.Fatalf("order ids = %d, %d, want increasing non-zero", sell.ID(), buy.ID())
	}
}

func TestInverseTransactionLimits(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	sellTx := core.NewTransaction(nil, core.Limits{MinRate: d("2"), MaxRate: d("4"), MinAmount: d("0.1")}, core.Timing{})
	mustAddPair(t, x, NewPair(core.LTC, core.USD, WithTransaction(core.OpSell, sellTx)))
	inv, _ := x.Pair(core.USD, core.LTC)

	got := inv.Transaction(core.OpBuy).Limits()
	if !got.MinRate.Equal(d("0.25")) || !got.MaxRate.Equal(d("0.5")) || !got.MinValue.Equal(d("0.1")) {
		t.Fatalf("inverse buy limits = %+v, want rate [0.25,0.5] min value 0.1", got)
	}
	if orig := sellTx.Limits(); !orig.MinRate.Equal(d("2")) {
		t.Fatalf("real sell limits mutated: %+v", orig)
	}
}

func TestPairUpdateRejectsInverse(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	mustAddPair(t, x, NewPair(core.BTC, core.USD))
	err := x.PairUpdate(context.Background(), core.USD, core.BTC, quoteAt("1", "2", t0))
	if !errors.Is(err, core.ErrUnknownPair) {
		t.Fatalf("PairUpdate(inverse) error = %v, want %v", err, core.ErrUnknownPair)
	}
}

func TestPairUpdateProcessesQueueOncePerRefresh(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	x.SetBalance(map[core.Currency]decimal.Decimal{core.BTC: d("3")})
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("590", "600", t0))

	var pending []*Order
	for i := 0; i < 2; i++ {
		o, err := p.OrderSell(WithRate(d("600"))).Execute(ctx, d("1"))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		pending = append(pending, o)
	}
	if p.Waiting() != 2 {
		t.Fatalf("Waiting() = %d, want 2", p.Waiting())
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("595", "600", t0.Add(time.Second)))
	if p.Waiting() != 2 {
		t.Fatalf("Waiting() after unchanged refresh = %d, want 2", p.Waiting())
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0.Add(2*time.Second)))
	if p.Waiting() != 0 {
		t.Fatalf("Waiting() after matching refresh = %d, want 0", p.Waiting())
	}
	for _, o := range pending {
		if o.Status() != core.OrderPlaced {
			t.Fatalf("order %d status = %s, want placed", o.ID(), o.Status())
		}
	}
	if got := x.Balance(core.BTC); !got.Equal(d("1")) {
		t.Fatalf("Balance(BTC) = %s, want 1", got)
	}
}

func TestPairUpdateKeepsPendingOrderOnError(t *testing.T) {
	p := NewPair(core.BTC, core.USD)
	first := p.OrderSell(WithAmount(d("1")), WithRate(d("500")))
	second := p.OrderSell(WithAmount(d("2")), WithRate(d("500")))
	first.status = core.OrderPending
	second.status = core.OrderPending
	p.orderWatch(first)
	p.orderWatch(second)

	err := p.Update(context.Background(), quoteAt("500", "510", t0))
	if !errors.Is(err, core.ErrIncompleteOrder) {
		t.Fatalf("Update() error = %v, want %v", err, core.ErrIncompleteOrder)
	}
	if got := p.Waiting(); got != 2 {
		t.Fatalf("Waiting() = %d, want 2", got)
	}
	if p.waiting[0] != first || p.waiting[1] != second {
		t.Fatalf("queue order changed after error")
	}
}
