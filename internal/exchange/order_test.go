package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

func feeTx(pct string, decimals int32) *core.Transaction {
	return core.NewTransaction([]core.FeeTier{{Percentage: d(pct)}}, core.Limits{MaxDecimal: decimals}, core.Timing{})
}

func TestOrderEstimate(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD, WithTransaction(core.OpSell, feeTx("0.2", 3))))
	o := p.OrderSell(WithRate(d("600")))

	got, err := o.Estimate(d("1.23456"), EstimateFee)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if !got.Equal(d("738.919")) {
		t.Fatalf("Estimate() = %s, want 738.919", got)
	}

	got, err = o.Estimate(d("1200"), EstimateInverse|EstimateNoFee)
	if err != nil {
		t.Fatalf("Estimate(inverse) error = %v", err)
	}
	if !got.Equal(d("2")) {
		t.Fatalf("Estimate(inverse) = %s, want 2", got)
	}

	if _, err := p.OrderSell().Estimate(d("1"), EstimateFee); !errors.Is(err, core.ErrIncompleteOrder) {
		t.Fatalf("Estimate() without rate error = %v, want %v", err, core.ErrIncompleteOrder)
	}
}

func TestOrderSetterFloors(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD, WithTransaction(core.OpSell, feeTx("0", 2))))
	o := p.OrderSell(WithRate(d("600.129")), WithAmount(d("0.019")))
	if got := o.Rate().Decimal; !got.Equal(d("600.12")) {
		t.Fatalf("Rate() = %s, want 600.12", got)
	}
	if got := o.Amount().Decimal; !got.Equal(d("0.01")) {
		t.Fatalf("Amount() = %s, want 0.01", got)
	}
}

func TestOrderEstimateChainComposesHops(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	btcusd := mustAddPair(t, x, NewPair(core.BTC, core.USD, WithTransaction(core.OpSell, feeTx("0.2", 3))))
	mustAddPair(t, x, NewPair(core.EUR, core.USD, WithTransaction(core.OpBuy, feeTx("0.2", 5))))
	mustAddPair(t, x, NewPair(core.BTC, core.EUR, WithTransaction(core.OpBuy, feeTx("0.2", 8))))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "601", t0))
	mustUpdate(t, x, core.EUR, core.USD, quoteAt("1.37", "1.38", t0))
	mustUpdate(t, x, core.BTC, core.EUR, quoteAt("430", "433", t0))

	usdeur, _ := x.Pair(core.USD, core.EUR)
	eurbtc, _ := x.Pair(core.EUR, core.BTC)
	head := btcusd.OrderSell()
	head.AddChainOrder(usdeur.OrderSell())
	head.AddChainOrder(eurbtc.OrderSell())
	if head.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", head.Len())
	}
	if err := head.UpdateChain(UpdateNormal); err != nil {
		t.Fatalf("UpdateChain() error = %v", err)
	}

	amount := d("1")
	want := amount
	for cur := head; cur != nil; cur = cur.Next(0) {
		next, err := cur.Estimate(want, EstimateFee)
		if err != nil {
			t.Fatalf("Estimate() error = %v", err)
		}
		want = next
	}
	got, err := head.EstimateChain(amount, EstimateFee)
	if err != nil {
		t.Fatalf("EstimateChain() error = %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("EstimateChain() = %s, want %s", got, want)
	}
	if got.GreaterThanOrEqual(amount) {
		t.Fatalf("EstimateChain() = %s, want a loss on this market", got)
	}
	if head.Next(0).Kind() != core.Buy || head.Next(0).Pair().Base() != core.EUR {
		t.Fatalf("second hop = %s on %s, want buy on EUR/USD", head.Next(0).Kind(), head.Next(0).Pair())
	}
	desc, err := head.DescribeEstimate(amount)
	if err != nil || !strings.HasPrefix(desc, "1 BTC -> ") || !strings.HasSuffix(desc, " BTC") {
		t.Fatalf("DescribeEstimate() = %q, %v", desc, err)
	}
}

func TestOrderCloneChainAndInverse(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	q := mustAddPair(t, x, NewPair(core.USD, core.EUR))
	head := p.OrderSell(WithRate(d("600")), WithConditions(Conditions{Timeout: time.Second}))
	head.AddChainOrder(q.OrderSell(WithRate(d("0.7"))))

	c := head.CloneChain()
	if c == head || c.ID() == head.ID() || c.Next(0) == head.Next(0) || c.Next(0).ID() == head.Next(0).ID() {
		t.Fatalf("CloneChain() shares orders or ids with the original")
	}
	if c.Conditions().Timeout != time.Second || !c.Next(0).Rate().Decimal.Equal(d("0.7")) {
		t.Fatalf("CloneChain() lost fields: %s", c)
	}
	c.AddSuccessor(q.OrderBuy())
	if len(head.Chain()) != 1 {
		t.Fatalf("original chain length = %d, want 1", len(head.Chain()))
	}

	inv := head.CloneInverse()
	if inv.Kind() != core.Buy || inv.Pair() != p || inv.Next(0) != nil {
		t.Fatalf("CloneInverse() = %s", inv)
	}
	if !inv.Rate().Decimal.Equal(d("600")) || inv.Conditions().Timeout != time.Second {
		t.Fatalf("CloneInverse() lost rate or conditions: %s", inv)
	}
}

func TestOrderString(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	o := p.OrderSell(WithRate(d("600")), WithConditions(Conditions{MinRate: d("599")}))
	o.AddChainOrder(p.OrderBuy())
	got := o.String()
	want := "<sell BTC/USD rate:600 amount:none condition(s):minRate=599> -> <buy BTC/USD rate:none amount:none condition(s):>"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestExecuteInsufficientBalanceCancels(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0))
	x.SetBalanceOf(core.BTC, d("0.5"))

	o, err := p.OrderSell(WithRate(d("600"))).Execute(context.Background(), d("1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if o.Status() != core.OrderCanceled {
		t.Fatalf("Status() = %s, want canceled", o.Status())
	}
	if !strings.Contains(o.Message(), "balance") {
		t.Fatalf("Message() = %q, want balance message", o.Message())
	}
	if x.Registry().Len() != 0 {
		t.Fatalf("Registry().Len() = %d, want 0", x.Registry().Len())
	}
}

func TestExecuteRejectsNonIdleAndIncomplete(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0))
	x.SetBalanceOf(core.BTC, d("2"))

	if _, err := p.OrderSell().Execute(ctx, d("1")); !errors.Is(err, core.ErrIncompleteOrder) {
		t.Fatalf("Execute() without rate error = %v, want %v", err, core.ErrIncompleteOrder)
	}

	placed, err := p.OrderSell(WithRate(d("600"))).Execute(ctx, d("1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if placed.Status() != core.OrderPlaced {
		t.Fatalf("Status() = %s, want placed", placed.Status())
	}
	_, err = placed.Execute(ctx, d("1"))
	if !errors.Is(err, core.ErrInvalidStatus) || core.ClassOf(err) != core.Fatal {
		t.Fatalf("Execute() on placed order error = %v, want fatal %v", err, core.ErrInvalidStatus)
	}
}

func TestExecuteTimeoutCancels(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("590", "600", t0))
	x.SetBalanceOf(core.BTC, d("1"))

	o, err := p.OrderSell(WithRate(d("600")), WithConditions(Conditions{Timeout: 10 * time.Second})).Execute(context.Background(), d("1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if o.Status() != core.OrderPending {
		t.Fatalf("Status() = %s, want pending", o.Status())
	}
	if !o.Conditions().MaxTimestamp.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("MaxTimestamp = %s, want %s", o.Conditions().MaxTimestamp, t0.Add(10*time.Second))
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("590", "600", t0.Add(11*time.Second)))
	if o.Status() != core.OrderCanceled || !strings.Contains(o.Message(), "timeout") {
		t.Fatalf("Status() = %s (%q), want canceled on timeout", o.Status(), o.Message())
	}
	if got := x.Balance(core.BTC); !got.Equal(d("1")) {
		t.Fatalf("Balance(BTC) = %s, want 1", got)
	}
}

func TestSimulatedLifecycleRunsSuccessors(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestExchange(t, core.Simulation)
	var seen []core.OrderStatus
	x.SetStatusHook(func(o *Order, status core.OrderStatus, _ string) {
		seen = append(seen, status)
	})
	btcusd := mustAddPair(t, x, NewPair(core.BTC, core.USD, timedSell(time.Second, 2*time.Second)))
	usdeur := mustAddPair(t, x, NewPair(core.USD, core.EUR))
	mustUpdate(t, x, core.USD, core.EUR, quoteAt("0.75", "0.76", t0))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0))
	x.SetBalanceOf(core.BTC, d("1"))

	head := btcusd.OrderSell(WithRate(d("600")))
	head.AddChainOrder(usdeur.OrderSell(WithRate(d("0.75"))))
	o, err := head.Execute(ctx, d("1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if o.Status() != core.OrderPlaced {
		t.Fatalf("Status() = %s, want placed", o.Status())
	}
	if got := x.PlacedBalance()[core.BTC]; !got.Equal(d("1")) {
		t.Fatalf("PlacedBalance(BTC) = %s, want 1", got)
	}
	if got := x.TotalBalance()[core.BTC]; !got.Equal(d("1")) {
		t.Fatalf("TotalBalance(BTC) = %s, want 1", got)
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0.Add(time.Second)))
	if err := x.UpdateOrders(ctx); err != nil {
		t.Fatalf("UpdateOrders() error = %v", err)
	}
	if o.Status() != core.OrderEffective {
		t.Fatalf("Status() = %s, want effective", o.Status())
	}

	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0.Add(3*time.Second)))
	if err := x.UpdateOrders(ctx); err != nil {
		t.Fatalf("UpdateOrders() error = %v", err)
	}
	if o.Status() != core.OrderCompleted {
		t.Fatalf("Status() = %s, want completed", o.Status())
	}
	if got := x.Balance(core.USD); !got.IsZero() {
		t.Fatalf("Balance(USD) = %s, want 0 once the successor is placed", got)
	}

	for i := 0; i < 2; i++ {
		if err := x.UpdateOrders(ctx); err != nil {
			t.Fatalf("UpdateOrders() error = %v", err)
		}
	}
	if got := x.Balance(core.EUR); !got.Equal(d("450")) {
		t.Fatalf("Balance(EUR) = %s, want 450", got)
	}
	if x.Registry().Len() != 0 || len(x.Watched()) != 0 {
		t.Fatalf("active=%d watched=%v, want none", x.Registry().Len(), x.Watched())
	}
	want := []core.OrderStatus{
		core.OrderPending, core.OrderPlaced, core.OrderEffective, core.OrderCompleted,
		core.OrderPending, core.OrderPlaced, core.OrderEffective, core.OrderCompleted,
	}
	if len(seen) != len(want) {
		t.Fatalf("status hook saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status hook saw %v, want %v", seen, want)
		}
	}
}

func TestSimulatedRateDecreaseCancelsAndRefunds(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestExchange(t, core.Simulation)
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD, timedSell(time.Second, time.Second)))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0))
	x.SetBalanceOf(core.BTC, d("1"))

	o, err := p.OrderSell(WithRate(d("600"))).Execute(ctx, d("1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("590", "610", t0.Add(time.Second)))
	if err := x.UpdateOrders(ctx); err != nil {
		t.Fatalf("UpdateOrders() error = %v", err)
	}
	if o.Status() != core.OrderCanceled || !strings.Contains(o.Message(), "decreased") {
		t.Fatalf("Status() = %s (%q), want canceled on rate decrease", o.Status(), o.Message())
	}
	if got := x.Balance(core.BTC); !got.Equal(d("1")) {
		t.Fatalf("Balance(BTC) = %s, want refunded 1", got)
	}
}

func TestSimulatedTradeLimitsCancel(t *testing.T) {
	x, _ := newTestExchange(t, core.Simulation)
	tx := core.NewTransaction(nil, core.Limits{MinAmount: d("0.1")}, core.Timing{})
	p := mustAddPair(t, x, NewPair(core.BTC, core.USD, WithTransaction(core.OpSell, tx)))
	mustUpdate(t, x, core.BTC, core.USD, quoteAt("600", "610", t0))
	x.SetBalance(map[core.Currency]decimal.Decimal{core.BTC: d("1")})

	o, err := p.OrderSell(WithRate(d("600"))).Execute(context.Background(), d("0.01"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if o.Status() != core.OrderCanceled || !strings.Contains(o.Message(), "amount") {
		t.Fatalf("Status() = %s (%q), want canceled below min amount", o.Status(), o.Message())
	}
	if got := x.Balance(core.BTC); !got.Equal(d("1")) {
		t.Fatalf("Balance(BTC) = %s, want untouched 1", got)
	}
}
