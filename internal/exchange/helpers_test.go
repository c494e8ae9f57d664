package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

var t0 = time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quoteAt(bid, ask string, ts time.Time) core.Quote {
	b, a := d(bid), d(ask)
	return core.Quote{
		Bid:       core.Known(b),
		Ask:       core.Known(a),
		Avg:       core.Known(b.Add(a).Div(decimal.NewFromInt(2))),
		Volume:    core.Known(d("10")),
		Timestamp: ts,
	}
}

type fakePort struct {
	orders   map[string]PortOrder
	balance  map[core.Currency]decimal.Decimal
	traded   []*Order
	tradeErr error
}

func (f *fakePort) Name() string { return "fake" }

func (f *fakePort) Initialize(context.Context, *Exchange) error { return nil }

func (f *fakePort) UpdatePairs(context.Context, *Exchange) (bool, error) { return true, nil }

func (f *fakePort) UpdateBalance(context.Context) (map[core.Currency]decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakePort) UpdateOrders(context.Context) (map[string]PortOrder, error) {
	out := make(map[string]PortOrder, len(f.orders))
	for id, o := range f.orders {
		out[id] = o
	}
	return out, nil
}

func (f *fakePort) Trade(_ context.Context, o *Order) (string, error) {
	if f.tradeErr != nil {
		return "", f.tradeErr
	}
	f.traded = append(f.traded, o)
	return "L" + decimal.NewFromInt(int64(len(f.traded))).String(), nil
}

func newTestExchange(t *testing.T, mode core.Mode) (*Exchange, *fakePort) {
	t.Helper()
	port := &fakePort{orders: map[string]PortOrder{}}
	x, err := New(port, Options{Mode: mode})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return x, port
}

func mustAddPair(t *testing.T, x *Exchange, p *Pair) *Pair {
	t.Helper()
	if err := x.PairAdd(p); err != nil {
		t.Fatalf("PairAdd(%s) error = %v", p, err)
	}
	return p
}

func mustUpdate(t *testing.T, x *Exchange, base, quote core.Currency, q core.Quote) {
	t.Helper()
	if err := x.PairUpdate(context.Background(), base, quote, q); err != nil {
		t.Fatalf("PairUpdate(%s/%s) error = %v", base, quote, err)
	}
}

func timedSell(effective, completed time.Duration) PairOption {
	return WithTransaction(core.OpSell, core.NewTransaction(nil, core.Limits{}, core.Timing{Effective: effective, Completed: completed}))
}
