package strategy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
)

var t0 = time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)

type noSource struct{}

func (noSource) Next() ([]exchange.Snapshot, error) { return nil, io.EOF }

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newMarket(t *testing.T, pairs ...[2]core.Currency) *exchange.Exchange {
	t.Helper()
	x, err := exchange.New(nil, exchange.Options{Source: noSource{}})
	if err != nil {
		t.Fatalf("exchange.New() error = %v", err)
	}
	for _, p := range pairs {
		if err := x.PairAdd(exchange.NewPair(p[0], p[1])); err != nil {
			t.Fatalf("PairAdd(%s/%s) error = %v", p[0], p[1], err)
		}
	}
	return x
}

func setQuote(t *testing.T, x *exchange.Exchange, base, quote core.Currency, bid, ask, avg string, ts time.Time) {
	t.Helper()
	q := core.Quote{
		Bid:       core.Known(d(bid)),
		Ask:       core.Known(d(ask)),
		Avg:       core.Known(d(avg)),
		Timestamp: ts,
	}
	if err := x.PairUpdate(context.Background(), base, quote, q); err != nil {
		t.Fatalf("PairUpdate(%s/%s) error = %v", base, quote, err)
	}
}
