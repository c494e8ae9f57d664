package safety

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
	"spot-arb/internal/metrics"
)

// GuardedPort counts port failures against the breaker and refuses calls
// while the matching circuit is open.
type GuardedPort struct {
	inner   exchange.Port
	breaker *Breaker
	metrics *metrics.Metrics
}

func NewGuardedPort(inner exchange.Port, breaker *Breaker, m *metrics.Metrics) *GuardedPort {
	return &GuardedPort{inner: inner, breaker: breaker, metrics: m}
}

func (g *GuardedPort) Name() string { return g.inner.Name() }

func (g *GuardedPort) Initialize(ctx context.Context, x *exchange.Exchange) error {
	err := g.inner.Initialize(ctx, x)
	if err != nil {
		g.metrics.PortError(g.inner.Name(), "initialize")
	}
	return err
}

func (g *GuardedPort) UpdatePairs(ctx context.Context, x *exchange.Exchange) (bool, error) {
	if err := g.breaker.AllowPoll(); err != nil {
		return false, core.Wrap(core.Transient, "update_pairs", err)
	}
	more, err := g.inner.UpdatePairs(ctx, x)
	return more, g.poll("update_pairs", err)
}

func (g *GuardedPort) UpdateBalance(ctx context.Context) (map[core.Currency]decimal.Decimal, error) {
	if err := g.breaker.AllowPoll(); err != nil {
		return nil, core.Wrap(core.Transient, "update_balance", err)
	}
	balance, err := g.inner.UpdateBalance(ctx)
	return balance, g.poll("update_balance", err)
}

func (g *GuardedPort) UpdateOrders(ctx context.Context) (map[string]exchange.PortOrder, error) {
	if err := g.breaker.AllowPoll(); err != nil {
		return nil, core.Wrap(core.Transient, "update_orders", err)
	}
	orders, err := g.inner.UpdateOrders(ctx)
	return orders, g.poll("update_orders", err)
}

func (g *GuardedPort) Trade(ctx context.Context, o *exchange.Order) (string, error) {
	if err := g.breaker.AllowTrade(); err != nil {
		return "", core.Wrap(core.Execution, "trade", err)
	}
	id, err := g.inner.Trade(ctx, o)
	if err != nil {
		g.metrics.PortError(g.inner.Name(), "trade")
	}
	if trip := g.breaker.RecordTrade(err); trip != nil {
		return "", core.Wrap(core.Execution, "trade", trip)
	}
	return id, err
}

func (g *GuardedPort) poll(method string, err error) error {
	if err != nil {
		g.metrics.PortError(g.inner.Name(), method)
	}
	if trip := g.breaker.RecordPoll(err); trip != nil {
		return core.Wrap(core.Transient, method, trip)
	}
	return err
}
