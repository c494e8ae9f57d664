package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"spot-arb/internal/core"
)

// Trade places o. Simulated trades are checked against the balance and the
// transaction limits; live trades go through the port. On success the
// amount is reserved and the order is watched until it completes.
func (x *Exchange) Trade(ctx context.Context, o *Order) (string, error) {
	cur := o.AmountCurrency()
	amount := o.Amount()
	rate := o.Rate()
	if !amount.Valid || !rate.Valid {
		return "", core.Wrap(core.Fatal, "trade", fmt.Errorf("%w: %s", core.ErrIncompleteOrder, o.describe()))
	}

	var id string
	if x.mode == core.Simulation {
		if available := x.Balance(cur); available.LessThan(amount.Decimal) {
			return "", core.Wrap(core.Execution, "trade", fmt.Errorf("%w (available %s %s, needed %s %s)",
				core.ErrInsufficientBalance, available, cur, amount.Decimal, cur))
		}
		if err := o.Transaction().WithinLimits(rate.Decimal, amount.Decimal); err != nil {
			return "", core.Wrap(core.Execution, "trade", err)
		}
		id = strconv.FormatUint(o.id, 10)
	} else {
		var err error
		id, err = x.port.Trade(ctx, o)
		if err != nil {
			return "", err
		}
	}

	x.mu.Lock()
	x.balance[cur] = x.balance[cur].Sub(amount.Decimal)
	x.watchLocked(id, o)
	x.mu.Unlock()
	x.logger.Info("order_traded", zap.String("order_id", id), zap.Uint64("id", o.id), zap.Stringer("order", o))
	return id, nil
}

// OrderWatch starts tracking an order placed on the exchange under id.
func (x *Exchange) OrderWatch(id string, o *Order) {
	x.mu.Lock()
	x.watchLocked(id, o)
	x.mu.Unlock()
}

func (x *Exchange) watchLocked(id string, o *Order) {
	x.watched[id] = &watchEntry{order: o, tx: o.Transaction(), since: x.timestamp}
}

// OrderStopWatch stops tracking id and returns its order.
func (x *Exchange) OrderStopWatch(id string) (*Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	w, ok := x.watched[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	delete(x.watched, id)
	return w.order, nil
}

// Watched returns the ids of the watched orders, sorted.
func (x *Exchange) Watched() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.watchedIDsLocked()
}

func (x *Exchange) watchedIDsLocked() []string {
	ids := make([]string, 0, len(x.watched))
	for id := range x.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (x *Exchange) OrderEffective(ctx context.Context, id string) error {
	x.mu.RLock()
	w, ok := x.watched[id]
	x.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return w.order.setStatus(ctx, core.OrderEffective, "")
}

// OrderCanceled refunds the reserved amount and cancels the order.
func (x *Exchange) OrderCanceled(ctx context.Context, id, msg string) error {
	x.mu.Lock()
	w, ok := x.watched[id]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	delete(x.watched, id)
	cur := w.order.AmountCurrency()
	x.balance[cur] = x.balance[cur].Add(w.order.Amount().Decimal)
	x.mu.Unlock()
	return w.order.setStatus(ctx, core.OrderCanceled, msg)
}

// OrderCompleted credits the estimated proceeds and completes the order.
func (x *Exchange) OrderCompleted(ctx context.Context, id string) error {
	x.mu.RLock()
	w, ok := x.watched[id]
	x.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	proceeds, err := w.order.estimateOwn(EstimateFee)
	if err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.watched, id)
	cur := w.order.FinalCurrency()
	x.balance[cur] = x.balance[cur].Add(proceeds)
	x.mu.Unlock()
	return w.order.setStatus(ctx, core.OrderCompleted, "")
}

// UpdateOrders advances the watched orders. Simulated orders progress with
// the exchange clock; live orders are reconciled with the port.
func (x *Exchange) UpdateOrders(ctx context.Context) error {
	if x.mode == core.Simulation {
		return x.simulateOrders(ctx)
	}
	return x.reconcileOrders(ctx)
}

func (x *Exchange) simulateOrders(ctx context.Context) error {
	x.mu.RLock()
	now := x.timestamp
	ids := x.watchedIDsLocked()
	x.mu.RUnlock()

	for _, id := range ids {
		x.mu.RLock()
		w, ok := x.watched[id]
		x.mu.RUnlock()
		if !ok {
			continue
		}
		elapsed := now.Sub(w.since)
		timing := w.tx.Timing()
		switch w.order.Status() {
		case core.OrderPlaced:
			if elapsed < timing.Effective {
				continue
			}
			rate := w.order.Rate().Decimal
			updated, err := w.order.UpdatedRate(UpdateNormal)
			if err != nil {
				continue
			}
			if rate.GreaterThan(updated) {
				msg := fmt.Sprintf("rate of this order decreased from %s to %s", rate, updated)
				if err := x.OrderCanceled(ctx, id, msg); err != nil {
					return err
				}
				continue
			}
			if err := x.OrderEffective(ctx, id); err != nil {
				return err
			}
		case core.OrderEffective:
			if elapsed >= timing.Effective+timing.Completed {
				if err := x.OrderCompleted(ctx, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (x *Exchange) reconcileOrders(ctx context.Context) error {
	active, err := x.port.UpdateOrders(ctx)
	if err != nil {
		return err
	}
	if active == nil {
		return core.Wrap(core.Fatal, "update_orders", fmt.Errorf("%w: port returned no order list", core.ErrMalformedOrder))
	}
	ids := make([]string, 0, len(active))
	for id, rec := range active {
		if err := x.validate(id, rec); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	x.mu.RLock()
	known := x.watchedIDsLocked()
	x.mu.RUnlock()
	for _, id := range known {
		x.mu.RLock()
		w, ok := x.watched[id]
		x.mu.RUnlock()
		if !ok {
			continue
		}
		rec, listed := active[id]
		if !listed {
			if st := w.order.Status(); st == core.OrderPlaced || st == core.OrderEffective {
				if err := x.OrderCompleted(ctx, id); err != nil {
					return err
				}
			}
			continue
		}
		switch rec.Status {
		case core.OrderCompleted:
			if err := x.OrderCompleted(ctx, id); err != nil {
				return err
			}
		case core.OrderEffective:
			if w.order.Status() != core.OrderEffective {
				if err := x.OrderEffective(ctx, id); err != nil {
					return err
				}
			}
		}
	}

	for _, id := range ids {
		x.mu.RLock()
		_, watched := x.watched[id]
		x.mu.RUnlock()
		if watched {
			continue
		}
		if err := x.adopt(id, active[id]); err != nil {
			return err
		}
	}
	return nil
}

func (x *Exchange) validate(id string, rec PortOrder) error {
	var problem string
	switch {
	case rec.Status != core.OrderPlaced && rec.Status != core.OrderEffective && rec.Status != core.OrderCompleted:
		problem = fmt.Sprintf("unknown status %q", rec.Status)
	case rec.Kind != core.Buy && rec.Kind != core.Sell:
		problem = fmt.Sprintf("unknown kind %q", rec.Kind)
	case rec.Base == "" || rec.Quote == "":
		problem = "missing pair"
	case rec.Rate.Sign() <= 0:
		problem = "missing rate"
	case rec.Amount.Sign() <= 0:
		problem = "missing amount"
	}
	if problem == "" {
		p, err := x.Pair(rec.Base, rec.Quote)
		if err != nil || p.IsInverse() {
			problem = fmt.Sprintf("unknown pair %s/%s", rec.Base, rec.Quote)
		}
	}
	if problem != "" {
		return core.Wrap(core.Fatal, "update_orders", fmt.Errorf("%w: order %s: %s", core.ErrMalformedOrder, id, problem))
	}
	return nil
}

// adopt starts watching an order placed outside of this process. Buy
// records carry the native price and base amount, which are converted into
// the engine's quote-to-base rate and quote amount.
func (x *Exchange) adopt(id string, rec PortOrder) error {
	p, err := x.Pair(rec.Base, rec.Quote)
	if err != nil {
		return err
	}
	var o *Order
	if rec.Kind == core.Sell {
		o = newOrder(p, core.Sell, WithRate(rec.Rate), WithAmount(rec.Amount))
	} else {
		o = newOrder(p, core.Buy, WithRate(core.Reciprocal(rec.Rate)), WithAmount(rec.Amount.Mul(rec.Rate)))
	}
	o.mu.Lock()
	o.status = core.OrderPlaced
	o.mu.Unlock()
	x.registry.activate(o)
	x.OrderWatch(id, o)
	x.logger.Info("order_adopted", zap.String("order_id", id), zap.Uint64("id", o.id), zap.Stringer("order", o))
	return nil
}
