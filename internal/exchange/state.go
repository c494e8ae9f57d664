package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
)

// Execute starts a copy of the order chain with the given amount and
// returns that copy. The receiver stays idle and can be executed again.
func (o *Order) Execute(ctx context.Context, amount decimal.Decimal) (*Order, error) {
	if st := o.Status(); st != core.OrderIdle {
		return nil, core.Wrap(core.Fatal, "execute", fmt.Errorf("%w: order %d is %s, want %s", core.ErrInvalidStatus, o.id, st, core.OrderIdle))
	}
	rate := o.Rate()
	if !rate.Valid {
		return nil, core.Wrap(core.Fatal, "execute", fmt.Errorf("%w: %s", core.ErrIncompleteOrder, o.describe()))
	}
	x := o.pair.Exchange()
	if x == nil {
		return nil, core.Wrap(core.Fatal, "execute", fmt.Errorf("%w: pair %s is not registered", core.ErrIncompleteOrder, o.pair))
	}

	clone := o.CloneChain()
	clone.SetAmount(amount)
	if x.mode == core.Simulation {
		clone.conditions.MinRate = decimal.Max(clone.conditions.MinRate, rate.Decimal)
	}
	if clone.conditions.Timeout > 0 {
		clone.conditions.MaxTimestamp = o.pair.Timestamp().Add(clone.conditions.Timeout)
	}
	x.registry.activate(clone)
	x.logger.Info("order_pending",
		zap.Uint64("id", clone.id),
		zap.Time("t", o.pair.Timestamp()),
		zap.Stringer("order", clone),
	)
	return clone, clone.setStatus(ctx, core.OrderPending, "")
}

// setStatus is the only way an order changes state. The new state is
// processed immediately.
func (o *Order) setStatus(ctx context.Context, status core.OrderStatus, msg string) error {
	o.mu.Lock()
	o.status = status
	o.message = msg
	o.mu.Unlock()
	if x := o.pair.Exchange(); x != nil && x.onStatus != nil {
		x.onStatus(o, status, msg)
	}
	return o.process(ctx)
}

func (o *Order) process(ctx context.Context) error {
	x := o.pair.Exchange()
	if x == nil {
		return fmt.Errorf("%w: pair %s is not registered", core.ErrIncompleteOrder, o.pair)
	}
	status := o.Status()
	fields := []zap.Field{
		zap.Uint64("id", o.id),
		zap.Time("t", o.pair.Timestamp()),
		zap.Stringer("order", o),
	}

	switch status {
	case core.OrderPending:
		ok, reason := o.testConditions(x)
		if reason != "" {
			return o.setStatus(ctx, core.OrderCanceled, reason)
		}
		if !ok {
			o.pair.orderWatch(o)
			return nil
		}
		return o.setStatus(ctx, core.OrderPlaced, "")

	case core.OrderPlaced:
		x.logger.Info("order_placed", fields...)
		updated, err := o.UpdatedRate(UpdateNormal)
		if err != nil {
			return o.setStatus(ctx, core.OrderCanceled, err.Error())
		}
		o.SetRate(decimal.Max(updated, o.Rate().Decimal))
		if _, err := x.Trade(ctx, o); err != nil {
			return o.setStatus(ctx, core.OrderCanceled, err.Error())
		}
		return nil

	case core.OrderEffective:
		x.logger.Info("order_effective", fields...)
		return nil

	case core.OrderCompleted:
		x.registry.deactivate(o)
		x.logger.Info("order_completed", fields...)
		if len(o.chain) == 0 {
			return nil
		}
		proceeds, err := o.estimateOwn(EstimateFee)
		if err != nil {
			return err
		}
		for _, next := range o.chain {
			if _, err := next.Execute(ctx, proceeds); err != nil {
				return err
			}
		}
		return nil

	case core.OrderCanceled:
		x.registry.deactivate(o)
		x.logger.Warn("order_canceled", append(fields, zap.String("reason", o.Message()))...)
		return nil

	default:
		return core.Wrap(core.Fatal, "process", fmt.Errorf("%w: order %d cannot be processed while %s", core.ErrInvalidStatus, o.id, status))
	}
}

// testConditions reports whether a pending order can be placed. A non-empty
// reason means the order must be canceled; ok=false without a reason means
// it waits for the next quote.
func (o *Order) testConditions(x *Exchange) (ok bool, reason string) {
	ts := o.pair.Timestamp()
	c := o.conditions
	if !c.MinTimestamp.IsZero() && ts.Before(c.MinTimestamp) {
		return false, ""
	}
	if !c.MaxTimestamp.IsZero() && ts.After(c.MaxTimestamp) {
		return false, "order exceeded its timeout"
	}
	rate, err := o.UpdatedRate(UpdateNormal)
	if err != nil {
		return false, ""
	}
	if !c.MinRate.IsZero() && rate.LessThan(c.MinRate) {
		return false, ""
	}
	if !c.MaxRate.IsZero() && rate.GreaterThan(c.MaxRate) {
		return false, ""
	}
	cur := o.AmountCurrency()
	amount := o.Amount().Decimal
	if balance := x.Balance(cur); balance.LessThan(amount) {
		return false, fmt.Sprintf("not enough balance (%s %s needed, %s %s left)", amount, cur, balance, cur)
	}
	return true, ""
}
