// Package ratechain finds conversion chains between currencies of an
// exchange and uses them to value balances and size trades.
package ratechain

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
)

// Rates maps a currency to the sell chain converting it into a target
// currency. A nil chain means the currency is the target or is unreachable.
type Rates map[core.Currency]*exchange.Order

// Amounts is a trade size expressed in a given currency.
type Amounts struct {
	Amount     decimal.Decimal
	MinBalance decimal.Decimal
}

// IdentifyRates searches, for every currency of x, a path of sell orders
// ending in target. The search is depth first in pair registration order and
// keeps the first path found. maxHops <= 0 leaves the depth unbounded.
func IdentifyRates(x *exchange.Exchange, target core.Currency, maxHops int) Rates {
	rates := make(Rates)
	for _, c := range x.Currencies() {
		rates[c] = identify(x, c, target, map[core.Currency]bool{}, maxHops)
	}
	return rates
}

func identify(x *exchange.Exchange, from, target core.Currency, visited map[core.Currency]bool, hops int) *exchange.Order {
	if from == target {
		return nil
	}
	if p, err := x.Pair(from, target); err == nil {
		return p.OrderSell()
	}
	if hops == 1 {
		return nil
	}
	visited[from] = true
	defer delete(visited, from)
	for _, next := range x.Counterparts(from) {
		if visited[next] {
			continue
		}
		rest := identify(x, next, target, visited, hops-1)
		if rest == nil {
			continue
		}
		p, err := x.Pair(from, next)
		if err != nil {
			continue
		}
		head := p.OrderSell()
		head.AddChainOrder(rest)
		return head
	}
	return nil
}

// EstimateValue converts balance into the target currency of rates using
// the current market. Currencies without a chain count at face value.
func EstimateValue(balance map[core.Currency]decimal.Decimal, rates Rates) (decimal.Decimal, error) {
	total := decimal.Zero
	for c, amount := range balance {
		if amount.Sign() <= 0 {
			continue
		}
		chain, ok := rates[c]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w for %s", core.ErrMissingConversion, c)
		}
		if chain == nil {
			total = total.Add(amount)
			continue
		}
		if err := chain.UpdateChain(exchange.UpdateNormal); err != nil {
			return decimal.Zero, err
		}
		v, err := chain.EstimateChain(amount, exchange.EstimateFee)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}

// ConvertTradeAmounts expresses a trade size given in the target currency
// in every currency of currencies, using average rates and no fees.
func ConvertTradeAmounts(rates Rates, target core.Currency, currencies []core.Currency, size Amounts) (map[core.Currency]Amounts, error) {
	out := make(map[core.Currency]Amounts, len(currencies))
	for _, c := range currencies {
		if c == target {
			out[c] = size
			continue
		}
		chain := rates[c]
		if chain == nil {
			return nil, core.Wrap(core.Fatal, "convert_trade_amounts", fmt.Errorf("%w for %s", core.ErrMissingConversion, c))
		}
		if err := chain.UpdateChain(exchange.UpdateAverage); err != nil {
			return nil, core.Wrap(core.Fatal, "convert_trade_amounts", fmt.Errorf("%s: %w", c, err))
		}
		mode := exchange.EstimateInverse | exchange.EstimateNoFee
		amount, err := chain.EstimateChain(size.Amount, mode)
		if err != nil {
			return nil, err
		}
		minBalance, err := chain.EstimateChain(size.MinBalance, mode)
		if err != nil {
			return nil, err
		}
		out[c] = Amounts{Amount: amount, MinBalance: minBalance}
	}
	return out, nil
}
