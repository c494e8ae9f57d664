package btce

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
)

type supportedPair struct {
	key   string
	base  core.Currency
	quote core.Currency
}

var supportedPairs = []supportedPair{
	{"btc_usd", core.BTC, core.USD},
	{"btc_rur", core.BTC, core.RUR},
	{"btc_eur", core.BTC, core.EUR},
	{"btc_cnh", core.BTC, core.CNH},
	{"btc_gbp", core.BTC, core.GBP},
	{"ltc_btc", core.LTC, core.BTC},
	{"ltc_usd", core.LTC, core.USD},
	{"ltc_rur", core.LTC, core.RUR},
	{"ltc_eur", core.LTC, core.EUR},
	{"ltc_cnh", core.LTC, core.CNH},
	{"ltc_gbp", core.LTC, core.GBP},
	{"nmc_btc", core.NMC, core.BTC},
	{"nmc_usd", core.NMC, core.USD},
	{"nvc_btc", core.NVC, core.BTC},
	{"nvc_usd", core.NVC, core.USD},
	{"usd_rur", core.USD, core.RUR},
	{"eur_usd", core.EUR, core.USD},
	{"eur_rur", core.EUR, core.RUR},
	{"usd_cnh", core.USD, core.CNH},
	{"gbp_usd", core.GBP, core.USD},
	{"ppc_btc", core.PPC, core.BTC},
	{"ppc_usd", core.PPC, core.USD},
}

const (
	effectiveDelay = time.Second
	completedDelay = 2 * time.Second
	withdrawDelay  = 2 * 24 * time.Hour
)

func lookupKey(key string) (supportedPair, bool) {
	for _, p := range supportedPairs {
		if p.key == key {
			return p, true
		}
	}
	return supportedPair{}, false
}

// SupportedKeys lists the pair keys the port trades, in registration order.
func SupportedKeys() []string {
	keys := make([]string, 0, len(supportedPairs))
	for _, p := range supportedPairs {
		keys = append(keys, p.key)
	}
	return keys
}

// Initialize registers every supported pair with the fee and limits the
// exchange publishes. In live mode it also aligns the nonce and loads the
// balance.
func (c *Client) Initialize(ctx context.Context, x *exchange.Exchange) error {
	info, err := c.info(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, sp := range supportedPairs {
		pi, ok := info.Pairs[sp.key]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: btce does not list %s", core.ErrUnknownPair, sp.key)
		}
		c.pairs[sp.key] = pi
	}
	c.mu.Unlock()

	for _, sp := range supportedPairs {
		pi := info.Pairs[sp.key]
		if err := x.PairAdd(exchange.NewPair(sp.base, sp.quote,
			exchange.WithKey(sp.key),
			exchange.WithTransaction(core.OpSell, sellTransaction(pi)),
			exchange.WithTransaction(core.OpBuy, buyTransaction(pi)),
			exchange.WithTransaction(core.OpWithdraw, core.NewTransaction(nil, core.Limits{}, core.Timing{Completed: withdrawDelay})),
		)); err != nil {
			return err
		}
	}

	if x.Mode() != core.Live {
		return nil
	}
	if _, err := c.accountInfo(ctx, false); err != nil {
		if _, desync := expectedNonce(err); !desync {
			return err
		}
	}
	balance, err := c.UpdateBalance(ctx)
	if err != nil {
		return err
	}
	x.SetBalance(balance)
	return nil
}

func fees(pi pairInfo) []core.FeeTier {
	return []core.FeeTier{{Percentage: pi.Fee}}
}

func sellTransaction(pi pairInfo) *core.Transaction {
	return core.NewTransaction(fees(pi), core.Limits{
		MinRate:    pi.MinPrice,
		MaxRate:    pi.MaxPrice,
		MinAmount:  pi.MinAmount,
		MaxDecimal: pi.DecimalPlaces,
	}, core.Timing{Effective: effectiveDelay, Completed: completedDelay})
}

// buyTransaction works in reciprocal rates, so the price precision of the
// pair only applies to the rate sent on the wire.
func buyTransaction(pi pairInfo) *core.Transaction {
	return core.NewTransaction(fees(pi), core.Limits{
		MinRate:  core.Reciprocal(pi.MaxPrice),
		MaxRate:  core.Reciprocal(pi.MinPrice),
		MinValue: pi.MinAmount,
	}, core.Timing{Effective: effectiveDelay, Completed: completedDelay})
}

func (c *Client) UpdatePairs(ctx context.Context, x *exchange.Exchange) (bool, error) {
	tickers, err := c.ticker(ctx, SupportedKeys())
	if err != nil {
		return false, err
	}
	var last time.Time
	for _, sp := range supportedPairs {
		tk, ok := tickers[sp.key]
		if !ok {
			return false, fmt.Errorf("%w: btce ticker has no %s", core.ErrQuoteUnavailable, sp.key)
		}
		last = time.Unix(tk.Updated, 0).UTC()
		if err := x.PairUpdate(ctx, sp.base, sp.quote, core.Quote{
			Bid:            core.Known(tk.Sell),
			Ask:            core.Known(tk.Buy),
			Avg:            core.Known(tk.Avg),
			High:           core.Known(tk.High),
			Low:            core.Known(tk.Low),
			Last:           core.Known(tk.Last),
			Volume:         core.Known(tk.Vol),
			VolumeCurrency: core.Known(tk.VolCur),
			Timestamp:      last,
		}); err != nil {
			return false, err
		}
	}
	x.SetTimestamp(last)
	return true, nil
}

func (c *Client) UpdateBalance(ctx context.Context) (map[core.Currency]decimal.Decimal, error) {
	info, err := c.accountInfo(ctx, c.nonceRetry)
	if err != nil {
		return nil, err
	}
	return fundsBalance(info.Funds), nil
}

func fundsBalance(funds map[string]decimal.Decimal) map[core.Currency]decimal.Decimal {
	out := make(map[core.Currency]decimal.Decimal, len(funds))
	for key, v := range funds {
		cur, err := core.ParseCurrency(key)
		if err != nil {
			continue
		}
		out[cur] = v
	}
	return out
}

// UpdateOrders maps the active orders of the account. Status 0 is an open
// order and 1 a filled one; anything else is passed through and rejected
// by the exchange as malformed.
func (c *Client) UpdateOrders(ctx context.Context) (map[string]exchange.PortOrder, error) {
	active, err := c.activeOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]exchange.PortOrder, len(active))
	for id, ao := range active {
		rec := exchange.PortOrder{
			Kind:   core.OrderKind(strings.ToLower(ao.Type)),
			Amount: ao.Amount,
			Rate:   ao.Rate,
		}
		switch ao.Status {
		case 0:
			rec.Status = core.OrderPlaced
		case 1:
			rec.Status = core.OrderCompleted
		default:
			rec.Status = core.OrderStatus("status_" + strconv.Itoa(ao.Status))
		}
		if sp, ok := lookupKey(ao.Pair); ok {
			rec.Base, rec.Quote = sp.base, sp.quote
		}
		out[id] = rec
	}
	return out, nil
}

// Trade submits o. Sells go out as they are; buys are expressed in the
// pair's price and base amount. The funds returned by the exchange are not
// applied: the exchange already reserved the amount of o.
func (c *Client) Trade(ctx context.Context, o *exchange.Order) (string, error) {
	pair := o.Pair()
	if _, ok := lookupKey(pair.Key()); !ok {
		return "", fmt.Errorf("%w: btce does not trade %s", core.ErrUnknownPair, pair)
	}
	c.mu.Lock()
	pi := c.pairs[pair.Key()]
	c.mu.Unlock()

	var rate, amount decimal.Decimal
	switch o.Kind() {
	case core.Sell:
		rate = o.Rate().Decimal
		amount = o.Amount().Decimal
	case core.Buy:
		rate = core.Floor(core.Reciprocal(o.Rate().Decimal), pi.DecimalPlaces)
		var err error
		amount, err = o.Estimate(o.Amount().Decimal, exchange.EstimateNoFee)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: unsupported order kind %q", core.ErrOrderRejected, o.Kind())
	}

	c.logger.Info("trade_submit",
		zap.String("pair", pair.Key()),
		zap.String("type", string(o.Kind())),
		zap.String("rate", rate.String()),
		zap.String("amount", amount.String()),
	)
	params := url.Values{}
	params.Set("pair", pair.Key())
	params.Set("type", string(o.Kind()))
	params.Set("rate", rate.String())
	params.Set("amount", amount.String())
	resp, err := c.trade(ctx, params)
	if err != nil {
		return "", err
	}
	if resp.OrderID == 0 {
		// Filled on submission; it never shows up as active.
		return "filled-" + strconv.FormatUint(o.ID(), 10), nil
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}
