package core

import (
	"fmt"
	"strings"
)

type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
	EUR Currency = "EUR"
	RUR Currency = "RUR"
	CNH Currency = "CNH"
	GBP Currency = "GBP"
	LTC Currency = "LTC"
	NMC Currency = "NMC"
	NVC Currency = "NVC"
	TRC Currency = "TRC"
	PPC Currency = "PPC"
	FTC Currency = "FTC"
	XPM Currency = "XPM"
)

var knownCurrencies = []Currency{BTC, USD, EUR, RUR, CNH, GBP, LTC, NMC, NVC, TRC, PPC, FTC, XPM}

// Volatile currencies are the ones the stable-currency strategy tries to exit.
var volatileCurrencies = map[Currency]struct{}{
	BTC: {},
	LTC: {},
}

var stableCurrencies = map[Currency]struct{}{
	USD: {},
	EUR: {},
	GBP: {},
	RUR: {},
	CNH: {},
}

func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range knownCurrencies {
		if known == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown currency %q", raw)
}

func KnownCurrencies() []Currency {
	out := make([]Currency, len(knownCurrencies))
	copy(out, knownCurrencies)
	return out
}

func (c Currency) IsVolatile() bool {
	_, ok := volatileCurrencies[c.normalized()]
	return ok
}

func (c Currency) IsStable() bool {
	_, ok := stableCurrencies[c.normalized()]
	return ok
}

// Lower returns the exchange-native spelling, e.g. "btc".
func (c Currency) Lower() string {
	return strings.ToLower(string(c))
}

func (c Currency) String() string {
	return string(c)
}

func (c Currency) normalized() Currency {
	return Currency(strings.ToUpper(string(c)))
}
