package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
)

const (
	NameTriangular = "triangular_arbitrage"
	NameStable     = "stable_currency"
)

// Strategy inspects the exchange on every tick and proposes at most one
// order chain per currency. Process returns nil when there is nothing to do.
type Strategy interface {
	Name() string
	Preprocess(ctx context.Context) error
	Process(currency core.Currency, amount decimal.Decimal) (*exchange.Order, error)
}

// Initializer is implemented by strategies that need the exchange pairs to
// be registered before they can prepare their state.
type Initializer interface {
	Init(ctx context.Context) error
}
