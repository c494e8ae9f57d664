package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
)

// Port is the exchange-specific collaborator: network calls, signing and
// the mapping between native payloads and the engine's model.
type Port interface {
	Name() string
	// Initialize registers every tradeable pair on x. It runs before any
	// other call.
	Initialize(ctx context.Context, x *Exchange) error
	// UpdatePairs refreshes quotes through x.PairUpdate. It returns false
	// when no more data is available.
	UpdatePairs(ctx context.Context, x *Exchange) (bool, error)
	UpdateBalance(ctx context.Context) (map[core.Currency]decimal.Decimal, error)
	UpdateOrders(ctx context.Context) (map[string]PortOrder, error)
	Trade(ctx context.Context, o *Order) (string, error)
}

// PortOrder is an exchange-side view of an active order. Status is one of
// placed, effective or completed.
type PortOrder struct {
	Status core.OrderStatus
	Kind   core.OrderKind
	Base   core.Currency
	Quote  core.Currency
	Amount decimal.Decimal
	Rate   decimal.Decimal
}

// Snapshot is the quote of one direct pair at one refresh.
type Snapshot struct {
	Base  core.Currency
	Quote core.Currency
	Data  core.Quote
}

// Recorder persists every refresh.
type Recorder interface {
	Record(snapshots []Snapshot) error
}

// Source replays recorded refreshes. Next returns io.EOF once exhausted.
type Source interface {
	Next() ([]Snapshot, error)
}
