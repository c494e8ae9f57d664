package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	Simulation Mode = "simulation"
	Live       Mode = "live"
)

type OrderKind string

const (
	Buy  OrderKind = "buy"
	Sell OrderKind = "sell"
)

// Inverse returns the opposite side.
func (k OrderKind) Inverse() OrderKind {
	if k == Buy {
		return Sell
	}
	return Buy
}

type OrderStatus string

const (
	OrderIdle      OrderStatus = "idle"
	OrderPending   OrderStatus = "pending"
	OrderPlaced    OrderStatus = "placed"
	OrderEffective OrderStatus = "effective"
	OrderCompleted OrderStatus = "completed"
	OrderCanceled  OrderStatus = "canceled"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCanceled
}

// Operation names the transactions a pair can carry.
type Operation string

const (
	OpSell     Operation = "sell"
	OpBuy      Operation = "buy"
	OpTransfer Operation = "transfer"
	OpWithdraw Operation = "withdraw"
	OpDeposit  Operation = "deposit"
)

// Quote is the last known market snapshot of a pair. Unset values are invalid
// NullDecimals; a zero Timestamp means no quote has been received yet.
type Quote struct {
	Bid            decimal.NullDecimal
	Ask            decimal.NullDecimal
	Avg            decimal.NullDecimal
	High           decimal.NullDecimal
	Low            decimal.NullDecimal
	Last           decimal.NullDecimal
	Volume         decimal.NullDecimal
	VolumeCurrency decimal.NullDecimal
	Timestamp      time.Time
}

func Known(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}
