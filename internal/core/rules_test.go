package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFloorTruncates(t *testing.T) {
	got := Floor(decimal.RequireFromString("1.23456789"), 2)
	if !got.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("Floor() = %s, want 1.23", got)
	}
	got = Floor(decimal.RequireFromString("0.999"), 2)
	if !got.Equal(decimal.RequireFromString("0.99")) {
		t.Fatalf("Floor() = %s, want 0.99", got)
	}
}

func TestFloorNegativeTowardZero(t *testing.T) {
	got := Floor(decimal.RequireFromString("-1.239"), 2)
	if !got.Equal(decimal.RequireFromString("-1.23")) {
		t.Fatalf("Floor() = %s, want -1.23", got)
	}
	got = Floor(decimal.RequireFromString("-0.0"), 0)
	if !got.Equal(decimal.Zero) || got.Sign() != 0 {
		t.Fatalf("Floor(-0) = %s, want 0", got)
	}
}

func TestReciprocal(t *testing.T) {
	if got := Reciprocal(decimal.NewFromInt(4)); !got.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("Reciprocal(4) = %s, want 0.25", got)
	}
	if got := Reciprocal(decimal.Zero); !got.IsZero() {
		t.Fatalf("Reciprocal(0) = %s, want 0", got)
	}
}

func TestCurrencySets(t *testing.T) {
	if !BTC.IsVolatile() || BTC.IsStable() {
		t.Fatalf("BTC volatile=%v stable=%v, want volatile only", BTC.IsVolatile(), BTC.IsStable())
	}
	if !Currency("usd").IsStable() {
		t.Fatalf("usd IsStable() = false, want true")
	}
	if NMC.IsVolatile() || NMC.IsStable() {
		t.Fatalf("NMC should be in neither set")
	}
	c, err := ParseCurrency(" ltc ")
	if err != nil || c != LTC {
		t.Fatalf("ParseCurrency() = %q, %v, want LTC", c, err)
	}
	if _, err := ParseCurrency("doge"); err == nil {
		t.Fatalf("ParseCurrency(doge) error = nil, want error")
	}
}
