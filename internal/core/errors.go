package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Class groups failures by how the caller is expected to react.
type Class int

const (
	// Fatal errors come from setup or configuration and abort startup.
	Fatal Class = iota + 1
	// Recoverable failures leave the order pending until the next quote.
	Recoverable
	// Execution failures are terminal for a single order.
	Execution
	// Transient failures are network or nonce problems worth one retry.
	Transient
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Recoverable:
		return "recoverable"
	case Execution:
		return "execution"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

var (
	ErrNoFeeTier           = errors.New("no fee tier found")
	ErrOutsideLimits       = errors.New("outside transaction limits")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrIncompletePair      = errors.New("incomplete pair")
	ErrIncompleteOrder     = errors.New("incomplete order")
	ErrDuplicatePair       = errors.New("duplicate pair")
	ErrUnknownPair         = errors.New("unknown pair")
	ErrMissingConversion   = errors.New("missing conversion")
	ErrInvalidStatus       = errors.New("invalid order status")
	ErrMalformedOrder      = errors.New("malformed order record")
	ErrNonceDesync         = errors.New("nonce desync")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderNotFound       = errors.New("order not found")
)

// Error attaches a class and the failing operation to an underlying error.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf reports the class of err. Unclassified errors fall back on the
// sentinel they wrap and default to Transient.
func ClassOf(err error) Class {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrDuplicatePair),
		errors.Is(err, ErrIncompletePair),
		errors.Is(err, ErrIncompleteOrder),
		errors.Is(err, ErrUnknownPair),
		errors.Is(err, ErrMissingConversion),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrMalformedOrder),
		errors.Is(err, ErrNoFeeTier):
		return Fatal
	case errors.Is(err, ErrQuoteUnavailable):
		return Recoverable
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrOutsideLimits),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrOrderNotFound):
		return Execution
	default:
		return Transient
	}
}

type Bound string

const (
	BoundRate   Bound = "rate"
	BoundAmount Bound = "amount"
	BoundValue  Bound = "value"
)

// LimitError names the transaction bound a trade violates.
type LimitError struct {
	Bound Bound
	Below bool
	Value decimal.Decimal
	Limit decimal.Decimal
}

func (e *LimitError) Error() string {
	if e.Below {
		return fmt.Sprintf("%s %s below minimum %s", e.Bound, e.Value, e.Limit)
	}
	return fmt.Sprintf("%s %s above maximum %s", e.Bound, e.Value, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrOutsideLimits
}
