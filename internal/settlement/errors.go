package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrMarketClosed         = errors.New("market is closed")
	ErrInvalidInput         = errors.New("invalid order")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrInvariantViolation means open lots ran out before a sell was fully
	// matched although the holding check passed. The settlement is rolled back.
	ErrInvariantViolation = errors.New("settlement invariant violated")
)

// BalanceError carries the figures behind an ErrInsufficientBalance rejection.
type BalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s, shortfall %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall.StringFixed(2))
}

func (e *BalanceError) Unwrap() error { return ErrInsufficientBalance }

// HoldingsError carries the figures behind an ErrInsufficientHoldings rejection.
type HoldingsError struct {
	Symbol    string
	Required  int64
	Available int64
}

func (e *HoldingsError) Error() string {
	return fmt.Sprintf("insufficient holdings of %s: required %d, available %d",
		e.Symbol, e.Required, e.Available)
}

func (e *HoldingsError) Unwrap() error { return ErrInsufficientHoldings }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
