package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrAccountAlreadyExists    = errors.New("account_already_exists")
	ErrAccountNotFound         = errors.New("account_not_found")
	ErrInstrumentAlreadyExists = errors.New("instrument_already_exists")
	ErrInstrumentNotFound      = errors.New("instrument_not_found")
	ErrOrderNotFound           = errors.New("order_not_found")
	ErrForbidden               = errors.New("forbidden")
	ErrAlreadyTerminal         = errors.New("order_already_terminal")
	ErrInsufficientFunds       = errors.New("insufficient_funds")
	ErrInsufficientShares      = errors.New("insufficient_shares")
	ErrSelfTrade               = errors.New("self_trade_rejected")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvariantViolationError signals that a settlement step would corrupt the
// ledger (negative balance, book inconsistency). It is never expected during
// correct operation: the triggering trade is fully rolled back and the error
// is surfaced rather than silently recovered.
type InvariantViolationError struct {
	Op     string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}
