package models

import (
	"errors"
	"fmt"
)

// Domain error taxonomy. Every failure surfaced by the ledger, inventory and
// trading services maps to exactly one of these; callers match with errors.Is.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrOwnershipMismatch    = errors.New("ownership mismatch")
	ErrNotFound             = errors.New("not found")
	ErrInvalidOffer         = errors.New("invalid offer")
	ErrInvalidState         = errors.New("invalid state")
	ErrExpired              = errors.New("expired")
	ErrTransientFailure     = errors.New("transient failure")
	ErrLockContention       = errors.New("lock contention")
)

// SettlementError reports a trade that failed at settlement time. It carries
// the leg that was rejected so callers can tell the user exactly what went
// wrong and that no assets moved.
type SettlementError struct {
	TradeID string
	Leg     string
	Cause   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("trade %s failed on settlement at leg %q: %v", e.TradeID, e.Leg, e.Cause)
}

func (e *SettlementError) Unwrap() error {
	return e.Cause
}

// NewSettlementError wraps the failing leg of a trade settlement.
func NewSettlementError(tradeID, leg string, cause error) *SettlementError {
	return &SettlementError{TradeID: tradeID, Leg: leg, Cause: cause}
}

// IsSettlementError reports whether err is a settlement failure and returns it.
func IsSettlementError(err error) (*SettlementError, bool) {
	var se *SettlementError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
