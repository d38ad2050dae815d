package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Balance represents a user's holding in one currency. Amounts are int64
// minor units; a missing document means a balance of zero. Rows are created
// on first credit and never deleted, so a zero balance keeps its history.
type Balance struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID     int64              `bson:"user_id" json:"user_id"`
	CurrencyID string             `bson:"currency_id" json:"currency_id"`
	Amount     int64              `bson:"amount" json:"amount"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// LedgerReason classifies why a balance changed.
type LedgerReason string

const (
	ReasonAdminAdjust      LedgerReason = "admin_adjust"
	ReasonTrade            LedgerReason = "trade"
	ReasonPurchase         LedgerReason = "purchase"
	ReasonConsumableEffect LedgerReason = "consumable_effect"
	ReasonReversal         LedgerReason = "reversal"
)

// Valid reports whether the reason is a known ledger reason.
func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonAdminAdjust, ReasonTrade, ReasonPurchase, ReasonConsumableEffect, ReasonReversal:
		return true
	}
	return false
}

// LedgerEntry is an immutable audit record of one balance mutation. Entries
// are append-only; the sum of deltas for a (user, currency) pair always
// equals the live balance.
type LedgerEntry struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	EntryID          string             `bson:"entry_id" json:"entry_id"`
	UserID           int64              `bson:"user_id" json:"user_id"`
	CurrencyID       string             `bson:"currency_id" json:"currency_id"`
	Delta            int64              `bson:"delta" json:"delta"`
	ResultingBalance int64              `bson:"resulting_balance" json:"resulting_balance"`
	Reason           LedgerReason       `bson:"reason" json:"reason"`
	ReferenceID      string             `bson:"reference_id,omitempty" json:"reference_id,omitempty"`
	CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
}

// NewLedgerEntry builds the audit record for a single applied mutation.
func NewLedgerEntry(userID int64, currencyID string, delta, resulting int64, reason LedgerReason, referenceID string) *LedgerEntry {
	now := time.Now().UTC()
	return &LedgerEntry{
		EntryID:          fmt.Sprintf("LED-%d-%s", now.UnixNano(), currencyID),
		UserID:           userID,
		CurrencyID:       currencyID,
		Delta:            delta,
		ResultingBalance: resulting,
		Reason:           reason,
		ReferenceID:      referenceID,
		CreatedAt:        now,
	}
}

// TransferLeg is one debit/credit pair inside a TransferBatch call.
type TransferLeg struct {
	FromUserID int64  `json:"from_user_id"`
	ToUserID   int64  `json:"to_user_id"`
	CurrencyID string `json:"currency_id"`
	Amount     int64  `json:"amount"`
}

// Describe renders the leg for settlement error reporting.
func (l TransferLeg) Describe() string {
	return fmt.Sprintf("currency %s: %d from user %d to user %d", l.CurrencyID, l.Amount, l.FromUserID, l.ToUserID)
}

// FormatMinorUnits renders an amount of minor units as a display string with
// the given number of decimal places, e.g. 12345 with 2 decimals -> "123.45".
func FormatMinorUnits(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).StringFixed(decimals)
}

// ParseMajorUnits converts a display-unit decimal string into minor units.
// Fails when the value carries more precision than the currency supports.
func ParseMajorUnits(value string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, value)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s exceeds %d decimal places", ErrInvalidAmount, value, decimals)
	}
	return shifted.IntPart(), nil
}
