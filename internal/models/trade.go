package models

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusAccepted  TradeStatus = "accepted"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusExpired   TradeStatus = "expired"
	TradeStatusFailed    TradeStatus = "failed"
)

// TradeAsset is one asset position on either side of a trade: a currency
// amount, a stackable quantity, or a unique NFT instance.
type TradeAsset struct {
	CurrencyID    string `bson:"currency_id,omitempty" json:"currency_id,omitempty"`
	Amount        int64  `bson:"amount,omitempty" json:"amount,omitempty"`
	ItemID        string `bson:"item_id,omitempty" json:"item_id,omitempty"`
	Quantity      int64  `bson:"quantity,omitempty" json:"quantity,omitempty"`
	NFTInstanceID string `bson:"nft_instance_id,omitempty" json:"nft_instance_id,omitempty"`
}

// IsCurrency reports whether the asset is a currency position.
func (a TradeAsset) IsCurrency() bool { return a.CurrencyID != "" }

// IsNFT reports whether the asset is a unique instance.
func (a TradeAsset) IsNFT() bool { return a.NFTInstanceID != "" }

// Trade is a two-party asset exchange owned by the escrow engine. Created by
// the proposer, mutated only through engine transitions, never deleted;
// terminal statuses preserve the record for dispute audit.
type Trade struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TradeID         string             `bson:"trade_id" json:"trade_id"`
	ProposerID      int64              `bson:"proposer_id" json:"proposer_id"`
	CounterpartyID  int64              `bson:"counterparty_id" json:"counterparty_id"`
	OfferedAssets   []TradeAsset       `bson:"offered_assets" json:"offered_assets"`
	RequestedAssets []TradeAsset       `bson:"requested_assets" json:"requested_assets"`
	Status          TradeStatus        `bson:"status" json:"status"`
	FailureReason   string             `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	ExpiresAt       time.Time          `bson:"expires_at" json:"expires_at"`
	ResolvedAt      *time.Time         `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// NewTrade creates a pending trade with the given time-to-live.
func NewTrade(proposerID, counterpartyID int64, offered, requested []TradeAsset, ttl time.Duration) *Trade {
	now := time.Now().UTC()
	return &Trade{
		TradeID:         "TRD-" + uuid.New().String(),
		ProposerID:      proposerID,
		CounterpartyID:  counterpartyID,
		OfferedAssets:   offered,
		RequestedAssets: requested,
		Status:          TradeStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

// IsPending reports whether the trade can still be accepted or cancelled.
func (t *Trade) IsPending() bool { return t.Status == TradeStatusPending }

// IsExpiredAt reports whether the trade's TTL has elapsed at the given time.
func (t *Trade) IsExpiredAt(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// IsFinal reports whether the trade reached a terminal status.
func (t *Trade) IsFinal() bool {
	switch t.Status {
	case TradeStatusCompleted, TradeStatusCancelled, TradeStatusExpired, TradeStatusFailed:
		return true
	}
	return false
}

// Participant reports whether userID is the proposer or the counterparty.
func (t *Trade) Participant(userID int64) bool {
	return userID == t.ProposerID || userID == t.CounterpartyID
}
