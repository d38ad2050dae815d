package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ItemStack represents a user's holding of a stackable item. Quantity is
// never negative; a missing document means zero.
type ItemStack struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    int64              `bson:"user_id" json:"user_id"`
	ItemID    string             `bson:"item_id" json:"item_id"`
	Quantity  int64              `bson:"quantity" json:"quantity"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// NFTInstance is a uniquely identified, individually owned item record with
// mutable stat state. An instance has exactly one owner at all times.
type NFTInstance struct {
	ID             primitive.ObjectID     `bson:"_id,omitempty" json:"id,omitempty"`
	InstanceID     string                 `bson:"instance_id" json:"instance_id"`
	TokenID        string                 `bson:"token_id" json:"token_id"`
	TemplateItemID string                 `bson:"template_item_id" json:"template_item_id"`
	OwnerUserID    int64                  `bson:"owner_user_id" json:"owner_user_id"`
	Rarity         string                 `bson:"rarity" json:"rarity"`
	UpgradeLevel   int                    `bson:"upgrade_level" json:"upgrade_level"`
	Stats          map[string]interface{} `bson:"stats" json:"stats"`
	CreatedAt      time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `bson:"updated_at" json:"updated_at"`
}

// NewNFTInstance mints a fresh instance from a template for an owner.
func NewNFTInstance(templateItemID string, ownerUserID int64, rarity string) *NFTInstance {
	now := time.Now().UTC()
	return &NFTInstance{
		InstanceID:     fmt.Sprintf("NFT-%s", uuid.New().String()),
		TokenID:        uuid.New().String(),
		TemplateItemID: templateItemID,
		OwnerUserID:    ownerUserID,
		Rarity:         rarity,
		UpgradeLevel:   0,
		Stats:          make(map[string]interface{}),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NFTMutation edits the mutable state of an owned instance. It must return
// the updated upgrade level and stat blob; the repository persists both under
// the per-instance lock.
type NFTMutation func(instance *NFTInstance) error

// AssetMoveKind distinguishes the two inventory move shapes.
type AssetMoveKind string

const (
	MoveStack AssetMoveKind = "stack"
	MoveNFT   AssetMoveKind = "nft"
)

// AssetMove is one leg inside a MoveBatch call: either a stackable quantity
// or a unique instance changing hands.
type AssetMove struct {
	Kind          AssetMoveKind `json:"kind"`
	FromUserID    int64         `json:"from_user_id"`
	ToUserID      int64         `json:"to_user_id"`
	ItemID        string        `json:"item_id,omitempty"`
	Quantity      int64         `json:"quantity,omitempty"`
	NFTInstanceID string        `json:"nft_instance_id,omitempty"`
}

// Describe renders the move for settlement error reporting.
func (m AssetMove) Describe() string {
	if m.Kind == MoveNFT {
		return fmt.Sprintf("nft %s: from user %d to user %d", m.NFTInstanceID, m.FromUserID, m.ToUserID)
	}
	return fmt.Sprintf("item %s: %d from user %d to user %d", m.ItemID, m.Quantity, m.FromUserID, m.ToUserID)
}
