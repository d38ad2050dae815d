package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"economy-api/internal/models"
)

// InventoryRepository is the durable table of stackable item holdings.
// Quantity mutations are single filtered updates; a removal that exceeds the
// current holding matches no document and is rejected whole.
type InventoryRepository interface {
	GetStack(ctx context.Context, userID int64, itemID string) (*models.ItemStack, error)
	GetQuantity(ctx context.Context, userID int64, itemID string) (int64, error)
	ApplyStackAdd(ctx context.Context, userID int64, itemID string, qty int64) (int64, error)
	ApplyStackRemove(ctx context.Context, userID int64, itemID string, qty int64) (int64, error)
	ListStacksByUser(ctx context.Context, userID int64) ([]*models.ItemStack, error)
	CreateIndexes(ctx context.Context) error
}

// NFTRepository is the durable table of unique item instances.
type NFTRepository interface {
	Mint(ctx context.Context, instance *models.NFTInstance) error
	GetByInstanceID(ctx context.Context, instanceID string) (*models.NFTInstance, error)
	TransferOwner(ctx context.Context, instanceID string, fromUserID, toUserID int64) error
	UpdateMutableState(ctx context.Context, instanceID string, ownerID int64, upgradeLevel int, stats map[string]interface{}) error
	ListByOwner(ctx context.Context, ownerID int64) ([]*models.NFTInstance, error)
	CreateIndexes(ctx context.Context) error
}

type inventoryRepository struct {
	collection *mongo.Collection
}

func NewInventoryRepository(db *mongo.Database) InventoryRepository {
	return &inventoryRepository{collection: db.Collection("item_stacks")}
}

func (r *inventoryRepository) GetStack(ctx context.Context, userID int64, itemID string) (*models.ItemStack, error) {
	var stack models.ItemStack
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID, "item_id": itemID}).Decode(&stack)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item stack: %w", err)
	}
	return &stack, nil
}

func (r *inventoryRepository) GetQuantity(ctx context.Context, userID int64, itemID string) (int64, error) {
	stack, err := r.GetStack(ctx, userID, itemID)
	if err != nil {
		return 0, err
	}
	if stack == nil {
		return 0, nil
	}
	return stack.Quantity, nil
}

func (r *inventoryRepository) ApplyStackAdd(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	now := time.Now().UTC()
	filter := bson.M{"user_id": userID, "item_id": itemID}
	update := bson.M{
		"$inc":         bson.M{"quantity": qty},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var updated models.ItemStack
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated); err != nil {
		return 0, fmt.Errorf("failed to add to stack: %w", err)
	}
	return updated.Quantity, nil
}

// ApplyStackRemove decrements the holding only when the quantity is
// sufficient at application time; the check is part of the update filter.
func (r *inventoryRepository) ApplyStackRemove(ctx context.Context, userID int64, itemID string, qty int64) (int64, error) {
	filter := bson.M{
		"user_id":  userID,
		"item_id":  itemID,
		"quantity": bson.M{"$gte": qty},
	}
	update := bson.M{
		"$inc": bson.M{"quantity": -qty},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.ItemStack
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, models.ErrInsufficientQuantity
		}
		return 0, fmt.Errorf("failed to remove from stack: %w", err)
	}
	return updated.Quantity, nil
}

func (r *inventoryRepository) ListStacksByUser(ctx context.Context, userID int64) ([]*models.ItemStack, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.M{"item_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list item stacks: %w", err)
	}
	defer cursor.Close(ctx)

	var stacks []*models.ItemStack
	for cursor.Next(ctx) {
		var stack models.ItemStack
		if err := cursor.Decode(&stack); err != nil {
			continue
		}
		stacks = append(stacks, &stack)
	}
	return stacks, cursor.Err()
}

func (r *inventoryRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "item_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create stack indexes: %w", err)
	}
	return nil
}

type nftRepository struct {
	collection *mongo.Collection
}

func NewNFTRepository(db *mongo.Database) NFTRepository {
	return &nftRepository{collection: db.Collection("nft_instances")}
}

func (r *nftRepository) Mint(ctx context.Context, instance *models.NFTInstance) error {
	if _, err := r.collection.InsertOne(ctx, instance); err != nil {
		return fmt.Errorf("failed to mint nft instance: %w", err)
	}
	return nil
}

func (r *nftRepository) GetByInstanceID(ctx context.Context, instanceID string) (*models.NFTInstance, error) {
	var instance models.NFTInstance
	err := r.collection.FindOne(ctx, bson.M{"instance_id": instanceID}).Decode(&instance)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: nft instance %s", models.ErrNotFound, instanceID)
		}
		return nil, fmt.Errorf("failed to get nft instance: %w", err)
	}
	return &instance, nil
}

// TransferOwner moves an instance between users with a compare-and-swap on
// the current owner. A stale owner never changes the record.
func (r *nftRepository) TransferOwner(ctx context.Context, instanceID string, fromUserID, toUserID int64) error {
	filter := bson.M{"instance_id": instanceID, "owner_user_id": fromUserID}
	update := bson.M{
		"$set": bson.M{
			"owner_user_id": toUserID,
			"updated_at":    time.Now().UTC(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to transfer nft: %w", err)
	}
	if result.MatchedCount == 0 {
		// Distinguish an unknown instance from a stale owner.
		if _, err := r.GetByInstanceID(ctx, instanceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: nft %s is not owned by user %d", models.ErrOwnershipMismatch, instanceID, fromUserID)
	}
	return nil
}

func (r *nftRepository) UpdateMutableState(ctx context.Context, instanceID string, ownerID int64, upgradeLevel int, stats map[string]interface{}) error {
	filter := bson.M{"instance_id": instanceID, "owner_user_id": ownerID}
	update := bson.M{
		"$set": bson.M{
			"upgrade_level": upgradeLevel,
			"stats":         stats,
			"updated_at":    time.Now().UTC(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update nft state: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := r.GetByInstanceID(ctx, instanceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: nft %s is not owned by user %d", models.ErrOwnershipMismatch, instanceID, ownerID)
	}
	return nil
}

func (r *nftRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.NFTInstance, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"owner_user_id": ownerID},
		options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list nft instances: %w", err)
	}
	defer cursor.Close(ctx)

	var instances []*models.NFTInstance
	for cursor.Next(ctx) {
		var instance models.NFTInstance
		if err := cursor.Decode(&instance); err != nil {
			continue
		}
		instances = append(instances, &instance)
	}
	return instances, cursor.Err()
}

func (r *nftRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "instance_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "token_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_user_id", Value: 1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create nft indexes: %w", err)
	}
	return nil
}
