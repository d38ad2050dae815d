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

// BalanceRepository is the durable table of per-user-per-currency balances.
// Mutations are single atomic update statements, never read-modify-write at
// the call site; a debit that would drive the balance negative matches no
// document and is rejected in full.
type BalanceRepository interface {
	GetAmount(ctx context.Context, userID int64, currencyID string) (int64, error)
	Get(ctx context.Context, userID int64, currencyID string) (*models.Balance, error)
	ApplyCredit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error)
	ApplyDebit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Balance, error)
	ListAll(ctx context.Context, limit, offset int) ([]*models.Balance, error)
	CreateIndexes(ctx context.Context) error
}

type balanceRepository struct {
	collection *mongo.Collection
}

func NewBalanceRepository(db *mongo.Database) BalanceRepository {
	return &balanceRepository{collection: db.Collection("balances")}
}

func (r *balanceRepository) GetAmount(ctx context.Context, userID int64, currencyID string) (int64, error) {
	balance, err := r.Get(ctx, userID, currencyID)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		// No row means a balance of zero.
		return 0, nil
	}
	return balance.Amount, nil
}

func (r *balanceRepository) Get(ctx context.Context, userID int64, currencyID string) (*models.Balance, error) {
	var balance models.Balance
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID, "currency_id": currencyID}).Decode(&balance)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

// ApplyCredit increments the balance, creating the row on first credit, and
// returns the resulting amount.
func (r *balanceRepository) ApplyCredit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error) {
	now := time.Now().UTC()
	filter := bson.M{"user_id": userID, "currency_id": currencyID}
	update := bson.M{
		"$inc":         bson.M{"amount": amount},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var updated models.Balance
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated); err != nil {
		return 0, fmt.Errorf("failed to apply credit: %w", err)
	}
	return updated.Amount, nil
}

// ApplyDebit decrements the balance only when sufficient funds exist at the
// moment of application. The sufficiency check is part of the update filter,
// so there is no window between validation and mutation.
func (r *balanceRepository) ApplyDebit(ctx context.Context, userID int64, currencyID string, amount int64) (int64, error) {
	filter := bson.M{
		"user_id":     userID,
		"currency_id": currencyID,
		"amount":      bson.M{"$gte": amount},
	}
	update := bson.M{
		"$inc": bson.M{"amount": -amount},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Balance
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, models.ErrInsufficientFunds
		}
		return 0, fmt.Errorf("failed to apply debit: %w", err)
	}
	return updated.Amount, nil
}

func (r *balanceRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Balance, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.M{"currency_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer cursor.Close(ctx)

	var balances []*models.Balance
	for cursor.Next(ctx) {
		var balance models.Balance
		if err := cursor.Decode(&balance); err != nil {
			continue
		}
		balances = append(balances, &balance)
	}
	return balances, cursor.Err()
}

// ListAll pages over every balance row in a stable order. Used by the
// reconciliation engine, not by request paths.
func (r *balanceRepository) ListAll(ctx context.Context, limit, offset int) ([]*models.Balance, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "user_id", Value: 1}, {Key: "currency_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer cursor.Close(ctx)

	var balances []*models.Balance
	for cursor.Next(ctx) {
		var balance models.Balance
		if err := cursor.Decode(&balance); err != nil {
			continue
		}
		balances = append(balances, &balance)
	}
	return balances, cursor.Err()
}

func (r *balanceRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "currency_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create balance indexes: %w", err)
	}
	return nil
}
