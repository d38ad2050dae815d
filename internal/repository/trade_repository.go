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

// TradeRepository owns trade persistence. Status changes go through
// TransitionStatus, a compare-and-swap on the current status, so two
// concurrent transitions on one trade can never both commit.
type TradeRepository interface {
	Create(ctx context.Context, trade *models.Trade) error
	GetByTradeID(ctx context.Context, tradeID string) (*models.Trade, error)
	TransitionStatus(ctx context.Context, tradeID string, from, to models.TradeStatus, failureReason string) (bool, error)
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	ListByUser(ctx context.Context, userID int64, status models.TradeStatus, limit, offset int) ([]*models.Trade, error)
	CreateIndexes(ctx context.Context) error
}

type tradeRepository struct {
	collection *mongo.Collection
}

func NewTradeRepository(db *mongo.Database) TradeRepository {
	return &tradeRepository{collection: db.Collection("trades")}
}

func (r *tradeRepository) Create(ctx context.Context, trade *models.Trade) error {
	if _, err := r.collection.InsertOne(ctx, trade); err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (r *tradeRepository) GetByTradeID(ctx context.Context, tradeID string) (*models.Trade, error) {
	var trade models.Trade
	err := r.collection.FindOne(ctx, bson.M{"trade_id": tradeID}).Decode(&trade)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: trade %s", models.ErrNotFound, tradeID)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return &trade, nil
}

// TransitionStatus flips the trade from one status to another. It returns
// false when the trade was not in the expected source status, which is how a
// losing concurrent accept or sweep learns it lost the race.
func (r *tradeRepository) TransitionStatus(ctx context.Context, tradeID string, from, to models.TradeStatus, failureReason string) (bool, error) {
	now := time.Now().UTC()
	set := bson.M{"status": to}
	if to != models.TradeStatusPending && to != models.TradeStatusAccepted {
		set["resolved_at"] = now
	}
	if failureReason != "" {
		set["failure_reason"] = failureReason
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"trade_id": tradeID, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition trade status: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

// ExpirePending marks every pending trade whose TTL has elapsed as expired.
// Idempotent: a second run over the same window matches nothing.
func (r *tradeRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.collection.UpdateMany(ctx,
		bson.M{
			"status":     models.TradeStatusPending,
			"expires_at": bson.M{"$lte": now},
		},
		bson.M{"$set": bson.M{
			"status":      models.TradeStatusExpired,
			"resolved_at": now,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending trades: %w", err)
	}
	return result.ModifiedCount, nil
}

func (r *tradeRepository) ListByUser(ctx context.Context, userID int64, status models.TradeStatus, limit, offset int) ([]*models.Trade, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"proposer_id": userID},
			{"counterparty_id": userID},
		},
	}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer cursor.Close(ctx)

	var trades []*models.Trade
	for cursor.Next(ctx) {
		var trade models.Trade
		if err := cursor.Decode(&trade); err != nil {
			continue
		}
		trades = append(trades, &trade)
	}
	return trades, cursor.Err()
}

func (r *tradeRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "trade_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "proposer_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "counterparty_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create trade indexes: %w", err)
	}
	return nil
}
