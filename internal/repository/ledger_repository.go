package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"economy-api/internal/models"
)

// LedgerRepository is the append-only transaction log. Entries are never
// updated or deleted.
type LedgerRepository interface {
	Append(ctx context.Context, entry *models.LedgerEntry) error
	GetByEntryID(ctx context.Context, entryID string) (*models.LedgerEntry, error)
	ListByUserCurrency(ctx context.Context, userID int64, currencyID string, limit, offset int) ([]*models.LedgerEntry, error)
	ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error)
	SumDeltas(ctx context.Context, userID int64, currencyID string) (int64, error)
	CreateIndexes(ctx context.Context) error
}

type ledgerRepository struct {
	collection *mongo.Collection
}

func NewLedgerRepository(db *mongo.Database) LedgerRepository {
	return &ledgerRepository{collection: db.Collection("ledger_entries")}
}

func (r *ledgerRepository) Append(ctx context.Context, entry *models.LedgerEntry) error {
	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (r *ledgerRepository) GetByEntryID(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.collection.FindOne(ctx, bson.M{"entry_id": entryID}).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: ledger entry %s", models.ErrNotFound, entryID)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &entry, nil
}

func (r *ledgerRepository) ListByUserCurrency(ctx context.Context, userID int64, currencyID string, limit, offset int) ([]*models.LedgerEntry, error) {
	filter := bson.M{"user_id": userID}
	if currencyID != "" {
		filter["currency_id"] = currencyID
	}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*models.LedgerEntry
	for cursor.Next(ctx) {
		var entry models.LedgerEntry
		if err := cursor.Decode(&entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, cursor.Err()
}

func (r *ledgerRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.LedgerEntry, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"reference_id": referenceID},
		options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries by reference: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*models.LedgerEntry
	for cursor.Next(ctx) {
		var entry models.LedgerEntry
		if err := cursor.Decode(&entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, cursor.Err()
}

// SumDeltas aggregates the signed deltas for one (user, currency) pair. Used
// by reconciliation to verify the append-only invariant against the live
// balance.
func (r *ledgerRepository) SumDeltas(ctx context.Context, userID int64, currencyID string) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "currency_id": currencyID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$delta"}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger deltas: %w", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Total int64 `bson:"total"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("failed to decode delta sum: %w", err)
		}
	}
	return result.Total, cursor.Err()
}

func (r *ledgerRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "entry_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "currency_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "reference_id", Value: 1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create ledger indexes: %w", err)
	}
	return nil
}
