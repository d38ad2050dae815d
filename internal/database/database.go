package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"economy-api/internal/config"
	"economy-api/internal/repository"
)

// Database bundles the backing stores and the repositories built on them.
type Database struct {
	MongoDB      *mongo.Database
	RedisDB      *redis.Client
	Repositories *Repositories
}

type Repositories struct {
	Balance     repository.BalanceRepository
	Ledger      repository.LedgerRepository
	Inventory   repository.InventoryRepository
	NFT         repository.NFTRepository
	Trade       repository.TradeRepository
	Lock        repository.LockRepository
	Idempotency repository.IdempotencyRepository
	LockManager *repository.AssetLockManager
	TxnRunner   repository.TxnRunner
}

func Initialize(ctx context.Context, cfg *config.Config) (*Database, error) {
	mongoDB, err := initializeMongoDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	redisDB, err := initializeRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	repos := &Repositories{
		Balance:     repository.NewBalanceRepository(mongoDB),
		Ledger:      repository.NewLedgerRepository(mongoDB),
		Inventory:   repository.NewInventoryRepository(mongoDB),
		NFT:         repository.NewNFTRepository(mongoDB),
		Trade:       repository.NewTradeRepository(mongoDB),
		Lock:        repository.NewLockRepository(redisDB),
		Idempotency: repository.NewIdempotencyRepository(redisDB),
	}
	repos.LockManager = repository.NewAssetLockManager(repos.Lock)
	repos.TxnRunner = repository.NewTxnRunner(mongoDB.Client(), 3)

	if err := createIndexes(ctx, repos); err != nil {
		return nil, fmt.Errorf("failed to create database indexes: %w", err)
	}

	return &Database{
		MongoDB:      mongoDB,
		RedisDB:      redisDB,
		Repositories: repos,
	}, nil
}

func initializeMongoDB(ctx context.Context, cfg config.DatabaseConfig) (*mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.SelectionTimeout)
	if cfg.ReplicaSet != "" {
		clientOptions.SetReplicaSet(cfg.ReplicaSet)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(cfg.Database), nil
}

func initializeRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func createIndexes(ctx context.Context, repos *Repositories) error {
	if err := repos.Balance.CreateIndexes(ctx); err != nil {
		return err
	}
	if err := repos.Ledger.CreateIndexes(ctx); err != nil {
		return err
	}
	if err := repos.Inventory.CreateIndexes(ctx); err != nil {
		return err
	}
	if err := repos.NFT.CreateIndexes(ctx); err != nil {
		return err
	}
	return repos.Trade.CreateIndexes(ctx)
}

func (db *Database) Close(ctx context.Context) error {
	var errs []error

	if db.MongoDB != nil {
		if err := db.MongoDB.Client().Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MongoDB: %w", err))
		}
	}
	if db.RedisDB != nil {
		if err := db.RedisDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing database connections: %v", errs)
	}
	return nil
}

// HealthCheck pings both backing stores.
func (db *Database) HealthCheck(ctx context.Context) error {
	if err := db.MongoDB.Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("MongoDB health check failed: %w", err)
	}
	if _, err := db.RedisDB.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}
