package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"economy-api/internal/models"
)

// LockRepository provides non-blocking distributed locks. A lock that is
// already held fails immediately with ErrLockContention; nothing queues.
type LockRepository interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *DistributedLock) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

type DistributedLock struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type lockRepository struct {
	client *redis.Client
}

func NewLockRepository(client *redis.Client) LockRepository {
	return &lockRepository{client: client}
}

const (
	lockPrefix = "lock:"
	// Only the holder may delete its own lock.
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

func (r *lockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := lockPrefix + key
	lockValue := uuid.New().String()

	ok, err := r.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrLockContention, key)
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

func (r *lockRepository) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	result, err := r.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result.(int64) == 0 {
		return fmt.Errorf("lock not found or already released: %s", lock.Key)
	}
	return nil
}

func (r *lockRepository) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, lockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock existence: %w", err)
	}
	return exists > 0, nil
}

// AssetLockManager scopes the distributed locks the engine needs: one per
// trade for accept/cancel/sweep races and one per NFT instance so stat
// mutation and transfer of the same instance are mutually exclusive.
type AssetLockManager struct {
	lockRepo LockRepository
}

func NewAssetLockManager(lockRepo LockRepository) *AssetLockManager {
	return &AssetLockManager{lockRepo: lockRepo}
}

func (m *AssetLockManager) LockTrade(ctx context.Context, tradeID string, ttl time.Duration) (*DistributedLock, error) {
	return m.lockRepo.AcquireLock(ctx, fmt.Sprintf("trade:%s", tradeID), ttl)
}

func (m *AssetLockManager) LockNFTInstance(ctx context.Context, instanceID string, ttl time.Duration) (*DistributedLock, error) {
	return m.lockRepo.AcquireLock(ctx, fmt.Sprintf("nft:%s", instanceID), ttl)
}

func (m *AssetLockManager) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	return m.lockRepo.ReleaseLock(ctx, lock)
}

// IdempotencyRepository caches completed responses so callers can safely
// retry a mutation with the same key.
type IdempotencyRepository interface {
	SetResult(ctx context.Context, key string, result interface{}, ttl time.Duration) error
	GetResult(ctx context.Context, key string, out interface{}) (bool, error)
	DeleteKey(ctx context.Context, key string) error
}

type idempotencyRepository struct {
	client *redis.Client
}

func NewIdempotencyRepository(client *redis.Client) IdempotencyRepository {
	return &idempotencyRepository{client: client}
}

const idempotencyPrefix = "idempotency:"

func (r *idempotencyRepository) SetResult(ctx context.Context, key string, result interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}
	if err := r.client.Set(ctx, idempotencyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) GetResult(ctx context.Context, key string, out interface{}) (bool, error) {
	payload, err := r.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get idempotency result: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal idempotency result: %w", err)
	}
	return true, nil
}

func (r *idempotencyRepository) DeleteKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}
