package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache is a read-through cache in front of the balances collection.
// The durable store is authoritative; entries are invalidated on every
// mutation and expire on their own after the TTL.
type BalanceCache interface {
	Get(ctx context.Context, userID int64, currencyID string) (int64, bool, error)
	Set(ctx context.Context, userID int64, currencyID string, amount int64) error
	Invalidate(ctx context.Context, userID int64, currencyID string) error
}

type balanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) BalanceCache {
	return &balanceCache{client: client, ttl: ttl}
}

func balanceKey(userID int64, currencyID string) string {
	return fmt.Sprintf("balance:%d:%s", userID, currencyID)
}

func (c *balanceCache) Get(ctx context.Context, userID int64, currencyID string) (int64, bool, error) {
	value, err := c.client.Get(ctx, balanceKey(userID, currencyID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get cached balance: %w", err)
	}

	amount, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// Unparseable entry, treat as a miss and let the caller refresh it.
		return 0, false, nil
	}
	return amount, true, nil
}

func (c *balanceCache) Set(ctx context.Context, userID int64, currencyID string, amount int64) error {
	key := balanceKey(userID, currencyID)
	if err := c.client.Set(ctx, key, strconv.FormatInt(amount, 10), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

func (c *balanceCache) Invalidate(ctx context.Context, userID int64, currencyID string) error {
	if err := c.client.Del(ctx, balanceKey(userID, currencyID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached balance: %w", err)
	}
	return nil
}
