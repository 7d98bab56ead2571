package auction

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisSettledCache records settled order uids in redis so multiple node
// instances sharing one intent pool never double-settle an order. Entries
// expire once the longest possible order validity window has elapsed.
type RedisSettledCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisSettledCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisSettledCache {
	return &RedisSettledCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *RedisSettledCache) Add(ctx context.Context, uids []common.Hash) error {
	pipe := c.client.Pipeline()
	for _, uid := range uids {
		pipe.Set(ctx, c.keyPrefix+uid.Hex(), 1, c.expireDuration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Settled returns the subset of uids already marked settled.
func (c *RedisSettledCache) Settled(ctx context.Context, uids []common.Hash) (map[common.Hash]bool, error) {
	settled := make(map[common.Hash]bool, len(uids))
	if len(uids) == 0 {
		return settled, nil
	}
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = c.keyPrefix + uid.Hex()
	}
	res, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, r := range res {
		if r != nil {
			settled[uids[i]] = true
		}
	}
	return settled, nil
}

// DeleteAll deletes all keys in the cache. Slow, testing only.
func (c *RedisSettledCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
