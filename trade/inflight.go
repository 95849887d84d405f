package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisInflightGuard marks positions that are mid-liquidation with a TTL key
// so a restart or a concurrent control call cannot fire the same order
// twice. Keys expire on their own; a crashed liquidation unblocks itself.
type RedisInflightGuard struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewRedisInflightGuard(client *redis.Client, expireDuration time.Duration, keyPrefix string) *RedisInflightGuard {
	return &RedisInflightGuard{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (g *RedisInflightGuard) key(positionID int64) string {
	return fmt.Sprintf("%s:%d", g.keyPrefix, positionID)
}

// TryAcquire claims the position for one liquidation. It returns false when
// another liquidation already holds the claim.
func (g *RedisInflightGuard) TryAcquire(ctx context.Context, positionID int64) (bool, error) {
	return g.client.SetNX(ctx, g.key(positionID), 1, g.expireDuration).Result()
}

func (g *RedisInflightGuard) Release(ctx context.Context, positionID int64) error {
	return g.client.Del(ctx, g.key(positionID)).Err()
}
