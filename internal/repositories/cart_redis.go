package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCartRepository keeps each cart as a Redis sorted set of invoice ids
// scored by the time they were added.
type RedisCartRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCartRepository(rdb *redis.Client, ttl time.Duration) *RedisCartRepository {
	return &RedisCartRepository{rdb: rdb, ttl: ttl}
}

func cartKey(ownerID int64) string {
	return fmt.Sprintf("cart:%d", ownerID)
}

func (r *RedisCartRepository) Add(ctx context.Context, ownerID, invoiceID int64) error {
	key := cartKey(ownerID)
	pipe := r.rdb.TxPipeline()
	// NX keeps the first position of an invoice added twice
	pipe.ZAddNX(ctx, key, redis.Z{Score: float64(time.Now().UnixMicro()), Member: invoiceID})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisCartRepository) Remove(ctx context.Context, ownerID int64, invoiceIDs ...int64) error {
	if len(invoiceIDs) == 0 {
		return nil
	}
	members := make([]any, len(invoiceIDs))
	for i, id := range invoiceIDs {
		members[i] = id
	}
	return r.rdb.ZRem(ctx, cartKey(ownerID), members...).Err()
}

// List returns the cart's invoice ids in insertion order.
func (r *RedisCartRepository) List(ctx context.Context, ownerID int64) ([]int64, error) {
	members, err := r.rdb.ZRange(ctx, cartKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cart member %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
