package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/perks/internal/apperr"
)

const (
	cartKeyPrefix    = "perks:cart:"
	receiptKeyPrefix = "perks:receipt:"
	userReceiptsKey  = "perks:receipts:user:"
	receiptTTL       = 30 * 24 * time.Hour
)

// RedisCarts keeps carts in sorted sets scored by insertion time so several
// application instances share them.
type RedisCarts struct {
	client *redis.Client
}

func NewRedisCarts(client *redis.Client) *RedisCarts {
	return &RedisCarts{client: client}
}

func cartKey(userID int64) string {
	return cartKeyPrefix + strconv.FormatInt(userID, 10)
}

func (c *RedisCarts) Items(ctx context.Context, userID int64) ([]int64, error) {
	members, err := c.client.ZRange(ctx, cartKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cart item %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *RedisCarts) Add(ctx context.Context, userID, rewardID int64) error {
	err := c.client.ZAddNX(ctx, cartKey(userID), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: strconv.FormatInt(rewardID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	return nil
}

func (c *RedisCarts) Remove(ctx context.Context, userID, rewardID int64) error {
	if err := c.client.ZRem(ctx, cartKey(userID), strconv.FormatInt(rewardID, 10)).Err(); err != nil {
		return fmt.Errorf("remove from cart: %w", err)
	}
	return nil
}

func (c *RedisCarts) Clear(ctx context.Context, userID int64) error {
	if err := c.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// RedisReceipts stores receipts as JSON values with a per-user index.
type RedisReceipts struct {
	client *redis.Client
}

func NewRedisReceipts(client *redis.Client) *RedisReceipts {
	return &RedisReceipts{client: client}
}

func (s *RedisReceipts) Save(ctx context.Context, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	indexKey := userReceiptsKey + strconv.FormatInt(r.UserID, 10)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, receiptKeyPrefix+r.ID, data, receiptTTL)
		pipe.ZAddNX(ctx, indexKey, redis.Z{Score: float64(r.CreatedAt.UnixNano()), Member: r.ID})
		pipe.Expire(ctx, indexKey, receiptTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}
	return nil
}

func (s *RedisReceipts) Get(ctx context.Context, id string) (*Receipt, error) {
	data, err := s.client.Get(ctx, receiptKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("receipt %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &r, nil
}

func (s *RedisReceipts) ListByUser(ctx context.Context, userID int64) ([]*Receipt, error) {
	ids, err := s.client.ZRevRange(ctx, userReceiptsKey+strconv.FormatInt(userID, 10), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	out := make([]*Receipt, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
