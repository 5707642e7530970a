package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"order-fulfillment/model"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache is a read-through copy of carts keyed by cart id. The store stays
// authoritative; every mutation deletes the entry.
type Cache interface {
	Get(ctx context.Context, id string) (*model.Cart, error)
	Set(ctx context.Context, c *model.Cart) error
	Delete(ctx context.Context, id string) error
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	if baseTTL <= 0 {
		baseTTL = 15 * time.Minute
	}
	return &RedisCache{client: client, baseTTL: baseTTL}
}

func (r *RedisCache) Get(ctx context.Context, id string) (*model.Cart, error) {
	data, err := r.client.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var c model.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &c, nil
}

// Set stores c with a jittered TTL that never outlives the cart itself.
func (r *RedisCache) Set(ctx context.Context, c *model.Cart) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}
	ttl := r.baseTTL + time.Duration(rand.Intn(60))*time.Second
	if !c.ExpiresAt.IsZero() {
		if left := time.Until(c.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, cacheKey(c.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(id string) string {
	return fmt.Sprintf("cart:%s", id)
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*model.Cart, error) { return nil, ErrCacheMiss }
func (noCache) Set(context.Context, *model.Cart) error          { return nil }
func (noCache) Delete(context.Context, string) error            { return nil }
