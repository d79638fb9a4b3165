package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

const DefaultExpiration = 5 * time.Minute

type entry struct {
	Snapshot   domain.Snapshot `json:"data"`
	CapturedAt time.Time       `json:"timestamp"`
}

// RedisCache stores one snapshot per device.
type RedisCache struct {
	client     redis.Cmdable
	deviceID   string
	expiration time.Duration
	now        func() time.Time
}

func NewRedisCache(client redis.Cmdable, deviceID string, expiration time.Duration) *RedisCache {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &RedisCache{
		client:     client,
		deviceID:   deviceID,
		expiration: expiration,
		now:        time.Now,
	}
}

func (r *RedisCache) Save(ctx context.Context, snapshot domain.Snapshot) error {
	data, err := json.Marshal(entry{Snapshot: snapshot, CapturedAt: r.now()})
	if err != nil {
		return fmt.Errorf("marshal snapshot failed: %w", err)
	}
	if err := r.client.Set(ctx, r.key(), data, r.expiration).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Restore(ctx context.Context, cartID string) (*domain.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		// unreadable entries are dropped like stale ones
		_ = r.Clear(ctx)
		return nil, ErrCacheMiss
	}

	// the key TTL is a backstop; the captured time decides
	if r.now().Sub(e.CapturedAt) > r.expiration || e.Snapshot.CartID != cartID {
		if err := r.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, ErrCacheMiss
	}
	return &e.Snapshot, nil
}

func (r *RedisCache) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key()).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *RedisCache) key() string {
	return fmt.Sprintf("cartsync:snapshot:%s", r.deviceID)
}
