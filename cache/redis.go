package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func CreateRedisCache(config RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Client exposes the underlying connection for collaborators that need more
// than caching, e.g. the sweep's distributed lock.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func subscriberCountKey(groupKey string) string {
	return fmt.Sprintf("unlockd:subscribers:%s", groupKey)
}

// GetSubscriberCount returns the cached active-subscriber count for a
// grouping key; the second return reports a hit.
func (c *RedisCache) GetSubscriberCount(ctx context.Context, groupKey string) (int64, bool) {
	val, err := c.client.Get(ctx, subscriberCountKey(groupKey)).Result()
	if err != nil {
		return 0, false
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return count, true
}

func (c *RedisCache) SetSubscriberCount(ctx context.Context, groupKey string, count int64) {
	c.client.Set(ctx, subscriberCountKey(groupKey), strconv.FormatInt(count, 10), c.ttl)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
