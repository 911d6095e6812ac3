package cache

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr string, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Redis{client: client, prefix: "mostrador:"}
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// Client exposes the connection for distributed locking.
func (c *Redis) Client() *redis.Client {
	return c.client
}

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value string) error {
	return c.client.Set(ctx, c.prefix+key, value, 0).Err()
}

func (c *Redis) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
